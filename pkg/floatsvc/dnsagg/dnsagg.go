// Package dnsagg implements the DNS aggregator floating service: a
// Docker-style embedded DNS server that resolves VM names to their
// reserved IPs and forwards everything else to upstream resolvers.
package dnsagg

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

const (
	DefaultListenAddr = "127.0.0.11:53"
	DefaultDomain     = "vircluster"
	DefaultUpstream   = "8.8.8.8:53"
	recordTTL         = 10
)

// Config configures the aggregator.
type Config struct {
	ListenAddr string
	Domain     string
	Upstream   []string
}

func DefaultConfig() Config {
	return Config{ListenAddr: DefaultListenAddr, Domain: DefaultDomain, Upstream: []string{DefaultUpstream}}
}

// Server is the embedded DNS aggregator. Its Start/Stop satisfy
// pkg/elector.FloatingService. Start only binds the DNS listener and
// never reads the store, so store reachability does not affect it; a
// listen failure is returned to the elector, which records it as a fault.
type Server struct {
	client    *store.Client
	cfg       Config
	dnsServer *dns.Server
	logger    zerolog.Logger
	mu        sync.Mutex
	lastErr   error
}

func New(client *store.Client, cfg Config) *Server {
	return &Server{client: client, cfg: cfg, logger: log.WithComponent("dnsagg")}
}

func (s *Server) Name() string { return "dns-aggregator" }

func (s *Server) Start(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.mu.Lock()
	s.dnsServer = &dns.Server{Addr: s.cfg.ListenAddr, Net: "udp", Handler: mux}
	srv := s.dnsServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("dns aggregator listening")
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.dnsServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown()
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			s.forward(w, r)
			return
		}
		answers, err := s.resolve(q.Name)
		if err != nil {
			s.forward(w, r)
			return
		}
		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("writing dns response")
	}
}

// resolve looks up name as a VM: strip the domain suffix, find the VM by
// name, and return an A record for each NIC whose network carries a
// reservation for that NIC's MAC.
func (s *Server) resolve(queryName string) ([]dns.RR, error) {
	name := strings.TrimSuffix(queryName, ".")
	vmName := strings.TrimSuffix(name, "."+s.cfg.Domain)

	vm, err := s.findVMByName(vmName)
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, nic := range vm.NICs {
		ip, ok := s.reservedIP(nic)
		if ok {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no reserved address for vm %s", vmName)
	}

	rand.Shuffle(len(ips), func(i, j int) { ips[i], ips[j] = ips[j], ips[i] })

	fqdn := name
	if !strings.HasSuffix(fqdn, ".") {
		fqdn += "."
	}
	var rrs []dns.RR
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			continue
		}
		rrs = append(rrs, &dns.A{
			Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: recordTTL},
			A:   parsed,
		})
	}
	if len(rrs) == 0 {
		return nil, fmt.Errorf("no parseable reserved address for vm %s", vmName)
	}
	return rrs, nil
}

func (s *Server) findVMByName(name string) (*types.VM, error) {
	rec, err := s.client.Get(store.KindNameIndex, name)
	if err != nil {
		return nil, err
	}
	var uuid string
	if err := json.Unmarshal(rec.Data, &uuid); err != nil {
		return nil, err
	}
	vmRec, err := s.client.Get(store.KindVM, uuid)
	if err != nil {
		return nil, err
	}
	var vm types.VM
	if err := json.Unmarshal(vmRec.Data, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *Server) reservedIP(nic types.NIC) (string, bool) {
	rec, err := s.client.Get(store.KindNetwork, nic.NetworkID)
	if err != nil {
		return "", false
	}
	var network types.Network
	if err := json.Unmarshal(rec.Data, &network); err != nil {
		return "", false
	}
	for _, r := range network.Reservations {
		if strings.EqualFold(r.MAC, nic.MAC) {
			return r.IP, true
		}
	}
	return "", false
}

func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}
	for _, upstream := range s.cfg.Upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			s.logger.Error().Err(err).Msg("writing forwarded dns response")
		}
		return
	}
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	_ = w.WriteMsg(msg)
}
