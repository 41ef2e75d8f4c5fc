package floatsvc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/types"
)

// DHCPService serves static, reservation-only leases for one managed
// network: every address it hands out comes from the network's
// Reservations table, keyed by requesting MAC. It never leases an
// address outside that table: a request from a MAC with no reservation
// gets no reply.
type DHCPService struct {
	iface   string
	network func() (*types.Network, error)
	server  *server4.Server
	logger  zerolog.Logger
}

func NewDHCPService(iface string, network func() (*types.Network, error)) *DHCPService {
	return &DHCPService{iface: iface, network: network, logger: log.WithComponent("floatsvc.dhcp").With().Str("iface", iface).Logger()}
}

func (s *DHCPService) Name() string { return "dhcp:" + s.iface }

func (s *DHCPService) Start(ctx context.Context) error {
	srv, err := server4.NewServer(s.iface, nil, s.handle)
	if err != nil {
		return fmt.Errorf("starting dhcp server on %s: %w", s.iface, err)
	}
	s.server = srv

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info().Msg("dhcp instance listening")
		return nil
	}
}

func (s *DHCPService) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func (s *DHCPService) handle(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	network, err := s.network()
	if err != nil {
		s.logger.Warn().Err(err).Msg("loading network for dhcp request")
		return
	}

	reservation, ok := lookupReservation(network, m.ClientHWAddr.String())
	if !ok {
		return
	}

	ip := net.ParseIP(reservation.IP)
	if ip == nil {
		s.logger.Warn().Str("mac", m.ClientHWAddr.String()).Str("ip", reservation.IP).Msg("unparseable reservation address")
		return
	}

	gateway := net.ParseIP(network.Gateway)
	_, subnet, err := net.ParseCIDR(network.Subnet)
	var mask net.IPMask
	if err == nil {
		mask = subnet.Mask
	}

	reply, err := dhcpv4.NewReplyFromRequest(m,
		dhcpv4.WithMessageType(replyType(m.MessageType())),
		dhcpv4.WithYourIP(ip),
		dhcpv4.WithNetmask(mask),
		dhcpv4.WithRouter(gateway),
		dhcpv4.WithDNS(gateway),
		dhcpv4.WithLeaseTime(uint32(time.Hour.Seconds())),
	)
	if err != nil {
		s.logger.Warn().Err(err).Msg("building dhcp reply")
		return
	}

	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		s.logger.Warn().Err(err).Msg("writing dhcp reply")
	}
}

func replyType(request dhcpv4.MessageType) dhcpv4.MessageType {
	if request == dhcpv4.MessageTypeDiscover {
		return dhcpv4.MessageTypeOffer
	}
	return dhcpv4.MessageTypeAck
}

func lookupReservation(network *types.Network, mac string) (types.DHCPReservation, bool) {
	for _, r := range network.Reservations {
		if strings.EqualFold(r.MAC, mac) {
			return r, true
		}
	}
	return types.DHCPReservation{}, false
}
