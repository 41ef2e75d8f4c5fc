package floatsvc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
)

// MetricsProxyService fronts every node agent's local metrics endpoint
// behind the floating IP, so scrapers have one stable address regardless
// of which node currently holds primary. It reuses the reverse-proxy
// shape rather than reimplementing request forwarding.
type MetricsProxyService struct {
	listenAddr string
	backends   func() []string
	server     *http.Server
	logger     zerolog.Logger
	next       int
}

func NewMetricsProxyService(listenAddr string, backends func() []string) *MetricsProxyService {
	return &MetricsProxyService{listenAddr: listenAddr, backends: backends, logger: log.WithComponent("floatsvc.metrics")}
}

func (s *MetricsProxyService) Name() string { return "metrics-proxy" }

func (s *MetricsProxyService) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.server = &http.Server{Addr: s.listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info().Str("addr", s.listenAddr).Msg("metrics proxy listening")
		return nil
	}
}

func (s *MetricsProxyService) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *MetricsProxyService) handle(w http.ResponseWriter, r *http.Request) {
	backends := s.backends()
	if len(backends) == 0 {
		http.Error(w, "no metrics backends available", http.StatusServiceUnavailable)
		return
	}
	s.next = (s.next + 1) % len(backends)
	backend := backends[s.next]

	target, err := url.Parse(fmt.Sprintf("http://%s", backend))
	if err != nil {
		http.Error(w, "invalid backend address", http.StatusBadGateway)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = r.Host
		req.Header.Set("X-Forwarded-For", r.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", "http")
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error().Err(err).Str("backend", backend).Msg("metrics proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}
