package floatsvc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/types"
)

func TestFloatingIPServiceStartAndStopShellOutToIP(t *testing.T) {
	svc := NewFloatingIPService("eth0", "10.0.0.5/24")
	svc.bin = "echo"

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
}

func TestFloatingIPServicePropagatesCommandFailure(t *testing.T) {
	svc := NewFloatingIPService("eth0", "10.0.0.5/24")
	svc.bin = "false"

	assert.Error(t, svc.Start(context.Background()))
}

func TestFloatingIPServiceMissingBinary(t *testing.T) {
	svc := NewFloatingIPService("eth0", "10.0.0.5/24")
	svc.bin = "vircored-nonexistent-binary"

	assert.Error(t, svc.Start(context.Background()))
}

func freePort(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestMetricsProxyForwardsToSelectedBackend(t *testing.T) {
	backendLn := freePort(t)
	backend := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("node-metrics"))
	})}
	go backend.Serve(backendLn)
	defer backend.Close()

	proxyLn := freePort(t)
	proxyAddr := proxyLn.Addr().String()
	proxyLn.Close()

	proxy := NewMetricsProxyService(proxyAddr, func() []string { return []string{backendLn.Addr().String()} })
	require.NoError(t, proxy.Start(context.Background()))
	defer proxy.Stop(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", proxyAddr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsProxyNoBackendsReturnsServiceUnavailable(t *testing.T) {
	proxyLn := freePort(t)
	proxyAddr := proxyLn.Addr().String()
	proxyLn.Close()

	proxy := NewMetricsProxyService(proxyAddr, func() []string { return nil })
	require.NoError(t, proxy.Start(context.Background()))
	defer proxy.Stop(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", proxyAddr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLookupReservationMatchesCaseInsensitiveMAC(t *testing.T) {
	network := &types.Network{Reservations: []types.DHCPReservation{
		{MAC: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.9"},
	}}

	r, ok := lookupReservation(network, "aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", r.IP)

	_, ok = lookupReservation(network, "11:22:33:44:55:66")
	assert.False(t, ok)
}

func TestReplyTypeOffersOnDiscoverAndAcksOtherwise(t *testing.T) {
	assert.Equal(t, dhcpv4.MessageTypeOffer, replyType(dhcpv4.MessageTypeDiscover))
	assert.Equal(t, dhcpv4.MessageTypeAck, replyType(dhcpv4.MessageTypeRequest))
}
