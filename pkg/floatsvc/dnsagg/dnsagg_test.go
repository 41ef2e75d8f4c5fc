package dnsagg

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/dnsagg-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsm.Close() })
	return store.NewClient(fsm, store.NewLocalApplier(fsm))
}

func seedVM(t *testing.T, client *store.Client, name, networkID, mac, ip string) {
	t.Helper()
	vm := &types.VM{UUID: "vm-" + name, Name: name, NICs: []types.NIC{{NetworkID: networkID, MAC: mac, Model: "virtio"}}}
	_, err := client.Put(store.KindVM, vm.UUID, vm)
	require.NoError(t, err)
	_, err = client.Put(store.KindNameIndex, name, vm.UUID)
	require.NoError(t, err)

	network := &types.Network{ID: networkID, Reservations: []types.DHCPReservation{{MAC: mac, IP: ip}}}
	_, err = client.Put(store.KindNetwork, networkID, network)
	require.NoError(t, err)
}

func TestResolveReturnsReservedAddress(t *testing.T) {
	client := newTestClient(t)
	seedVM(t, client, "web-1", "net-a", "aa:bb:cc:dd:ee:01", "10.1.0.5")

	s := New(client, Config{Domain: DefaultDomain})
	rrs, err := s.resolve("web-1.vircluster.")
	require.NoError(t, err)
	require.Len(t, rrs, 1)

	a, ok := rrs[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.1.0.5", a.A.String())
}

func TestResolveUnknownVMReturnsError(t *testing.T) {
	client := newTestClient(t)
	s := New(client, Config{Domain: DefaultDomain})

	_, err := s.resolve("ghost.vircluster.")
	assert.Error(t, err)
}

func TestResolveVMWithoutReservationReturnsError(t *testing.T) {
	client := newTestClient(t)
	vm := &types.VM{UUID: "vm-bare", Name: "bare", NICs: []types.NIC{{NetworkID: "net-a", MAC: "ff:ff:ff:ff:ff:ff"}}}
	_, err := client.Put(store.KindVM, vm.UUID, vm)
	require.NoError(t, err)
	_, err = client.Put(store.KindNameIndex, "bare", vm.UUID)
	require.NoError(t, err)
	_, err = client.Put(store.KindNetwork, "net-a", &types.Network{ID: "net-a"})
	require.NoError(t, err)

	s := New(client, Config{Domain: DefaultDomain})
	_, err = s.resolve("bare.vircluster.")
	assert.Error(t, err)
}

func TestReservedIPMatchesCaseInsensitiveMAC(t *testing.T) {
	client := newTestClient(t)
	_, err := client.Put(store.KindNetwork, "net-b", &types.Network{ID: "net-b", Reservations: []types.DHCPReservation{
		{MAC: "AA:BB:CC:DD:EE:02", IP: "10.1.0.9"},
	}})
	require.NoError(t, err)

	s := New(client, Config{Domain: DefaultDomain})
	ip, ok := s.reservedIP(types.NIC{NetworkID: "net-b", MAC: "aa:bb:cc:dd:ee:02"})
	require.True(t, ok)
	assert.Equal(t, "10.1.0.9", ip)
}

func TestServiceName(t *testing.T) {
	s := New(nil, DefaultConfig())
	assert.Equal(t, "dns-aggregator", s.Name())
}
