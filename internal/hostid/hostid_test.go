package hostid

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeResolver() *Resolver {
	return &Resolver{
		Hostname: func() (string, error) { return "node7", nil },
		Interfaces: func() ([]net.Interface, error) {
			return []net.Interface{
				{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
				{Index: 2, Name: "eth0", Flags: 0},
				{Index: 3, Name: "eth1", Flags: net.FlagUp},
			}, nil
		},
		Addrs: func(iface net.Interface) ([]net.Addr, error) {
			switch iface.Name {
			case "lo":
				return []net.Addr{&net.IPNet{IP: net.ParseIP("127.0.0.1")}}, nil
			case "eth0":
				return []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.99")}}, nil
			}
			return []net.Addr{
				&net.IPNet{IP: net.ParseIP("fe80::1")},
				&net.IPNet{IP: net.ParseIP("10.0.0.7")},
			}, nil
		},
		LookupHost: func(host string) ([]string, error) {
			if host == "node7" || host == "node7.example.com" {
				return []string{"10.0.0.7"}, nil
			}
			return nil, errors.New("no such host")
		},
		LookupAddr: func(addr string) ([]string, error) {
			return []string{"node7.example.com."}, nil
		},
	}
}

func TestIsLocal(t *testing.T) {
	r := fakeResolver()
	for _, host := range []string{"localhost", "LOCALHOST", "127.0.0.1", "node7", "node7.example.com", "node7.example.com.", "10.0.0.7"} {
		assert.True(t, r.IsLocal(host), host)
	}
	for _, host := range []string{"node8", "10.0.0.99", "fe80::1", "example.com", ""} {
		assert.False(t, r.IsLocal(host), host)
	}
}

func TestIsLocalInterfaceFallback(t *testing.T) {
	r := fakeResolver()
	r.Interfaces = func() ([]net.Interface, error) { return nil, errors.New("netlink denied") }
	assert.True(t, r.IsLocal("10.0.0.7"))
}

func TestIsLocalAllLookupsFail(t *testing.T) {
	fail := errors.New("boom")
	r := &Resolver{
		Hostname:   func() (string, error) { return "", fail },
		Interfaces: func() ([]net.Interface, error) { return nil, fail },
		Addrs:      func(net.Interface) ([]net.Addr, error) { return nil, fail },
		LookupHost: func(string) ([]string, error) { return nil, fail },
		LookupAddr: func(string) ([]string, error) { return nil, fail },
	}
	assert.True(t, r.IsLocal("localhost"))
	assert.False(t, r.IsLocal("node7"))
}

func TestIsLocalRealSystem(t *testing.T) {
	r := NewResolver()
	assert.True(t, r.IsLocal("localhost"))
	assert.NotPanics(t, func() {
		assert.False(t, r.IsLocal("no-such-host.invalid"))
		assert.False(t, r.IsLocal("%%%garbage!!host%%%"))
	})
}

func TestStatic(t *testing.T) {
	s := NewStatic("h1", "H2.")
	assert.True(t, s.IsLocal("localhost"))
	assert.True(t, s.IsLocal("h1"))
	assert.True(t, s.IsLocal("h2"))
	assert.False(t, s.IsLocal("h3"))
}
