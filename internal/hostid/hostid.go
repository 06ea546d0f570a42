// Package hostid decides whether a hostname refers to the machine running fleetctl.
package hostid

import (
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Identity answers whether host names the executing machine.
type Identity interface {
	IsLocal(host string) bool
}

// Resolver collects the local machine's names once and matches against them.
// Lookup failures only shrink the name set, so an unresolvable host is treated as remote.
type Resolver struct {
	Hostname   func() (string, error)
	Interfaces func() ([]net.Interface, error)
	Addrs      func(iface net.Interface) ([]net.Addr, error)
	LookupHost func(host string) ([]string, error)
	LookupAddr func(addr string) ([]string, error)

	once  sync.Once
	names map[string]struct{}
}

// NewResolver returns a Resolver backed by the operating system and the local DNS resolver.
func NewResolver() *Resolver {
	return &Resolver{
		Hostname:   os.Hostname,
		Interfaces: net.Interfaces,
		Addrs:      func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() },
		LookupHost: net.LookupHost,
		LookupAddr: net.LookupAddr,
	}
}

// IsLocal reports whether host is localhost, a loopback address, the short or
// fully-qualified hostname, or the primary interface address.
func (r *Resolver) IsLocal(host string) bool {
	h := normalize(host)
	if h == "localhost" {
		return true
	}
	r.once.Do(r.collect)
	_, ok := r.names[h]
	return ok
}

// Names returns the collected local names, sorted.
func (r *Resolver) Names() []string {
	r.once.Do(r.collect)
	out := make([]string, 0, len(r.names))
	for n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) collect() {
	r.names = map[string]struct{}{}
	r.add("localhost", "127.0.0.1", "::1")

	short, fqdn := "", ""
	if r.Hostname != nil {
		name, err := r.Hostname()
		if err != nil {
			log.Debug().Err(err).Msg("hostname lookup failed")
		} else {
			short = strings.SplitN(name, ".", 2)[0]
			r.add(name, short)
			fqdn = r.fqdn(name)
			r.add(fqdn)
		}
	}

	ip, err := r.primaryIP()
	if err != nil {
		log.Debug().Err(err).Msg("interface enumeration failed, falling back to DNS")
		ip = r.forwardIP(fqdn)
	}
	r.add(ip)
}

// fqdn resolves the hostname to an address and back to its canonical name.
func (r *Resolver) fqdn(name string) string {
	if strings.Contains(name, ".") || r.LookupHost == nil || r.LookupAddr == nil {
		return name
	}
	addrs, err := r.LookupHost(name)
	if err != nil {
		log.Debug().Err(err).Str("host", name).Msg("forward lookup of own hostname failed")
		return name
	}
	for _, a := range addrs {
		names, err := r.LookupAddr(a)
		if err != nil {
			continue
		}
		for _, n := range names {
			n = normalize(n)
			if strings.HasPrefix(n, strings.ToLower(name)+".") {
				return n
			}
		}
	}
	return name
}

// primaryIP returns the first address of the first up, non-loopback interface,
// preferring IPv4.
func (r *Resolver) primaryIP() (string, error) {
	if r.Interfaces == nil || r.Addrs == nil {
		return "", net.UnknownNetworkError("no interface source")
	}
	ifaces, err := r.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := r.Addrs(iface)
		if err != nil || len(addrs) == 0 {
			continue
		}
		var v6 string
		for _, a := range addrs {
			ip := addrIP(a)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip.To4() != nil {
				return ip.String(), nil
			}
			if v6 == "" {
				v6 = ip.String()
			}
		}
		if v6 != "" {
			return v6, nil
		}
	}
	return "", nil
}

func (r *Resolver) forwardIP(fqdn string) string {
	if fqdn == "" || r.LookupHost == nil {
		return ""
	}
	addrs, err := r.LookupHost(fqdn)
	if err != nil || len(addrs) == 0 {
		log.Debug().Err(err).Str("host", fqdn).Msg("forward lookup of own fqdn failed")
		return ""
	}
	return addrs[0]
}

func (r *Resolver) add(names ...string) {
	for _, n := range names {
		if n = normalize(n); n != "" {
			r.names[n] = struct{}{}
		}
	}
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// Static is a fixed identity set, handy in tests and for --local-names overrides.
type Static map[string]struct{}

func NewStatic(names ...string) Static {
	s := Static{}
	for _, n := range names {
		s[normalize(n)] = struct{}{}
	}
	return s
}

func (s Static) IsLocal(host string) bool {
	h := normalize(host)
	if h == "localhost" {
		return true
	}
	_, ok := s[h]
	return ok
}
