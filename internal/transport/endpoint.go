package transport

import (
	"net"
	"sort"
)

// Server describes one configured upstream DNS server before endpoint
// resolution: a host (name or literal address) and port, with optional
// TLS and multicast metadata.
type Server struct {
	Host      string
	Port      int
	TLS       *TLSConfig
	Multicast bool
}

// addrLooker abstracts net.LookupHost / net.InterfaceAddrs for tests.
type addrLooker interface {
	LookupHost(host string) ([]string, error)
}

type netLooker struct{}

func (netLooker) LookupHost(host string) ([]string, error) { return net.LookupHost(host) }

// ResolveEndpoints resolves each configured Server to one or more concrete
// Endpoints and orders the combined list: endpoints whose
// address family matches the host's preferred routable family come first,
// multicast servers are expanded to one endpoint per local non-loopback
// interface.
func ResolveEndpoints(servers []Server) ([]Endpoint, error) {
	return resolveEndpoints(servers, netLooker{})
}

func resolveEndpoints(servers []Server, looker addrLooker) ([]Endpoint, error) {
	preferV6 := hostHasRoutableIPv6()

	var endpoints []Endpoint
	for _, srv := range servers {
		if srv.Multicast {
			eps, err := expandMulticast(srv)
			if err != nil {
				return nil, err
			}
			endpoints = append(endpoints, eps...)
			continue
		}

		addrs, err := looker.LookupHost(srv.Host)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			ip := net.ParseIP(a)
			if ip == nil {
				continue
			}
			endpoints = append(endpoints, Endpoint{
				Addr: &net.UDPAddr{IP: ip, Port: srv.Port},
				TLS:  srv.TLS,
			})
		}
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		iv6 := isIPv6(endpoints[i].Addr.IP)
		jv6 := isIPv6(endpoints[j].Addr.IP)
		if iv6 == jv6 {
			return false
		}
		if preferV6 {
			return iv6
		}
		return !iv6
	})

	return endpoints, nil
}

func isIPv6(ip net.IP) bool {
	return ip.To4() == nil
}

// hostHasRoutableIPv6 reports whether any local interface carries a
// globally routable (non-loopback, non-link-local, non-Teredo) IPv6
// address, which decides default endpoint ordering.
func hostHasRoutableIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.To4() != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		if isTeredo(ip) {
			continue
		}
		return true
	}
	return false
}

// isTeredo reports whether ip falls in the Teredo tunneling prefix
// 2001:0000::/32, which RFC 4380 defines as non-native connectivity that
// should not be preferred over IPv4.
func isTeredo(ip net.IP) bool {
	ip16 := ip.To16()
	if ip16 == nil {
		return false
	}
	return ip16[0] == 0x20 && ip16[1] == 0x01 && ip16[2] == 0x00 && ip16[3] == 0x00
}

// expandMulticast produces one Endpoint per non-loopback, non-docked local
// interface address, all pointed at the same multicast group address.
func expandMulticast(srv Server) ([]Endpoint, error) {
	ip := net.ParseIP(srv.Host)
	if ip == nil {
		addrs, err := net.LookupHost(srv.Host)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			ip = net.ParseIP(addrs[0])
		}
	}
	if ip == nil {
		return nil, &net.AddrError{Err: "invalid multicast address", Addr: srv.Host}
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var out []Endpoint
	wantV6 := ip.To4() == nil
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		localV6 := ipNet.IP.To4() == nil
		if localV6 != wantV6 {
			continue
		}
		out = append(out, Endpoint{
			Addr:         &net.UDPAddr{IP: ip, Port: srv.Port},
			TLS:          srv.TLS,
			Multicast:    true,
			LocalIfaceIP: ipNet.IP,
		})
	}
	return out, nil
}
