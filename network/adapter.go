package network

import "net"

// UnknownAdapter is reported when the local address matches no interface.
const UnknownAdapter = "unknown"

var interfaces = net.Interfaces

// AdapterName resolves the local interface owning addr.
func AdapterName(addr net.Addr) string {
	ip := net.ParseIP(hostOf(addr))
	if ip == nil {
		return UnknownAdapter
	}

	ifaces, err := interfaces()
	if err != nil {
		return UnknownAdapter
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, candidate := range addrs {
			if ipNet, ok := candidate.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return iface.Name
			}
		}
	}
	return UnknownAdapter
}
