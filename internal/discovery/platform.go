package discovery

import "net"

// realPlatform is the production PlatformBroadcaster. The per-interface
// predicate itself is compiled per-platform (platform_windows.go /
// platform_freebsd.go / platform_other.go) so it never has to branch on runtime.GOOS inline.
type realPlatform struct{}

// NewPlatform returns the production PlatformBroadcaster for this build.
func NewPlatform() PlatformBroadcaster {
	return realPlatform{}
}

func (realPlatform) NeedsPerInterfaceBroadcast() bool {
	return perInterfaceBroadcastDefault
}

// BroadcastInterfaces enumerates non-loopback, up, IPv4-capable interface
// addresses to source a per-interface broadcast from.
func (realPlatform) BroadcastInterfaces() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			ips = append(ips, ip4)
		}
	}
	return ips, nil
}
