//go:build freebsd

package discovery

// FreeBSD's default routing behavior for the limited broadcast address is
// unreliable across multiple interfaces; match the Windows strategy.
const perInterfaceBroadcastDefault = true
