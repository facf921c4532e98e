//go:build windows

package discovery

// Windows does not reliably fan a single 255.255.255.255 send out across
// every adapter, so the daemon falls back to one send per interface.
const perInterfaceBroadcastDefault = true
