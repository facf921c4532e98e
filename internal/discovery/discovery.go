// Package discovery implements the UDP identity broadcast/listen service
// from spec.md §4.C: periodic self-announcement, a reachability-timeout
// sweep over discovered peers, and direct (unicast) re-identify for
// NAT/VPN topologies where broadcast doesn't propagate.
package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBroadcastInterval         = 5 * time.Second
	DefaultReachabilityCheckInterval = 5 * time.Second
	DefaultDeviceLostTimeout         = 120 * time.Second
	DefaultUDPPort                   = 1716

	// limiterGCAge bounds how long a per-source-IP rate limiter entry
	// survives without traffic, adapted from the teacher's garbage
	// collection strategy for its own per-source token buckets.
	limiterGCAge = 5 * time.Second

	broadcastAddress = "255.255.255.255"
)

// DiscoveredDevice is a value-copy snapshot; callers never get a live
// reference into the service's table (spec.md §5 shared-resource policy).
type DiscoveredDevice struct {
	DeviceID        string
	DeviceName      string
	DeviceType      string
	ProtocolVersion int
	TCPPort         int
	Address         string
	LastSeen        time.Time
}

// PlatformBroadcaster decides, at construction time, whether this platform
// needs the per-interface unicast-broadcast fallback instead of a single
// send to 255.255.255.255 (spec.md §9: inject the predicate, never probe
// runtime.GOOS inline, so the strategy is testable).
type PlatformBroadcaster interface {
	NeedsPerInterfaceBroadcast() bool
	BroadcastInterfaces() ([]net.IP, error)
}

// Config configures a Service. Zero-value duration fields fall back to the
// package defaults.
type Config struct {
	DeviceID                  string
	DeviceName                string
	TCPPort                   int
	UDPPort                   int
	BroadcastInterval         time.Duration
	ReachabilityCheckInterval time.Duration
	DeviceLostTimeout         time.Duration
	Platform                  PlatformBroadcaster
}

func (c *Config) applyDefaults() {
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.ReachabilityCheckInterval == 0 {
		c.ReachabilityCheckInterval = DefaultReachabilityCheckInterval
	}
	if c.DeviceLostTimeout == 0 {
		c.DeviceLostTimeout = DefaultDeviceLostTimeout
	}
	if c.Platform == nil {
		c.Platform = NewPlatform()
	}
}

type lastSeenKey struct {
	lastSeen time.Time
	deviceID string
}

func lastSeenLess(a, b lastSeenKey) bool {
	if a.lastSeen.Equal(b.lastSeen) {
		return a.deviceID < b.deviceID
	}
	return a.lastSeen.Before(b.lastSeen)
}

// Service owns the UDP socket, the discovered-devices table, and the
// broadcast/reachability timers.
type Service struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	conn *net.UDPConn

	mu          sync.RWMutex
	table       map[string]*DiscoveredDevice
	byLRU       *btree.BTreeG[lastSeenKey]
	limiters    map[string]*rate.Limiter
	limiterSeen map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	OnDeviceFound *eventbus.Bus[DiscoveredDevice]
	OnDeviceLost  *eventbus.Bus[string]
}

// New constructs a Service; call Start to bind and begin broadcasting.
func New(cfg Config, log *zap.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:           cfg,
		log:           log,
		now:           time.Now,
		table:         make(map[string]*DiscoveredDevice),
		byLRU:         btree.NewG(32, lastSeenLess),
		limiters:      make(map[string]*rate.Limiter),
		limiterSeen:   make(map[string]time.Time),
		stopCh:        make(chan struct{}),
		OnDeviceFound: eventbus.New[DiscoveredDevice](),
		OnDeviceLost:  eventbus.New[string](),
	}
}

// SetTCPPort records the TCP port this daemon is listening on, advertised
// in every identity packet. Must be called before Start, since the
// connection manager's bound port is only known once it has started.
func (s *Service) SetTCPPort(port int) {
	s.cfg.TCPPort = port
}

// Start binds the UDP socket and begins the broadcast and reachability
// timers.
func (s *Service) Start() error {
	lc := net.ListenConfig{Control: controlReuseAddrBroadcast}
	pc, err := lc.ListenPacket(nil, "udp4", fmt.Sprintf(":%d", s.cfg.UDPPort))
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	s.conn = pc.(*net.UDPConn)

	s.wg.Add(3)
	go s.listenLoop()
	go s.broadcastLoop()
	go s.reachabilityLoop()
	return nil
}

// Stop closes the socket and cancels all timers. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
	s.wg.Wait()
	s.OnDeviceFound.Clear()
	s.OnDeviceLost.Clear()
}

func (s *Service) identityPacket() wire.Packet {
	return wire.CreateIdentityPacket(wire.IdentityParams{
		DeviceID:   s.cfg.DeviceID,
		DeviceName: s.cfg.DeviceName,
		TCPPort:    s.cfg.TCPPort,
	}, s.now().UnixMilli())
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	s.broadcastOnce()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.broadcastOnce()
		}
	}
}

func (s *Service) broadcastOnce() {
	pkt, err := wire.Serialize(s.identityPacket())
	if err != nil {
		s.log.Warn("failed to serialize identity packet", zap.Error(err))
		return
	}

	if s.cfg.Platform.NeedsPerInterfaceBroadcast() {
		s.broadcastPerInterface(pkt)
		return
	}

	dst := &net.UDPAddr{IP: net.ParseIP(broadcastAddress), Port: s.cfg.UDPPort}
	if _, err := s.conn.WriteToUDP(pkt, dst); err != nil {
		s.log.Debug("broadcast send failed", zap.Error(err))
	}
}

// broadcastPerInterface creates a short-lived socket bound to each
// non-loopback IPv4 interface address, sends once, and closes it — for
// platforms where a single broadcast does not fan out (spec.md §4.C).
func (s *Service) broadcastPerInterface(pkt []byte) {
	ifaceIPs, err := s.cfg.Platform.BroadcastInterfaces()
	if err != nil {
		s.log.Debug("failed to enumerate broadcast interfaces", zap.Error(err))
		return
	}
	for _, ip := range ifaceIPs {
		func(ip net.IP) {
			laddr := &net.UDPAddr{IP: ip, Port: 0}
			conn, err := net.ListenUDP("udp4", laddr)
			if err != nil {
				s.log.Debug("per-interface broadcast bind failed", zap.String("interface", ip.String()), zap.Error(err))
				return
			}
			defer conn.Close()
			dst := &net.UDPAddr{IP: net.ParseIP(broadcastAddress), Port: s.cfg.UDPPort}
			if _, err := conn.WriteToUDP(pkt, dst); err != nil {
				s.log.Debug("per-interface broadcast send failed", zap.String("interface", ip.String()), zap.Error(err))
			}
		}(ip)
	}
}

// SendDirectIdentity unicasts our identity to a specific endpoint, used to
// prompt connect-back across NAT/VPN where broadcasts don't propagate.
func (s *Service) SendDirectIdentity(address string, port int) error {
	if port == 0 {
		port = s.cfg.UDPPort
	}
	pkt, err := wire.Serialize(s.identityPacket())
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: net.ParseIP(address), Port: port}
	_, err = s.conn.WriteToUDP(pkt, dst)
	return err
}

func (s *Service) listenLoop() {
	defer s.wg.Done()
	buf := make([]byte, 8192)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Debug("discovery read error", zap.Error(err))
				continue
			}
		}
		s.handleDatagram(append([]byte(nil), buf[:n]...), addr)
	}
}

func (s *Service) handleDatagram(data []byte, addr *net.UDPAddr) {
	if !s.allow(addr.IP.String()) {
		return
	}

	pkt, err := wire.Parse(data)
	if err != nil {
		return
	}
	if pkt.Type != wire.TypeIdentity {
		return
	}

	identity, err := wire.ParseIdentityBody(pkt)
	if err != nil {
		s.log.Debug("dropping invalid identity packet", zap.Error(err))
		return
	}
	if identity.DeviceID == s.cfg.DeviceID {
		return
	}

	s.upsert(DiscoveredDevice{
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		DeviceType:      identity.DeviceType,
		ProtocolVersion: identity.ProtocolVersion,
		TCPPort:         identity.TCPPort,
		Address:         addr.IP.String(),
		LastSeen:        s.now(),
	})
}

func (s *Service) allow(sourceIP string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[sourceIP]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(5), 10)
		s.limiters[sourceIP] = lim
	}
	s.limiterSeen[sourceIP] = s.now()
	s.mu.Unlock()
	return lim.Allow()
}

// gcLimiters drops per-source limiter state for addresses that haven't
// sent a datagram in limiterGCAge, so an attacker cycling through source
// addresses cannot grow this table without bound.
func (s *Service) gcLimiters() {
	cutoff := s.now().Add(-limiterGCAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, seen := range s.limiterSeen {
		if seen.Before(cutoff) {
			delete(s.limiterSeen, ip)
			delete(s.limiters, ip)
		}
	}
}

func (s *Service) upsert(dev DiscoveredDevice) {
	s.mu.Lock()
	existing, existed := s.table[dev.DeviceID]
	if existed {
		s.byLRU.Delete(lastSeenKey{lastSeen: existing.LastSeen, deviceID: dev.DeviceID})
	}
	d := dev
	s.table[dev.DeviceID] = &d
	s.byLRU.ReplaceOrInsert(lastSeenKey{lastSeen: dev.LastSeen, deviceID: dev.DeviceID})
	s.mu.Unlock()

	if !existed {
		s.OnDeviceFound.Emit(dev)
	}
}

// Devices returns a snapshot of every currently discovered device.
func (s *Service) Devices() []DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DiscoveredDevice, 0, len(s.table))
	for _, d := range s.table {
		out = append(out, *d)
	}
	return out
}

// Get returns a snapshot of one discovered device, if present.
func (s *Service) Get(deviceID string) (DiscoveredDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.table[deviceID]
	if !ok {
		return DiscoveredDevice{}, false
	}
	return *d, true
}

func (s *Service) reachabilityLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReachabilityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
			s.gcLimiters()
		}
	}
}

func (s *Service) sweepExpired() {
	cutoff := s.now().Add(-s.cfg.DeviceLostTimeout)
	var expired []string

	s.mu.Lock()
	for {
		min, ok := s.byLRU.Min()
		if !ok || !min.lastSeen.Before(cutoff) {
			break
		}
		expired = append(expired, min.deviceID)
		s.byLRU.Delete(min)
		delete(s.table, min.deviceID)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.OnDeviceLost.Emit(id)
	}
}
