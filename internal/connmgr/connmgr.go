// Package connmgr owns the lifecycle of every peer TCP/TLS connection: the
// listener on the daemon's advertised port, the outgoing and incoming
// handshake flows with TLS role inversion, and per-device connection
// registration/replacement (spec.md §4.E).
package connmgr

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/discovery"
	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/tlsupgrade"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"github.com/hansonxyz/xyzconnect-sub001/internal/xerrors"
	"go.uber.org/zap"
)

// PortRangeMin and PortRangeMax bound the TCP listener search, per spec.md
// §4.E / §6.
const (
	PortRangeMin = 1716
	PortRangeMax = 1764

	// DefaultHandshakeTimeout bounds the outbound dial and the TLS upgrade.
	// The identity lines exchanged around the upgrade are read without a
	// deadline.
	DefaultHandshakeTimeout = 10 * time.Second
)

// DeviceConnection is a live, registered peer connection. It satisfies
// pairing.PeerConn; callers receive a borrowed view and must route all
// writes through Send rather than touching the socket directly (spec.md
// §9).
type DeviceConnection struct {
	deviceID    string
	deviceName  string
	peerCertPEM []byte
	tlsConn     *tls.Conn
	remoteAddr  string

	writeMu sync.Mutex
	reader  *bufio.Reader
}

func (c *DeviceConnection) DeviceID() string          { return c.deviceID }
func (c *DeviceConnection) DeviceName() string        { return c.deviceName }
func (c *DeviceConnection) PeerCertificatePEM() []byte { return c.peerCertPEM }
func (c *DeviceConnection) RemoteAddr() string         { return c.remoteAddr }

// Send serializes and writes a packet over the TLS stream.
func (c *DeviceConnection) Send(p wire.Packet) error {
	buf, err := wire.Serialize(p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.tlsConn.Write(buf)
	return err
}

// Close tears down the underlying transport. Idempotent via net.Conn's own
// double-close tolerance is not guaranteed, so callers should only call
// this once per connection (the manager enforces that).
func (c *DeviceConnection) Close() error {
	return c.tlsConn.Close()
}

// Reader exposes the buffered TLS stream for the read loop to consume. The
// daemon's read loop, not the connection manager, reads from it and hands
// the bytes to the router, which does the per-device newline buffering
// (spec.md §4.F); the manager only drives the handshake.
func (c *DeviceConnection) Reader() *bufio.Reader {
	return c.reader
}

// Config configures the Manager.
type Config struct {
	DeviceID           string
	CertPEM            []byte
	KeyPEM             []byte
	HandshakeTimeout   time.Duration
	IdentityParams     wire.IdentityParams
	NowUnixMilliSource func() int64
}

// Manager owns the TCP listener and every registered DeviceConnection.
type Manager struct {
	cfg Config
	log *zap.Logger

	listener net.Listener
	tcpPort  int

	mu    sync.Mutex
	conns map[string]*DeviceConnection

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	OnConnection    *eventbus.Bus[*DeviceConnection]
	OnDisconnection *eventbus.Bus[string]
}

// New constructs a Manager; call Start to bind the listener.
func New(cfg Config, log *zap.Logger) *Manager {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.NowUnixMilliSource == nil {
		cfg.NowUnixMilliSource = func() int64 { return time.Now().UnixMilli() }
	}
	return &Manager{
		cfg:             cfg,
		log:             log,
		conns:           make(map[string]*DeviceConnection),
		stopCh:          make(chan struct{}),
		OnConnection:    eventbus.New[*DeviceConnection](),
		OnDisconnection: eventbus.New[string](),
	}
}

// Start binds a TCP listener on the first free port in
// [PortRangeMin, PortRangeMax] and begins accepting inbound connections.
func (m *Manager) Start() error {
	for port := PortRangeMin; port <= PortRangeMax; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			m.listener = ln
			m.tcpPort = port
			break
		}
	}
	if m.listener == nil {
		return xerrors.NewNetworkError(xerrors.NetworkBindFailed, "no free TCP port in range", nil)
	}
	if m.cfg.IdentityParams.TCPPort == 0 {
		m.cfg.IdentityParams.TCPPort = m.tcpPort
	}

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// GetTCPPort returns the bound listener port. Only valid after Start.
func (m *Manager) GetTCPPort() int { return m.tcpPort }

// Stop closes the listener and every registered connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.listener != nil {
			_ = m.listener.Close()
		}
	})
	m.wg.Wait()

	m.mu.Lock()
	conns := make([]*DeviceConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*DeviceConnection)
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
		m.OnDisconnection.Emit(c.deviceID)
	}

	m.OnConnection.Clear()
	m.OnDisconnection.Clear()
}

// GetConnection returns the live connection for deviceID, if any.
func (m *Manager) GetConnection(deviceID string) (*DeviceConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[deviceID]
	return c, ok
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.log.Debug("accept error", zap.Error(err))
				continue
			}
		}
		go m.handleIncoming(conn)
	}
}

// ConnectToDevice dials a discovered device and drives the outgoing
// handshake asynchronously, registering the resulting connection on
// success.
func (m *Manager) ConnectToDevice(dev discovery.DiscoveredDevice) {
	go m.handleOutgoing(dev)
}

func (m *Manager) handleOutgoing(dev discovery.DiscoveredDevice) {
	addr := net.JoinHostPort(dev.Address, fmt.Sprintf("%d", dev.TCPPort))
	conn, err := net.DialTimeout("tcp", addr, m.cfg.HandshakeTimeout)
	if err != nil {
		m.log.Debug("dial failed", zap.String("address", addr), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	// 1. Send our identity as a single plain-text line.
	ourIdentity := wire.CreateIdentityPacket(m.cfg.IdentityParams, m.cfg.NowUnixMilliSource())
	line, err := wire.Serialize(ourIdentity)
	if err != nil {
		_ = conn.Close()
		return
	}
	if _, err := conn.Write(line); err != nil {
		_ = conn.Close()
		m.log.Debug("failed to send plaintext identity", zap.Error(err))
		return
	}

	// 2. We dialed, so we upgrade as TLS server; the peer, having accepted,
	// upgrades as TLS client and does not send a second plaintext identity.
	tlsConn, err := tlsupgrade.Upgrade(ctx, conn, tlsupgrade.Params{
		CertPEM:  m.cfg.CertPEM,
		KeyPEM:   m.cfg.KeyPEM,
		IsServer: true,
		Timeout:  m.cfg.HandshakeTimeout,
	})
	if err != nil {
		m.log.Debug("outgoing tls upgrade failed", zap.Error(err))
		return
	}

	reader := bufio.NewReader(tlsConn)
	peerLine, err := reader.ReadBytes('\n')
	if err != nil {
		_ = tlsConn.Close()
		m.log.Debug("failed reading peer identity over tls", zap.Error(err))
		return
	}
	peerPkt, err := wire.Parse(peerLine)
	if err != nil {
		_ = tlsConn.Close()
		return
	}
	peerIdentity, err := wire.ParseIdentityBody(peerPkt)
	if err != nil {
		_ = tlsConn.Close()
		return
	}

	ourLine, err := wire.Serialize(ourIdentity)
	if err != nil {
		_ = tlsConn.Close()
		return
	}
	if _, err := tlsConn.Write(ourLine); err != nil {
		_ = tlsConn.Close()
		return
	}

	m.finishHandshake(tlsConn, reader, peerIdentity, addr)
}

func (m *Manager) handleIncoming(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	plainReader := bufio.NewReader(conn)
	plainLine, err := plainReader.ReadBytes('\n')
	if err != nil {
		_ = conn.Close()
		m.log.Debug("failed reading plaintext identity", zap.Error(err))
		return
	}
	plainPkt, err := wire.Parse(plainLine)
	if err != nil {
		_ = conn.Close()
		return
	}
	peerIdentity, err := wire.ParseIdentityBody(plainPkt)
	if err != nil {
		_ = conn.Close()
		return
	}

	// The peer dialed us, so the peer upgrades as TLS server; we upgrade as
	// TLS client.
	tlsConn, err := tlsupgrade.Upgrade(ctx, conn, tlsupgrade.Params{
		CertPEM:  m.cfg.CertPEM,
		KeyPEM:   m.cfg.KeyPEM,
		IsServer: false,
		Timeout:  m.cfg.HandshakeTimeout,
	})
	if err != nil {
		m.log.Debug("incoming tls upgrade failed", zap.Error(err))
		return
	}

	ourIdentity := wire.CreateIdentityPacket(m.cfg.IdentityParams, m.cfg.NowUnixMilliSource())
	ourLine, err := wire.Serialize(ourIdentity)
	if err != nil {
		_ = tlsConn.Close()
		return
	}
	if _, err := tlsConn.Write(ourLine); err != nil {
		_ = tlsConn.Close()
		return
	}

	reader := bufio.NewReader(tlsConn)
	peerLine, err := reader.ReadBytes('\n')
	if err != nil {
		_ = tlsConn.Close()
		m.log.Debug("failed reading peer identity over tls", zap.Error(err))
		return
	}
	peerPkt, err := wire.Parse(peerLine)
	if err != nil {
		_ = tlsConn.Close()
		return
	}
	refreshedIdentity, err := wire.ParseIdentityBody(peerPkt)
	if err == nil {
		peerIdentity = refreshedIdentity
	}

	m.finishHandshake(tlsConn, reader, peerIdentity, conn.RemoteAddr().String())
}

func (m *Manager) finishHandshake(tlsConn *tls.Conn, reader *bufio.Reader, peerIdentity wire.IdentityBody, remoteAddr string) {
	peerCertPEM, err := tlsupgrade.PeerCertPEM(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		m.log.Debug("failed to extract peer certificate", zap.Error(err))
		return
	}
	peerDeviceID, err := tlsupgrade.PeerDeviceID(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		m.log.Debug("failed to extract peer device id", zap.Error(err))
		return
	}

	if peerDeviceID != peerIdentity.DeviceID {
		_ = tlsConn.Close()
		m.log.Warn("peer cert CN disagrees with identity deviceId, aborting",
			zap.String("certCN", peerDeviceID), zap.String("identityDeviceId", peerIdentity.DeviceID))
		return
	}

	dc := &DeviceConnection{
		deviceID:    peerDeviceID,
		deviceName:  peerIdentity.DeviceName,
		peerCertPEM: peerCertPEM,
		tlsConn:     tlsConn,
		remoteAddr:  remoteAddr,
		reader:      reader,
	}

	m.register(dc)
}

func (m *Manager) register(dc *DeviceConnection) {
	m.mu.Lock()
	prior, existed := m.conns[dc.deviceID]
	m.conns[dc.deviceID] = dc
	m.mu.Unlock()

	if existed {
		_ = prior.Close()
		m.OnDisconnection.Emit(prior.deviceID)
	}

	m.OnConnection.Emit(dc)
}

// NotifyDisconnected unregisters dc and fires onDisconnection exactly once,
// provided dc is still the currently registered connection for its
// deviceId (a stale notification from an already-replaced connection is a
// no-op). The daemon's read loop calls this when it observes transport
// close.
func (m *Manager) NotifyDisconnected(dc *DeviceConnection) {
	m.mu.Lock()
	current, ok := m.conns[dc.deviceID]
	if ok && current == dc {
		delete(m.conns, dc.deviceID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.OnDisconnection.Emit(dc.deviceID)
	}
}
