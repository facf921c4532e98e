// Package pairing implements the peer pairing protocol: verification-key
// derivation (verification.go), the trusted-certificate store (store.go),
// and the outgoing/incoming pair-packet flow (this file) per spec.md §4.G.
package pairing

import (
	"sync"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/identity"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"github.com/hansonxyz/xyzconnect-sub001/internal/xerrors"
	"go.uber.org/zap"
)

// DefaultPairingTimeout is armed on every outgoing pair request.
const DefaultPairingTimeout = 30 * time.Second

// PeerConn is the narrow, borrowed view pairing needs of a live
// connection — it does not own the socket's lifecycle (spec.md §9).
type PeerConn interface {
	DeviceID() string
	DeviceName() string
	PeerCertificatePEM() []byte
	Send(p wire.Packet) error
}

// PairingResult is emitted on OnPairingResult.
type PairingResult struct {
	DeviceID string
	Accepted bool
}

// IncomingPairingRequest describes a peer-initiated pairing attempt awaiting
// a user decision.
type IncomingPairingRequest struct {
	DeviceID        string
	DeviceName      string
	Timestamp       time.Time
	VerificationKey string
	conn            PeerConn
}

type pendingOutgoing struct {
	verificationKey string
	timer           *time.Timer
}

// Handler owns the trust store, the single-shot outgoing-pairing timers,
// and the incoming pairing request queue.
type Handler struct {
	log            *zap.Logger
	store          *TrustStore
	ourCertPEM     []byte
	pairingTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	outgoing map[string]*pendingOutgoing
	incoming map[string]*IncomingPairingRequest

	OnPairingResult   *eventbus.Bus[PairingResult]
	OnUnpaired        *eventbus.Bus[string]
	OnIncomingPairing *eventbus.Bus[IncomingPairingRequest]
}

// NewHandler constructs a pairing Handler backed by a trust store rooted at
// trustDir and our own certificate (used to compute the verification key).
func NewHandler(trustDir string, ourCertPEM []byte, log *zap.Logger) (*Handler, error) {
	store, err := NewTrustStore(trustDir)
	if err != nil {
		return nil, err
	}
	return &Handler{
		log:               log,
		store:             store,
		ourCertPEM:        ourCertPEM,
		pairingTimeout:    DefaultPairingTimeout,
		now:               time.Now,
		outgoing:          make(map[string]*pendingOutgoing),
		incoming:          make(map[string]*IncomingPairingRequest),
		OnPairingResult:   eventbus.New[PairingResult](),
		OnUnpaired:        eventbus.New[string](),
		OnIncomingPairing: eventbus.New[IncomingPairingRequest](),
	}, nil
}

// SetPairingTimeout overrides DefaultPairingTimeout, primarily for tests.
func (h *Handler) SetPairingTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pairingTimeout = d
}

// IsPaired reports whether deviceID has a trust-store entry.
func (h *Handler) IsPaired(deviceID string) bool {
	return h.store.IsPaired(deviceID)
}

// LoadTrustedDevices lists every currently paired device id.
func (h *Handler) LoadTrustedDevices() ([]string, error) {
	return h.store.LoadTrustedDevices()
}

// RequestPairing begins an outgoing pair flow over conn and returns the
// verification key to show the user out-of-band.
func (h *Handler) RequestPairing(conn PeerConn) (string, error) {
	deviceID := conn.DeviceID()
	if h.store.IsPaired(deviceID) {
		return "", xerrors.NewPairingError(xerrors.PairingAlreadyPaired, deviceID)
	}
	peerCertPEM := conn.PeerCertificatePEM()
	if len(peerCertPEM) == 0 {
		return "", xerrors.NewPairingError(xerrors.PairingNoPeerCert, deviceID)
	}

	ourCert, err := identity.ParseCertificatePEM(h.ourCertPEM)
	if err != nil {
		return "", err
	}
	peerCert, err := identity.ParseCertificatePEM(peerCertPEM)
	if err != nil {
		return "", err
	}

	ts := h.now()
	key, err := GenerateVerificationKey(ourCert, peerCert, ts.UnixMilli())
	if err != nil {
		return "", err
	}

	// Reset the peer's belief first, in case we deleted our cert locally
	// while it still considers us paired.
	_ = conn.Send(wire.Packet{
		ID:   ts.UnixMilli(),
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: false}),
	})

	if err := conn.Send(wire.Packet{
		ID:   ts.UnixMilli(),
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: true, Timestamp: ts.Unix()}),
	}); err != nil {
		return "", xerrors.NewNetworkError(xerrors.NetworkConnectionFailed, "send pair packet", err)
	}

	h.mu.Lock()
	if existing, ok := h.outgoing[deviceID]; ok {
		existing.timer.Stop()
	}
	timer := time.AfterFunc(h.pairingTimeout, func() {
		h.mu.Lock()
		_, stillPending := h.outgoing[deviceID]
		delete(h.outgoing, deviceID)
		h.mu.Unlock()
		if stillPending {
			h.OnPairingResult.Emit(PairingResult{DeviceID: deviceID, Accepted: false})
		}
	})
	h.outgoing[deviceID] = &pendingOutgoing{verificationKey: key, timer: timer}
	h.mu.Unlock()

	return key, nil
}

// HandlePairingPacket processes an inbound kdeconnect.pair packet per
// spec.md §4.G.
func (h *Handler) HandlePairingPacket(conn PeerConn, p wire.Packet) error {
	body, err := parsePairBody(p)
	if err != nil {
		return err
	}
	deviceID := conn.DeviceID()

	if !body.Pair {
		h.mu.Lock()
		pending, hadOutgoing := h.outgoing[deviceID]
		if hadOutgoing {
			pending.timer.Stop()
			delete(h.outgoing, deviceID)
		}
		delete(h.incoming, deviceID)
		h.mu.Unlock()

		if hadOutgoing {
			h.OnPairingResult.Emit(PairingResult{DeviceID: deviceID, Accepted: false})
			return nil
		}
		if err := h.store.Delete(deviceID); err != nil {
			h.log.Warn("failed to delete trust entry on unpair", zap.String("deviceId", deviceID), zap.Error(err))
		}
		h.OnUnpaired.Emit(deviceID)
		return nil
	}

	h.mu.Lock()
	pending, hasOutgoing := h.outgoing[deviceID]
	h.mu.Unlock()

	if hasOutgoing {
		// First pair:true is acceptance. A duplicate while still pending is
		// an idempotent no-op (spec.md §9 open question, first wins).
		h.mu.Lock()
		_, stillPending := h.outgoing[deviceID]
		if stillPending {
			pending.timer.Stop()
			delete(h.outgoing, deviceID)
		}
		h.mu.Unlock()
		if !stillPending {
			return nil
		}

		if err := h.store.Store(deviceID, conn.PeerCertificatePEM()); err != nil {
			return err
		}
		h.OnPairingResult.Emit(PairingResult{DeviceID: deviceID, Accepted: true})
		return nil
	}

	// Peer-initiated: enqueue for a user decision, do not auto-respond.
	var verificationKey string
	if ourCert, err := identity.ParseCertificatePEM(h.ourCertPEM); err == nil {
		if peerCert, err := identity.ParseCertificatePEM(conn.PeerCertificatePEM()); err == nil {
			verificationKey, _ = GenerateVerificationKey(ourCert, peerCert, body.Timestamp*1000)
		}
	}
	req := IncomingPairingRequest{
		DeviceID:        deviceID,
		DeviceName:      conn.DeviceName(),
		Timestamp:       h.now(),
		VerificationKey: verificationKey,
		conn:            conn,
	}
	h.mu.Lock()
	h.incoming[deviceID] = &req
	h.mu.Unlock()
	h.OnIncomingPairing.Emit(req)
	return nil
}

// AcceptIncomingPairing accepts a queued peer-initiated request, storing
// the peer's certificate as trusted and replying pair:true.
func (h *Handler) AcceptIncomingPairing(deviceID string) error {
	h.mu.Lock()
	req, ok := h.incoming[deviceID]
	delete(h.incoming, deviceID)
	h.mu.Unlock()
	if !ok {
		return xerrors.NewPairingError(xerrors.PairingRejected, deviceID)
	}

	if err := h.store.Store(deviceID, req.conn.PeerCertificatePEM()); err != nil {
		return err
	}
	return req.conn.Send(wire.Packet{
		ID:   h.now().UnixMilli(),
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: true, Timestamp: h.now().Unix()}),
	})
}

// RejectIncomingPairing drains the queued request and, if still connected,
// replies pair:false.
func (h *Handler) RejectIncomingPairing(deviceID string) error {
	h.mu.Lock()
	req, ok := h.incoming[deviceID]
	delete(h.incoming, deviceID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return req.conn.Send(wire.Packet{
		ID:   h.now().UnixMilli(),
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: false}),
	})
}

// DropIncomingPairing removes a queued request without replying — used
// when its connection drops before the user decides.
func (h *Handler) DropIncomingPairing(deviceID string) {
	h.mu.Lock()
	delete(h.incoming, deviceID)
	h.mu.Unlock()
}

// Unpair sends pair:false if conn is non-nil, deletes the trust entry, and
// fires OnUnpaired.
func (h *Handler) Unpair(deviceID string, conn PeerConn) error {
	if conn != nil {
		_ = conn.Send(wire.Packet{
			ID:   h.now().UnixMilli(),
			Type: wire.TypePair,
			Body: mustMarshalPairBody(wire.PairBody{Pair: false}),
		})
	}
	if err := h.store.Delete(deviceID); err != nil {
		return err
	}
	h.OnUnpaired.Emit(deviceID)
	return nil
}

// Cleanup cancels all timers and empties in-memory queues.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	for _, p := range h.outgoing {
		p.timer.Stop()
	}
	h.outgoing = make(map[string]*pendingOutgoing)
	h.incoming = make(map[string]*IncomingPairingRequest)
	h.mu.Unlock()

	h.OnPairingResult.Clear()
	h.OnUnpaired.Clear()
	h.OnIncomingPairing.Clear()
}
