package pairing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/identity"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	deviceID   string
	deviceName string
	certPEM    []byte

	mu   sync.Mutex
	sent []wire.Packet
}

func (c *fakeConn) DeviceID() string           { return c.deviceID }
func (c *fakeConn) DeviceName() string         { return c.deviceName }
func (c *fakeConn) PeerCertificatePEM() []byte { return c.certPEM }
func (c *fakeConn) Send(p wire.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}
func (c *fakeConn) lastPairBody(t *testing.T) wire.PairBody {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	var body wire.PairBody
	require.NoError(t, json.Unmarshal(c.sent[len(c.sent)-1].Body, &body))
	return body
}

func newTestHandler(t *testing.T) (*Handler, []byte) {
	t.Helper()
	ourCertPEM, _, _, _, err := identity.GenerateCertificate("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	h, err := NewHandler(t.TempDir(), ourCertPEM, zap.NewNop())
	require.NoError(t, err)
	return h, ourCertPEM
}

func TestRequestPairingFailsIfAlreadyPaired(t *testing.T) {
	h, _ := newTestHandler(t)
	peerCertPEM, _, _, _, err := identity.GenerateCertificate("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", certPEM: peerCertPEM}

	require.NoError(t, h.store.Store(conn.deviceID, peerCertPEM))

	_, err = h.RequestPairing(conn)
	require.Error(t, err)
}

func TestRequestPairingFailsWithoutPeerCert(t *testing.T) {
	h, _ := newTestHandler(t)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}

	_, err := h.RequestPairing(conn)
	require.Error(t, err)
}

func TestOutgoingPairingAcceptedOnPairTrue(t *testing.T) {
	h, _ := newTestHandler(t)
	peerCertPEM, _, _, _, err := identity.GenerateCertificate("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", certPEM: peerCertPEM}

	key, err := h.RequestPairing(conn)
	require.NoError(t, err)
	require.Len(t, key, 8)

	results := make(chan PairingResult, 1)
	h.OnPairingResult.Subscribe(func(r PairingResult) { results <- r })

	require.NoError(t, h.HandlePairingPacket(conn, wire.Packet{
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: true, Timestamp: time.Now().Unix()}),
	}))

	select {
	case r := <-results:
		require.True(t, r.Accepted)
		require.Equal(t, conn.deviceID, r.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pairing result")
	}

	require.True(t, h.IsPaired(conn.deviceID))
}

func TestDuplicateAcceptIsIdempotentNoOp(t *testing.T) {
	h, _ := newTestHandler(t)
	peerCertPEM, _, _, _, err := identity.GenerateCertificate("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", certPEM: peerCertPEM}

	_, err = h.RequestPairing(conn)
	require.NoError(t, err)

	var count int
	h.OnPairingResult.Subscribe(func(PairingResult) { count++ })

	pkt := wire.Packet{Type: wire.TypePair, Body: mustMarshalPairBody(wire.PairBody{Pair: true, Timestamp: time.Now().Unix()})}
	require.NoError(t, h.HandlePairingPacket(conn, pkt))
	require.NoError(t, h.HandlePairingPacket(conn, pkt))

	require.Equal(t, 1, count)
}

func TestPairingTimeoutFiresFalseResult(t *testing.T) {
	h, _ := newTestHandler(t)
	h.SetPairingTimeout(50 * time.Millisecond)
	peerCertPEM, _, _, _, err := identity.GenerateCertificate("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", certPEM: peerCertPEM}

	results := make(chan PairingResult, 1)
	h.OnPairingResult.Subscribe(func(r PairingResult) { results <- r })

	_, err = h.RequestPairing(conn)
	require.NoError(t, err)

	select {
	case r := <-results:
		require.False(t, r.Accepted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pairing timeout result")
	}
	require.False(t, h.IsPaired(conn.deviceID))
}

func TestIncomingPairingEnqueuedWhenNoOutgoingPending(t *testing.T) {
	h, _ := newTestHandler(t)
	peerCertPEM, _, _, _, err := identity.GenerateCertificate("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", deviceName: "Phone", certPEM: peerCertPEM}

	var gotReq IncomingPairingRequest
	h.OnIncomingPairing.Subscribe(func(r IncomingPairingRequest) { gotReq = r })

	require.NoError(t, h.HandlePairingPacket(conn, wire.Packet{
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: true, Timestamp: time.Now().Unix()}),
	}))

	require.Equal(t, conn.deviceID, gotReq.DeviceID)
	require.Equal(t, "Phone", gotReq.DeviceName)
	require.False(t, h.IsPaired(conn.deviceID))

	require.NoError(t, h.AcceptIncomingPairing(conn.deviceID))
	require.True(t, h.IsPaired(conn.deviceID))
	require.True(t, conn.lastPairBody(t).Pair)
}

func TestRejectIncomingPairingSendsPairFalse(t *testing.T) {
	h, _ := newTestHandler(t)
	peerCertPEM, _, _, _, err := identity.GenerateCertificate("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", certPEM: peerCertPEM}

	require.NoError(t, h.HandlePairingPacket(conn, wire.Packet{
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: true, Timestamp: time.Now().Unix()}),
	}))
	require.NoError(t, h.RejectIncomingPairing(conn.deviceID))
	require.False(t, conn.lastPairBody(t).Pair)
	require.False(t, h.IsPaired(conn.deviceID))
}

func TestUnpairPacketDeletesCertAndFiresOnUnpaired(t *testing.T) {
	h, _ := newTestHandler(t)
	peerCertPEM, _, _, _, err := identity.GenerateCertificate("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	conn := &fakeConn{deviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", certPEM: peerCertPEM}
	require.NoError(t, h.store.Store(conn.deviceID, peerCertPEM))

	var unpaired string
	h.OnUnpaired.Subscribe(func(id string) { unpaired = id })

	require.NoError(t, h.HandlePairingPacket(conn, wire.Packet{
		Type: wire.TypePair,
		Body: mustMarshalPairBody(wire.PairBody{Pair: false}),
	}))

	require.Equal(t, conn.deviceID, unpaired)
	require.False(t, h.IsPaired(conn.deviceID))
}
