package sms

import (
	"path/filepath"
	"testing"

	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct{ sent []wire.Packet }

func (f *fakeConn) DeviceID() string          { return "phone1" }
func (f *fakeConn) DeviceName() string        { return "Phone" }
func (f *fakeConn) PeerCertificatePEM() []byte { return nil }
func (f *fakeConn) Send(p wire.Packet) error {
	f.sent = append(f.sent, p)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeConn) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := NewHandler(db, zap.NewNop(), func() int64 { return 1 })
	conn := &fakeConn{}
	h.BindConnection(conn)
	return h, conn
}

func TestRequestConversationsSendsExpectedPacketType(t *testing.T) {
	h, conn := newTestHandler(t)
	require.NoError(t, h.RequestConversations())
	require.Len(t, conn.sent, 1)
	require.Equal(t, "kdeconnect.sms.request_conversations", conn.sent[0].Type)
}

func TestHandleMessagesPersistsAndFiresOnMessages(t *testing.T) {
	h, conn := newTestHandler(t)
	fired := 0
	h.OnMessages.Subscribe(func(struct{}) { fired++ })

	h.HandleMessages(conn, wire.Packet{Body: []byte(`{"messages":[]}`)})

	require.Equal(t, 1, fired)
	msgs, err := h.db.ListMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSendMessageSendsRequestAndReportsSent(t *testing.T) {
	h, conn := newTestHandler(t)

	var seen []SendStatusEvent
	h.OnSendStatus.Subscribe(func(e SendStatusEvent) { seen = append(seen, e) })

	queueID, err := h.SendMessage("+15550001234", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, queueID)

	require.Len(t, conn.sent, 1)
	require.Equal(t, "kdeconnect.sms.request", conn.sent[0].Type)
	require.Len(t, seen, 1)
	require.Equal(t, queueID, seen[0].QueueID)
	require.Equal(t, SendStatusSent, seen[0].Status)
}

func TestSendStatusBufferedBeforeDrainRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	queueID := NewSendQueueID()

	var seen []SendStatusEvent
	h.OnSendStatus.Subscribe(func(e SendStatusEvent) { seen = append(seen, e) })

	h.ReportSendStatus(queueID, SendStatusSent)
	require.Len(t, seen, 1)

	status, ok := h.DrainBufferedStatus(queueID)
	require.True(t, ok)
	require.Equal(t, SendStatusSent, status)

	_, ok = h.DrainBufferedStatus(queueID)
	require.False(t, ok, "draining twice must not resurrect the status")
}
