// Package sms implements the SMS protocol handler: requesting
// conversations, persisting inbound messages, and tracking outgoing sends
// by an opaque queue id so the IPC layer can report sent/timeout status
// even if the status notification races the RPC response (spec.md §4.J).
package sms

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/pairing"
	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"go.uber.org/zap"
)

const (
	typeRequestConversations = "kdeconnect.sms.request_conversations"
	typeMessages             = "kdeconnect.sms.messages"
	typeRequest              = "kdeconnect.sms.request"
)

type smsRequestBody struct {
	Address     string `json:"address"`
	MessageBody string `json:"messageBody"`
}

// SendStatus is the terminal state of an outgoing send, reported to
// subscribers keyed by the daemon-generated queueId.
type SendStatus string

const (
	SendStatusSent    SendStatus = "sent"
	SendStatusTimeout SendStatus = "timeout"
)

// SendStatusEvent is emitted on OnSendStatus.
type SendStatusEvent struct {
	QueueID string
	Status  SendStatus
}

// Handler drives the SMS sync leg and the outgoing-send queue.
type Handler struct {
	log  *zap.Logger
	db   *store.Store
	conn pairing.PeerConn
	now  func() int64

	mu            sync.Mutex
	bufferedEarly map[string]SendStatus

	OnMessages   *eventbus.Bus[struct{}]
	OnSendStatus *eventbus.Bus[SendStatusEvent]
}

// NewHandler constructs an SMS Handler backed by db.
func NewHandler(db *store.Store, log *zap.Logger, nowID func() int64) *Handler {
	return &Handler{
		log:           log,
		db:            db,
		now:           nowID,
		bufferedEarly: make(map[string]SendStatus),
		OnMessages:    eventbus.New[struct{}](),
		OnSendStatus:  eventbus.New[SendStatusEvent](),
	}
}

// BindConnection sets the connection outgoing requests are sent over.
func (h *Handler) BindConnection(conn pairing.PeerConn) {
	h.conn = conn
}

// RequestConversations sends the sms.request_conversations packet.
func (h *Handler) RequestConversations() error {
	if h.conn == nil {
		return nil
	}
	return h.conn.Send(wire.Packet{ID: h.now(), Type: typeRequestConversations, Body: []byte(`{}`)})
}

// HandleMessages persists an inbound sms.messages packet and fires
// OnMessages, which the sync orchestrator uses to reset its silence
// timer.
func (h *Handler) HandleMessages(conn pairing.PeerConn, p wire.Packet) {
	id := uuid.NewString()
	if err := h.db.UpsertMessage(store.Message{ID: id, Payload: p.Body}); err != nil {
		h.log.Warn("failed to persist message", zap.Error(err))
		return
	}
	h.OnMessages.Emit(struct{}{})
}

// NewSendQueueID mints an opaque id for a new outgoing send, used to
// correlate the later sent/timeout status.
func NewSendQueueID() string {
	return uuid.NewString()
}

// SendMessage dispatches an sms.request packet for address/text and
// returns the opaque queueId the caller should watch on OnSendStatus (or
// DrainBufferedStatus, if the status arrived before the caller started
// watching). The protocol has no per-message ack, so a successful write
// reports sent immediately; a transport failure reports timeout.
func (h *Handler) SendMessage(address, text string) (string, error) {
	queueID := NewSendQueueID()
	if h.conn == nil {
		h.ReportSendStatus(queueID, SendStatusTimeout)
		return queueID, nil
	}

	body, err := json.Marshal(smsRequestBody{Address: address, MessageBody: text})
	if err != nil {
		return "", err
	}

	if err := h.conn.Send(wire.Packet{ID: h.now(), Type: typeRequest, Body: body}); err != nil {
		h.ReportSendStatus(queueID, SendStatusTimeout)
		return queueID, nil
	}

	h.ReportSendStatus(queueID, SendStatusSent)
	return queueID, nil
}

// ReportSendStatus records a send's terminal status. The status is always
// buffered under its queueId until DrainBufferedStatus is called for it
// (so a consumer that subscribes after the event can still learn it), and
// is also emitted on OnSendStatus.
func (h *Handler) ReportSendStatus(queueID string, status SendStatus) {
	h.mu.Lock()
	h.bufferedEarly[queueID] = status
	h.mu.Unlock()
	h.OnSendStatus.Emit(SendStatusEvent{QueueID: queueID, Status: status})
}

// DrainBufferedStatus returns and clears any status recorded for queueID
// before the caller asked for it.
func (h *Handler) DrainBufferedStatus(queueID string) (SendStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status, ok := h.bufferedEarly[queueID]
	if ok {
		delete(h.bufferedEarly, queueID)
	}
	return status, ok
}
