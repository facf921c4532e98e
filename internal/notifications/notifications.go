// Package notifications implements the notification mirror protocol
// handler: upsert on receipt, delete on cancel (spec.md §4.J).
package notifications

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/pairing"
	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"go.uber.org/zap"
)

type notificationBody struct {
	ID          string          `json:"id"`
	IsCancel    bool            `json:"isCancel"`
	AppName     string          `json:"appName"`
	Title       string          `json:"title"`
	Text        string          `json:"text"`
	Ticker      string          `json:"ticker"`
	Time        json.RawMessage `json:"time"`
	IsClearable bool            `json:"isClearable"`
	Silent      bool            `json:"silent"`
}

// Handler persists notification packets and fires the corresponding
// received/dismissed events.
type Handler struct {
	log *zap.Logger
	db  *store.Store
	now func() time.Time

	OnNotificationReceived  *eventbus.Bus[store.Notification]
	OnNotificationDismissed *eventbus.Bus[string]
}

// NewHandler constructs a notifications Handler backed by db.
func NewHandler(db *store.Store, log *zap.Logger) *Handler {
	return &Handler{
		log:                     log,
		db:                      db,
		now:                     time.Now,
		OnNotificationReceived:  eventbus.New[store.Notification](),
		OnNotificationDismissed: eventbus.New[string](),
	}
}

// HandleNotification processes one kdeconnect.notification packet.
func (h *Handler) HandleNotification(conn pairing.PeerConn, p wire.Packet) {
	var body notificationBody
	if err := json.Unmarshal(p.Body, &body); err != nil {
		h.log.Warn("malformed notification packet", zap.Error(err))
		return
	}
	if body.ID == "" {
		h.log.Warn("notification packet missing id")
		return
	}

	if body.IsCancel {
		if err := h.db.DeleteNotification(body.ID); err != nil {
			h.log.Warn("failed to delete dismissed notification", zap.Error(err))
			return
		}
		h.OnNotificationDismissed.Emit(body.ID)
		return
	}

	text := body.Text
	if text == "" {
		text = body.Ticker
	}

	n := store.Notification{
		ID:          body.ID,
		AppName:     body.AppName,
		Title:       body.Title,
		Text:        text,
		Time:        parseTime(body.Time, h.now),
		Dismissable: boolToInt(body.IsClearable),
		Silent:      boolToInt(body.Silent),
	}

	if err := h.db.UpsertNotification(n); err != nil {
		h.log.Warn("failed to persist notification", zap.Error(err))
		return
	}
	h.OnNotificationReceived.Emit(n)
}

// parseTime accepts time as either a JSON number or a numeric string,
// defaulting to now when absent or unparseable.
func parseTime(raw json.RawMessage, now func() time.Time) int64 {
	if len(raw) == 0 {
		return now().UnixMilli()
	}

	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if parsed, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return parsed
		}
	}

	return now().UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
