// Package contacts implements the contacts protocol handler: requesting
// UID/timestamp pairs, requesting vCards for the UIDs that came back, and
// parsing vCards into persisted Contact records (spec.md §4.J).
package contacts

import (
	"encoding/json"
	"strings"

	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/pairing"
	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"go.uber.org/zap"
)

const (
	typeRequestAllUIDsTimestamps = "kdeconnect.contacts.request_all_uids_timestamps"
	typeRequestVCardsByUID       = "kdeconnect.contacts.request_vcards_by_uid"
	typeResponseUIDsTimestamps   = "kdeconnect.contacts.response_uids_timestamps"
	typeResponseVCards           = "kdeconnect.contacts.response_vcards"
)

// Handler drives the contacts sync leg of the protocol and persists the
// results.
type Handler struct {
	log   *zap.Logger
	db    *store.Store
	conn  pairing.PeerConn
	nowID func() int64

	OnUIDsReceived     *eventbus.Bus[[]string]
	OnContactsUpdated  *eventbus.Bus[[]store.Contact]
}

// NewHandler constructs a contacts Handler bound to db. The connection used
// to send outgoing requests is set later with BindConnection.
func NewHandler(db *store.Store, log *zap.Logger, nowID func() int64) *Handler {
	return &Handler{
		log:               log,
		db:                db,
		nowID:             nowID,
		OnUIDsReceived:    eventbus.New[[]string](),
		OnContactsUpdated: eventbus.New[[]store.Contact](),
	}
}

// BindConnection sets the connection outgoing requests are sent over.
func (h *Handler) BindConnection(conn pairing.PeerConn) {
	h.conn = conn
}

// RequestAllUIDsTimestamps sends the initial contacts sync request.
func (h *Handler) RequestAllUIDsTimestamps() error {
	if h.conn == nil {
		return nil
	}
	return h.conn.Send(wire.Packet{
		ID:   h.nowID(),
		Type: typeRequestAllUIDsTimestamps,
		Body: []byte(`{}`),
	})
}

// HandleUIDsResponse accepts either the array form (body.uids[]) or the
// object form ({uid:timestamp,...}), fires OnUIDsReceived, and
// immediately requests vCards for the UIDs found (or sends nothing if
// there are none).
func (h *Handler) HandleUIDsResponse(conn pairing.PeerConn, p wire.Packet) {
	var arrayForm struct {
		UIDs []string `json:"uids"`
	}
	var uids []string
	if err := json.Unmarshal(p.Body, &arrayForm); err == nil && len(arrayForm.UIDs) > 0 {
		uids = arrayForm.UIDs
	} else {
		var objectForm map[string]json.RawMessage
		if err := json.Unmarshal(p.Body, &objectForm); err == nil {
			for k := range objectForm {
				if k == "uids" {
					continue
				}
				uids = append(uids, k)
			}
		}
	}

	h.OnUIDsReceived.Emit(uids)

	if len(uids) == 0 {
		return
	}

	body, err := json.Marshal(struct {
		UIDs []string `json:"uids"`
	}{UIDs: uids})
	if err != nil {
		return
	}
	_ = conn.Send(wire.Packet{ID: h.nowID(), Type: typeRequestVCardsByUID, Body: body})
}

// HandleVcardsResponse parses each vCard entry from the response body,
// upserts the resulting contacts, and fires OnContactsUpdated.
func (h *Handler) HandleVcardsResponse(conn pairing.PeerConn, p wire.Packet) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.Body, &fields); err != nil {
		h.log.Warn("malformed vcards response", zap.Error(err))
		return
	}

	var updated []store.Contact
	for uid, raw := range fields {
		if uid == "uids" {
			continue
		}
		var vcard string
		if err := json.Unmarshal(raw, &vcard); err != nil {
			continue
		}

		name, phones := parseVCard(vcard)
		if name == "" {
			continue
		}

		c := store.Contact{UID: uid, Name: name, PhoneNumbers: phones}
		if err := h.db.UpsertContact(c); err != nil {
			h.log.Warn("failed to persist contact", zap.String("uid", uid), zap.Error(err))
			continue
		}
		updated = append(updated, c)
	}

	if len(updated) > 0 {
		h.OnContactsUpdated.Emit(updated)
	}
}

// parseVCard extracts the FN: name field and every TEL value from a vCard
// body, tolerating CRLF line endings.
func parseVCard(vcard string) (name string, phones []string) {
	normalized := strings.ReplaceAll(vcard, "\r\n", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field := strings.SplitN(key, ";", 2)[0]
		switch field {
		case "FN":
			name = value
		case "TEL":
			phones = append(phones, value)
		}
	}
	return name, phones
}
