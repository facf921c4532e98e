// Package wire implements the newline-delimited JSON packet codec for the
// KDE-Connect-compatible peer protocol: serialization, parsing, and
// identity-packet construction/validation.
package wire

import (
	"encoding/json"
	"regexp"

	"github.com/hansonxyz/xyzconnect-sub001/internal/xerrors"
)

// ProtocolVersion is the protocol version this daemon advertises in its own
// identity packets. Incoming identities are not checked against it.
const ProtocolVersion = 8

// Packet is the generic wire envelope: {id, type, body}, newline-terminated
// JSON on the socket.
type Packet struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

// IdentityBody is the body of a kdeconnect.identity packet.
type IdentityBody struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	TCPPort              int      `json:"tcpPort"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// PairBody is the body of a kdeconnect.pair packet.
type PairBody struct {
	Pair      bool  `json:"pair"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{32,38}$`)

// IsValidDeviceID reports whether id matches the wire format's device-id
// grammar: 32-38 characters of [A-Za-z0-9_-].
func IsValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Serialize encodes p as JSON followed by a single '\n', the wire framing
// every packet uses.
func Serialize(p Packet) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, err.Error())
	}
	b = append(b, '\n')
	return b, nil
}

// Parse decodes a single line (without its trailing newline, though a
// trailing newline is tolerated) into a Packet, enforcing the wire
// contract: non-empty, a JSON object, numeric id, string type, and a
// non-null object body.
func Parse(line []byte) (Packet, error) {
	trimmed := trimTrailingNewline(line)
	if len(trimmed) == 0 {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "empty line")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "not a JSON object: "+err.Error())
	}

	idRaw, ok := raw["id"]
	if !ok {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "missing id")
	}
	var id int64
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "id is not numeric")
	}

	typeRaw, ok := raw["type"]
	if !ok {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "missing type")
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "type is not a string")
	}

	bodyRaw, ok := raw["body"]
	if !ok || string(bodyRaw) == "null" {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "missing or null body")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(bodyRaw, &probe); err != nil {
		return Packet{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "body is not an object")
	}

	return Packet{ID: id, Type: typ, Body: bodyRaw}, nil
}

func trimTrailingNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}

// IdentityParams are the caller-supplied fields for CreateIdentityPacket;
// the capability arrays are fixed by the protocol.
type IdentityParams struct {
	DeviceID   string
	DeviceName string
	TCPPort    int
}

var fixedIncomingCapabilities = []string{
	"kdeconnect.sms.messages",
	"kdeconnect.sms.attachment_file",
	"kdeconnect.contacts.response_uids_timestamps",
	"kdeconnect.contacts.response_vcards",
	"kdeconnect.notification",
}

var fixedOutgoingCapabilities = []string{
	"kdeconnect.sms.request",
	"kdeconnect.sms.request_conversations",
	"kdeconnect.sms.request_conversation",
	"kdeconnect.sms.request_attachment",
	"kdeconnect.contacts.request_all_uids_timestamps",
	"kdeconnect.contacts.request_vcards_by_uid",
	"kdeconnect.ping",
	"kdeconnect.findmyphone.request",
}

// CreateIdentityPacket builds our outbound identity packet, populating the
// fixed capability arrays per spec.md §4.A. deviceType is always "desktop".
func CreateIdentityPacket(p IdentityParams, id int64) Packet {
	body := IdentityBody{
		DeviceID:             p.DeviceID,
		DeviceName:           p.DeviceName,
		DeviceType:           "desktop",
		ProtocolVersion:      ProtocolVersion,
		TCPPort:              p.TCPPort,
		IncomingCapabilities: fixedIncomingCapabilities,
		OutgoingCapabilities: fixedOutgoingCapabilities,
	}
	raw, _ := json.Marshal(body)
	return Packet{ID: id, Type: TypeIdentity, Body: raw}
}

// ParseIdentityBody decodes and validates an identity packet's body.
func ParseIdentityBody(p Packet) (IdentityBody, error) {
	if p.Type != TypeIdentity {
		return IdentityBody{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "not an identity packet")
	}
	var body IdentityBody
	if err := json.Unmarshal(p.Body, &body); err != nil {
		return IdentityBody{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "malformed identity body: "+err.Error())
	}
	if err := ValidateIdentityBody(body); err != nil {
		return IdentityBody{}, err
	}
	return body, nil
}

// ValidateIdentityBody enforces the field constraints from spec.md §4.A.
func ValidateIdentityBody(body IdentityBody) error {
	if !IsValidDeviceID(body.DeviceID) {
		return xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "deviceId fails format check")
	}
	if body.DeviceName == "" {
		return xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "deviceName is empty")
	}
	if body.DeviceType == "" {
		return xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "deviceType is empty")
	}
	if body.TCPPort < 1 || body.TCPPort > 65535 {
		return xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "tcpPort out of range")
	}
	return nil
}
