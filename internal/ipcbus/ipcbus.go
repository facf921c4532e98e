// Package ipcbus defines the contract between the core and the local IPC
// surface (line-delimited JSON-RPC 2.0 over a Unix socket or named pipe,
// spec.md §6). The socket transport itself is an external collaborator
// out of scope here; this package owns only the method/notification
// shapes and the semantics a transport must call into, so a future
// transport adapter has a single, fully-specified surface to bind to.
package ipcbus

import "encoding/json"

// JSON-RPC 2.0 error codes a transport is expected to surface; these are
// the exact values tests observe (spec.md §6).
const (
	ErrCodeParseError     = -32700
	ErrCodeMethodNotFound = -32601
	ErrCodeInternalError  = -32603
)

// Method names the core exposes over IPC.
const (
	MethodDaemonStatus  = "daemon.status"
	MethodStateContext  = "state.context"
	MethodSmsSend       = "sms.send"
	MethodSmsCancelSend = "sms.cancel_send"
	MethodContactsList  = "contacts.list"
)

// Notification names the core emits over IPC.
const (
	NotificationStateChanged    = "state.changed"
	NotificationSmsSendStatus   = "sms.send_status"
	NotificationContactsUpdated = "contacts.updated"
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// NewError constructs an ipcbus.Error with one of the ErrCode* codes.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// DaemonStatusResult answers daemon.status.
type DaemonStatusResult struct {
	State      string `json:"state"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	UptimeMs   int64  `json:"uptimeMs"`
}

// StateContextResult answers state.context.
type StateContextResult struct {
	State             string `json:"state"`
	SyncPhase         string `json:"syncPhase,omitempty"`
	PairingDeviceID   string `json:"pairingDeviceId,omitempty"`
	PairingDeviceName string `json:"pairingDeviceName,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

// SmsSendParams is the params object for sms.send.
type SmsSendParams struct {
	Address string `json:"address"`
	Text    string `json:"text"`
}

// SmsSendResult answers sms.send with the opaque queueId the caller polls
// sms.send_status notifications against.
type SmsSendResult struct {
	QueueID string `json:"queueId"`
}

// SmsCancelSendParams is the params object for sms.cancel_send.
type SmsCancelSendParams struct {
	QueueID string `json:"queueId"`
}

// ContactsListResult answers contacts.list.
type ContactsListResult struct {
	Contacts []ContactView `json:"contacts"`
}

// ContactView is the wire shape of one contact returned by contacts.list.
type ContactView struct {
	UID          string   `json:"uid"`
	Name         string   `json:"name"`
	PhoneNumbers []string `json:"phoneNumbers"`
}

// SmsSendStatusNotification is the payload of the sms.send_status
// notification.
type SmsSendStatusNotification struct {
	QueueID string `json:"queueId"`
	Status  string `json:"status"`
}

// ContactsUpdatedNotification is the payload of the contacts.updated
// notification.
type ContactsUpdatedNotification struct {
	Contacts []ContactView `json:"contacts"`
}

// Notifier is how the core pushes unsolicited JSON-RPC notifications to a
// transport; a transport implements this to fan a payload out to
// connected IPC clients.
type Notifier interface {
	Notify(method string, params json.RawMessage) error
}

// Service is the full set of request methods the core exposes over IPC.
// A transport adapter decodes incoming JSON-RPC requests, dispatches to
// the matching method here, and encodes the result or error back onto
// the wire; Service itself never touches sockets.
type Service interface {
	DaemonStatus() (DaemonStatusResult, error)
	StateContext() (StateContextResult, error)
	SmsSend(params SmsSendParams) (SmsSendResult, error)
	SmsCancelSend(params SmsCancelSendParams) error
	ContactsList() (ContactsListResult, error)
}

// Dispatch resolves method against svc, decoding rawParams into the
// appropriate params type. It returns the result ready for marshaling, or
// an *Error with one of the ErrCode* codes when method is unknown or
// rawParams cannot be decoded.
func Dispatch(svc Service, method string, rawParams json.RawMessage) (any, error) {
	switch method {
	case MethodDaemonStatus:
		return svc.DaemonStatus()
	case MethodStateContext:
		return svc.StateContext()
	case MethodSmsSend:
		var p SmsSendParams
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &p); err != nil {
				return nil, NewError(ErrCodeParseError, err.Error())
			}
		}
		return svc.SmsSend(p)
	case MethodSmsCancelSend:
		var p SmsCancelSendParams
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &p); err != nil {
				return nil, NewError(ErrCodeParseError, err.Error())
			}
		}
		if err := svc.SmsCancelSend(p); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case MethodContactsList:
		return svc.ContactsList()
	default:
		return nil, NewError(ErrCodeMethodNotFound, "method not found: "+method)
	}
}
