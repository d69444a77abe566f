// Package rendezvous is the local request/reply transport between the
// bridge host and the broker: one JSON request and one JSON reply per unix
// socket connection.
package rendezvous

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
)

// Actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionMessage    = "message"
	ActionGetState   = "getState"
)

// Reply errors sent back to callers.
const (
	ErrMsgInvalidRequest     = "invalid request"
	ErrMsgInvalidExtensionID = "Invalid extension ID"
	ErrMsgUnknownHost        = "unknown host"
)

// Request is the wire form of every call.
type Request struct {
	Action      string          `json:"action" validate:"required,oneof=connect disconnect message getState"`
	BrowserName string          `json:"browserName,omitempty" validate:"required_if=Action connect"`
	ExtensionID string          `json:"extensionId,omitempty" validate:"required_if=Action connect"`
	HostID      string          `json:"hostId,omitempty" validate:"required_unless=Action getState"`
	Data        json.RawMessage `json:"data,omitempty" validate:"required_if=Action message"`
}

// Reply is sent for every Request.
type Reply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Ready   bool   `json:"ready,omitempty"`
	Version string `json:"version,omitempty"`
	// Registered answers getState calls that carry a hostId.
	Registered bool `json:"registered,omitempty"`
}

// OK is the plain success reply.
func OK() Reply { return Reply{Success: true} }

// Fail is an error reply.
func Fail(msg string) Reply { return Reply{Success: false, Error: msg} }

// ErrRejected is returned by helpers that treat an unsuccessful Reply as an
// error. The Reply's error text is appended.
var ErrRejected = errors.New("rendezvous: request rejected")

// HostEndpoint is the socket a bridge host with hostID listens on. Names are
// kept short so they fit the unix socket path limit.
func HostEndpoint(dir, hostID string) string {
	id := strings.ReplaceAll(hostID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return filepath.Join(dir, "h-"+id+".sock")
}
