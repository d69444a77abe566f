package domain

import (
	"errors"
	"strings"
)

// State is the bridge host's connection state toward the broker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	}
	return "unknown"
}

// Reasons carried by app.disconnected.
const (
	ReasonWaitingForApp  = "Waiting for app to start..."
	ReasonConnectionLost = "Connection lost, reconnecting..."
	ReasonMaxAttempts    = "Max reconnect attempts reached"
)

var ErrNotConnected = errors.New("not connected to broker")

// Origin is the caller identity a browser passes as the first argument.
type Origin struct {
	BrowserName string
	ExtensionID string
}

// ParseOrigin reads "chrome-extension://<id>/" style origins.
func ParseOrigin(origin string) (Origin, bool) {
	scheme, rest, ok := strings.Cut(origin, "://")
	if !ok {
		return Origin{}, false
	}
	id := strings.TrimSuffix(rest, "/")
	if id == "" || strings.Contains(id, "/") {
		return Origin{}, false
	}
	switch scheme {
	case "chrome-extension":
		return Origin{BrowserName: "Chrome", ExtensionID: id}, true
	case "moz-extension":
		return Origin{BrowserName: "Firefox", ExtensionID: id}, true
	}
	return Origin{}, false
}
