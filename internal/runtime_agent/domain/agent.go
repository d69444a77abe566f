package domain

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/otprelay/golang_services/internal/core_domain"
)

// State mirrors the bridge host's connection states one layer up.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	return [...]string{"disconnected", "connecting", "connected", "reconnecting", "given_up"}[s]
}

// EventPageLoaded is sent by a page context when it opens.
const EventPageLoaded = "page.loaded"

var (
	ErrNotConnected = errors.New("not connected to bridge host")
	ErrGivenUp      = errors.New("gave up connecting to bridge host")
)

// HostConn is one live channel to a bridge host.
type HostConn interface {
	Send(env core_domain.Envelope) error
	// Recv blocks for the next envelope. Any error ends the connection.
	Recv() (core_domain.Envelope, error)
	// Close is safe to call more than once.
	Close() error
}

// HostDialer opens a HostConn, typically by spawning the bridge host.
type HostDialer interface {
	Dial(ctx context.Context) (HostConn, error)
}

// PageSink fans envelopes out to every open page context.
type PageSink interface {
	Broadcast(env core_domain.Envelope)
}

const noticePrefix = "Unable to connect to the OTP relay app. "

// FailureNotice is the user facing text for a connection failure.
func FailureNotice(err error) string {
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), strings.Contains(msg, "not found"):
		return noticePrefix + "Please make sure it is installed and running."
	case errors.Is(err, fs.ErrPermission), strings.Contains(msg, "forbidden"), strings.Contains(msg, "permission"):
		return noticePrefix + "Native messaging is not configured. Please open the app to set it up."
	}
	return noticePrefix + "Please make sure it is running."
}
