package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Client sends requests to one rendezvous endpoint.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a client for path. timeout bounds the send and the
// receive separately.
func NewClient(path string, timeout time.Duration) *Client {
	return &Client{path: path, timeout: timeout}
}

// Path is the endpoint this client dials.
func (c *Client) Path() string { return c.path }

// Send performs one request/reply exchange.
func (c *Client) Send(ctx context.Context, req Request) (Reply, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return Reply{}, fmt.Errorf("rendezvous: dial %s: %w", c.path, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return Reply{}, fmt.Errorf("rendezvous: set write deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Reply{}, fmt.Errorf("rendezvous: send %s: %w", req.Action, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return Reply{}, fmt.Errorf("rendezvous: set read deadline: %w", err)
	}
	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("rendezvous: receive %s reply: %w", req.Action, err)
	}
	return reply, nil
}

// Call is Send that folds an unsuccessful Reply into ErrRejected.
func (c *Client) Call(ctx context.Context, req Request) (Reply, error) {
	reply, err := c.Send(ctx, req)
	if err != nil {
		return reply, err
	}
	if !reply.Success {
		return reply, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	return reply, nil
}

// IsTimeout reports whether err came from a send or receive deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTransportError reports whether err means the endpoint is gone or the
// connection broke. Timeouts and rejections are not transport errors.
func IsTransportError(err error) bool {
	if err == nil || IsTimeout(err) || errors.Is(err, ErrRejected) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
