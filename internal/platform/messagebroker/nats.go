package messagebroker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSClient wraps a NATS connection.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSClient connects to NATS with infinite reconnects.
// natsURL example: "nats://localhost:4222"
func NewNATSClient(natsURL string, logger *slog.Logger, appName string) (*NATSClient, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSClient{conn: nc, logger: logger}, nil
}

// Publish sends data on subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", subject, err)
	}
	return nil
}

// Request sends data on subject and waits for a single reply, bounded by ctx.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request to %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers handler on subject. An empty queueGroup subscribes
// without load balancing. The subscription is drained when ctx ends.
func (c *NATSClient) Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queueGroup == "" {
		sub, err = c.conn.Subscribe(subject, handler)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queueGroup, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe to %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			c.logger.Warn("Failed to drain NATS subscription", "subject", subject, "error", err)
		}
	}()
	return sub, nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
	}
}
