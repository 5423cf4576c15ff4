package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSClient publishes to a JetStream stream. It owns the connection.
type NATSClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewNATSClient connects to url and makes sure the stream that captures
// notifications.> exists.
func NewNATSClient(ctx context.Context, url, stream, name string) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &NATSClient{conn: conn, js: js}, nil
}

// Publish sends data on subject and waits for the stream acknowledgement.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(ctx, subject, data)
	return err
}

// Close drains pending publishes and closes the connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
