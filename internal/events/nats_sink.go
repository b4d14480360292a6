package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/pagebuilder/internal/workspace"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes JSON encoded events to "<subject>.<build id>" with core NATS.
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
}

// NewNATSSink publishes through pub.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("pagebuilder"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("NATS event sink connected", slog.String("url", url), slog.String("subject", subject))
	return &NATSSink{pub: conn, conn: conn, subject: subject}, nil
}

// Subject returns the subject events for buildID are published on. The id is
// reduced to a single subject token.
func (s *NATSSink) Subject(buildID string) string {
	return s.subject + "." + strings.ReplaceAll(workspace.DirName(buildID), ".", "_")
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(ev.BuildID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Connected reports whether the owned connection is up. Sinks built on an
// external publisher are always considered connected.
func (s *NATSSink) Connected() bool {
	return s.conn == nil || s.conn.IsConnected()
}

// Close drains the connection when the sink owns one. Closing twice is a no-op.
func (s *NATSSink) Close() error {
	if s.conn == nil || s.conn.IsClosed() || s.conn.IsDraining() {
		return nil
	}
	return s.conn.Drain()
}
