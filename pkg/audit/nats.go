package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject root for audit events.
const DefaultSubjectPrefix = "fedmcp.audit"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes each event as JSON on "<prefix>.<action>".
type NATSSink struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATSSink publishes through pub.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// DialNATS connects to url and returns a sink owning the connection.
func DialNATS(url, prefix string, opts ...nats.Option) (*NATSSink, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: connect nats: %w", err)
	}
	s := NewNATSSink(nc, prefix)
	s.conn = nc
	return s, nil
}

// Subject returns the subject an action is published on.
func (s *NATSSink) Subject(a Action) string {
	return s.prefix + "." + string(a)
}

func (s *NATSSink) Emit(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(e.Action), data); err != nil {
		return fmt.Errorf("audit: publish %s: %w", e.ID, err)
	}
	return nil
}

// Close drains the connection opened by DialNATS.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
