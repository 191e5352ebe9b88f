// Package bus carries peerhost events (alerts and run lifecycle) over NATS
// JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used between peerhost processes and operators.
const (
	AlertsSubject      = "peerhost.alerts"
	RunStartedSubject  = "peerhost.runs.started"
	RunFinishedSubject = "peerhost.runs.finished"
)

// Publisher is the narrow surface components depend on so tests can capture
// events without a NATS server.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint. clientName
// identifies the process in server monitoring.
func New(url, clientName string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}

	defaults := []nats.Option{
		nats.Name(clientName),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// StreamName is the JetStream stream holding peerhost subjects.
const StreamName = "PEERHOST"

// RunsSubjects matches every run lifecycle subject.
const RunsSubjects = "peerhost.runs.>"

// EnsureStream creates the named stream, or adds any missing subjects to it,
// so that publishes on those subjects are persisted.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}

	info, err := b.js.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: subjects,
			MaxAge:   7 * 24 * time.Hour,
		})
		return err
	}
	if err != nil {
		return err
	}

	cfg := info.Config
	changed := false
	for _, subj := range subjects {
		if !slices.Contains(cfg.Subjects, subj) {
			cfg.Subjects = append(cfg.Subjects, subj)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	_, err = b.js.UpdateStream(&cfg)
	return err
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Identified is implemented by events that carry a stable identity. The
// identity becomes the JetStream message ID, so a retried publish of the same
// event is stored once.
type Identified interface {
	MessageID() string
}

// Publish encodes v as JSON and publishes it to subj on the stream.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subj, err)
	}

	msg := nats.NewMsg(subj)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id, ok := v.(Identified); ok && id.MessageID() != "" {
		opts = append(opts, nats.MsgId(id.MessageID()))
	}
	if _, err := b.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.sub.Drain() })
	return s.err
}

// Subscribe binds a durable consumer to subj and calls fn for each message.
// A nil return acks the message; an error naks it for redelivery. The
// subscription drains when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if durable == "" {
		return nil, errors.New("durable name is required")
	}

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		if err := fn(ctx, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}
