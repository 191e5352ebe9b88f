package monitor

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerhost/pkg/bus"
	"peerhost/pkg/config"
	"peerhost/pkg/render"
)

type recordingTransport struct {
	name   string
	err    error
	alerts []Alert
}

func (t *recordingTransport) Name() string { return t.name }

func (t *recordingTransport) Send(_ context.Context, a Alert) error {
	t.alerts = append(t.alerts, a)
	return t.err
}

type recordingPublisher struct {
	subjects []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, v any) error {
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, v)
	return nil
}

var cpuAlert = Alert{
	Kind:      KindCPUHigh,
	Host:      "rig-1",
	Message:   "High CPU usage on rig-1: 93.46% is above the 80.00% threshold",
	Time:      sampleTime,
	Value:     93.456,
	Threshold: 80,
}

func TestDispatcherSuppressedWhenDisabled(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	transport := &recordingTransport{name: "test"}
	d, err := NewDispatcher(log.New(&logs, "", 0), false, transport)
	require.NoError(t, err)

	assert.Equal(t, Suppressed, d.Notify(context.Background(), cpuAlert))
	assert.Empty(t, transport.alerts)
	assert.Contains(t, logs.String(), "WARN alert cpu_high")
}

func TestDispatcherSuppressedWithoutTransports(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	d, err := NewDispatcher(log.New(&logs, "", 0), true)
	require.NoError(t, err)

	assert.Equal(t, Suppressed, d.Notify(context.Background(), cpuAlert))
	assert.Contains(t, logs.String(), "no transport configured")
}

func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()

	first := &recordingTransport{name: "first"}
	second := &recordingTransport{name: "second"}
	d, err := NewDispatcher(log.New(&bytes.Buffer{}, "", 0), true, first, second)
	require.NoError(t, err)

	assert.Equal(t, Delivered, d.Notify(context.Background(), cpuAlert))
	assert.Equal(t, []Alert{cpuAlert}, first.alerts)
	assert.Equal(t, []Alert{cpuAlert}, second.alerts)
}

func TestDispatcherDeliveryFailureIsReported(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	failing := &recordingTransport{name: "smtp", err: errors.New("connection refused")}
	working := &recordingTransport{name: "nats"}
	d, err := NewDispatcher(log.New(&logs, "", 0), true, failing, working)
	require.NoError(t, err)

	assert.Equal(t, DeliveryFailed, d.Notify(context.Background(), cpuAlert))
	assert.Len(t, working.alerts, 1, "a failing transport does not block the others")
	assert.Contains(t, logs.String(), "ERROR deliver cpu_high alert via smtp: connection refused")
}

func TestNewDispatcherValidates(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, true)
	require.Error(t, err)

	_, err = NewDispatcher(log.New(&bytes.Buffer{}, "", 0), true, nil)
	require.Error(t, err)
}

func TestBusTransportPublishesAlert(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	transport, err := NewBusTransport(pub, "")
	require.NoError(t, err)
	require.NoError(t, transport.Send(context.Background(), cpuAlert))

	assert.Equal(t, []string{bus.AlertsSubject}, pub.subjects)
	assert.Equal(t, []any{cpuAlert}, pub.payloads)

	custom, err := NewBusTransport(pub, "ops.rig-1.alerts")
	require.NoError(t, err)
	require.NoError(t, custom.Send(context.Background(), cpuAlert))
	assert.Equal(t, "ops.rig-1.alerts", pub.subjects[1])

	_, err = NewBusTransport(nil, "")
	require.Error(t, err)
}

func TestMailTransport(t *testing.T) {
	t.Parallel()

	engine, err := render.New()
	require.NoError(t, err)

	var (
		gotAddr string
		gotAuth smtp.Auth
		gotFrom string
		gotTo   []string
		gotMsg  string
	)
	var gotDeadline bool
	send := func(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, auth, from, to, string(msg)
		_, gotDeadline = ctx.Deadline()
		return nil
	}

	cfg := config.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "rig",
		Password: "secret",
		From:     "rig@example.com",
		To:       []string{"ops@example.com", "oncall@example.com"},
	}
	transport, err := NewMailTransport(cfg, engine, send)
	require.NoError(t, err)
	require.NoError(t, transport.Send(context.Background(), cpuAlert))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.True(t, gotDeadline, "send runs under a deadline")
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "rig@example.com", gotFrom)
	assert.Equal(t, cfg.To, gotTo)
	assert.Contains(t, gotMsg, "To: ops@example.com, oncall@example.com\r\n")
	assert.Contains(t, gotMsg, "Subject: [peerhost] High CPU usage\r\n")
	assert.Contains(t, gotMsg, cpuAlert.Message)
	assert.Contains(t, gotMsg, "Sampled at: 2024-05-01T12:00:00Z")
	assert.False(t, strings.Contains(strings.ReplaceAll(gotMsg, "\r\n", ""), "\n"), "bare newlines in message")
}

func TestMailTransportErrors(t *testing.T) {
	t.Parallel()

	engine, err := render.New()
	require.NoError(t, err)

	_, err = NewMailTransport(config.SMTPConfig{Host: "smtp.example.com"}, engine, nil)
	require.Error(t, err)

	cfg := config.SMTPConfig{Host: "smtp.example.com", Port: 25, From: "a@example.com", To: []string{"b@example.com"}}
	transport, err := NewMailTransport(cfg, engine, func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		return errors.New("relay denied")
	})
	require.NoError(t, err)
	err = transport.Send(context.Background(), cpuAlert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay denied")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, transport.Send(ctx, cpuAlert), context.Canceled)
}

// blockingTransport waits until its context is done.
type blockingTransport struct{}

func (blockingTransport) Name() string { return "stalled" }

func (blockingTransport) Send(ctx context.Context, _ Alert) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherBoundsEachDelivery(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	working := &recordingTransport{name: "nats"}
	d, err := NewDispatcher(log.New(&logs, "", 0), true, blockingTransport{}, working)
	require.NoError(t, err)
	d.timeout = 50 * time.Millisecond

	start := time.Now()
	outcome := d.Notify(context.Background(), cpuAlert)

	assert.Equal(t, DeliveryFailed, outcome)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, working.alerts, 1)
	assert.Contains(t, logs.String(), "via stalled: context deadline exceeded")
}

// silentRelay accepts connections and never sends a greeting.
func silentRelay(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestMailTransportGivesUpOnSilentRelay(t *testing.T) {
	t.Parallel()

	engine, err := render.New()
	require.NoError(t, err)
	host, port := silentRelay(t)

	transport, err := NewMailTransport(config.SMTPConfig{
		Host:    host,
		Port:    port,
		From:    "rig@example.com",
		To:      []string{"ops@example.com"},
		Timeout: 200 * time.Millisecond,
	}, engine, nil)
	require.NoError(t, err)

	start := time.Now()
	err = transport.Send(context.Background(), cpuAlert)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSendMailHonoursCancellation(t *testing.T) {
	t.Parallel()

	host, port := silentRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := SendMail(ctx, net.JoinHostPort(host, strconv.Itoa(port)), nil, "rig@example.com", []string{"ops@example.com"}, []byte("Subject: x\r\n\r\nbody\r\n"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)
}
