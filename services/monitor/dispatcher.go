package monitor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"peerhost/pkg/bus"
	"peerhost/pkg/config"
	"peerhost/pkg/render"
)

// Outcome is the result of handing one alert to the dispatcher.
type Outcome string

const (
	Delivered      Outcome = "delivered"
	Suppressed     Outcome = "suppressed"
	DeliveryFailed Outcome = "delivery_failed"
)

// Transport delivers an alert to one destination.
type Transport interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// DefaultSendTimeout bounds a single transport delivery.
const DefaultSendTimeout = 30 * time.Second

// Dispatcher fans alerts out to the configured transports. Delivery errors
// are logged and reported as DeliveryFailed, never returned. Each delivery
// runs under its own timeout so a stalled transport cannot hold up the loop.
type Dispatcher struct {
	enabled    bool
	transports []Transport
	logger     *log.Logger
	timeout    time.Duration
}

func NewDispatcher(logger *log.Logger, enabled bool, transports ...Transport) (*Dispatcher, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	for _, t := range transports {
		if t == nil {
			return nil, errors.New("nil transport")
		}
	}
	if enabled && len(transports) == 0 {
		logger.Printf("WARN alerting enabled but no transport configured; alerts are logged only")
	}
	return &Dispatcher{enabled: enabled, transports: transports, logger: logger, timeout: DefaultSendTimeout}, nil
}

// Notify delivers a to every transport. The alert is always written to the
// diagnostic log. It is Suppressed when alerting is off or no transport is
// configured, and DeliveryFailed when any transport rejects it.
func (d *Dispatcher) Notify(ctx context.Context, a Alert) Outcome {
	d.logger.Printf("WARN alert %s: %s", a.Kind, a.Message)
	if !d.enabled || len(d.transports) == 0 {
		return Suppressed
	}

	outcome := Delivered
	for _, t := range d.transports {
		if err := d.send(ctx, t, a); err != nil {
			d.logger.Printf("ERROR deliver %s alert via %s: %v", a.Kind, t.Name(), err)
			outcome = DeliveryFailed
		}
	}
	return outcome
}

func (d *Dispatcher) send(ctx context.Context, t Transport, a Alert) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return t.Send(ctx, a)
}

// BusTransport publishes alerts as JSON to a NATS subject.
type BusTransport struct {
	publisher bus.Publisher
	subject   string
}

func NewBusTransport(publisher bus.Publisher, subject string) (*BusTransport, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if subject == "" {
		subject = bus.AlertsSubject
	}
	return &BusTransport{publisher: publisher, subject: subject}, nil
}

func (t *BusTransport) Name() string { return "nats" }

func (t *BusTransport) Send(ctx context.Context, a Alert) error {
	return t.publisher.Publish(ctx, t.subject, a)
}

// SendMailFunc delivers one message. It must give up once ctx is done.
type SendMailFunc func(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// MailTransport e-mails alerts through an SMTP relay.
type MailTransport struct {
	cfg      config.SMTPConfig
	renderer *render.Engine
	send     SendMailFunc
}

// NewMailTransport returns a transport for cfg. A nil send uses SendMail.
func NewMailTransport(cfg config.SMTPConfig, renderer *render.Engine, send SendMailFunc) (*MailTransport, error) {
	if !cfg.Enabled() {
		return nil, errors.New("smtp host, from and to are required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSendTimeout
	}
	if send == nil {
		send = SendMail
	}
	return &MailTransport{cfg: cfg, renderer: renderer, send: send}, nil
}

func (t *MailTransport) Name() string { return "smtp" }

type mailMessage struct {
	From      string
	To        []string
	Subject   string
	Body      string
	Host      string
	SampledAt string
}

func (t *MailTransport) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := t.renderer.Render("email", mailMessage{
		From:      t.cfg.From,
		To:        t.cfg.To,
		Subject:   subjects[a.Kind],
		Body:      a.Message,
		Host:      a.Host,
		SampledAt: a.Time.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	msg := strings.ReplaceAll(body, "\n", "\r\n") + "\r\n"

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	if err := t.send(ctx, addr, auth, t.cfg.From, t.cfg.To, []byte(msg)); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}

// SendMail is smtp.SendMail bounded by ctx: the dial honours ctx and the
// connection deadline follows ctx, so a relay that accepts and then stalls
// fails the send instead of blocking it.
func SendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return deadlineErr(ctx, err)
	}
	defer c.Close()

	if err := exchange(c, host, auth, from, to, msg); err != nil {
		return deadlineErr(ctx, err)
	}
	return nil
}

func exchange(c *smtp.Client, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("relay does not support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// deadlineErr reports ctx's error alongside an I/O error caused by it.
func deadlineErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

var subjects = map[Kind]string{
	KindCPUHigh:        "High CPU usage",
	KindMemoryLow:      "Low available memory",
	KindAddressChanged: "External address changed",
}
