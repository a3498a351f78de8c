// Package notify delivers match and failure notifications by email and fans
// them out to optional event publishers.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/metrics"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const channelMail = "mail"

// Config holds the addressing for outgoing mail.
type Config struct {
	Recipient string
	From      string
	FromName  string
	Username  string
	Password  string
	Location  *time.Location
}

// Mailer implements monitor.Notifier over a Transport.
type Mailer struct {
	cfg       Config
	transport Transport
	clock     monitor.Clock
	logger    *zap.Logger
}

var _ monitor.Notifier = (*Mailer)(nil)

// NewMailer builds a Mailer. From defaults to Username.
func NewMailer(cfg Config, transport Transport, clock monitor.Clock, logger *zap.Logger) *Mailer {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{cfg: cfg, transport: transport, clock: clock, logger: logger}
}

// Configured reports whether credentials and a recipient are present.
func (m *Mailer) Configured() bool {
	return m.missing() == ""
}

// Recipient returns the configured recipient address.
func (m *Mailer) Recipient() string {
	return m.cfg.Recipient
}

func (m *Mailer) missing() string {
	var fields []string
	if strings.TrimSpace(m.cfg.Username) == "" {
		fields = append(fields, "smtp username")
	}
	if m.cfg.Password == "" {
		fields = append(fields, "smtp password")
	}
	if strings.TrimSpace(m.cfg.Recipient) == "" {
		fields = append(fields, "recipient")
	}
	if m.transport == nil {
		fields = append(fields, "transport")
	}
	return strings.Join(fields, ", ")
}

// Notify sends one email for event.
func (m *Mailer) Notify(ctx context.Context, event monitor.Event) (monitor.NotifyResult, error) {
	const op = "notify.Notify"
	if missing := m.missing(); missing != "" {
		metrics.ObserveNotification(channelMail, "unconfigured")
		return monitor.NotifyResult{}, monitor.Errorf(monitor.ErrConfiguration, op, "missing %s", missing)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}

	content, err := render(event, m.cfg.From, m.cfg.Recipient, m.cfg.Location)
	if err != nil {
		return monitor.NotifyResult{}, monitor.Wrap(monitor.ErrConfiguration, op, err)
	}

	if err := m.transport.Verify(ctx); err != nil {
		metrics.ObserveNotification(channelMail, "verify_failed")
		m.logger.Error("mail transport verification failed", zap.Error(err))
		return monitor.NotifyResult{}, monitor.Wrap(monitor.ErrConfiguration, op, fmt.Errorf("email configuration invalid: %w", err))
	}

	msg, messageID, err := m.compose(content, event.Timestamp)
	if err != nil {
		return monitor.NotifyResult{}, monitor.Wrap(monitor.ErrDelivery, op, err)
	}

	if err := m.transport.Send(ctx, m.cfg.From, []string{m.cfg.Recipient}, msg); err != nil {
		metrics.ObserveNotification(channelMail, "failed")
		m.logger.Error("mail delivery failed",
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
		return monitor.NotifyResult{}, monitor.Wrap(monitor.ErrDelivery, op, err)
	}

	metrics.ObserveNotification(channelMail, "sent")
	m.logger.Info("notification sent",
		zap.String("kind", string(event.Kind)),
		zap.String("recipient", m.cfg.Recipient),
		zap.String("message_id", messageID),
	)
	return monitor.NotifyResult{MessageID: messageID, Recipient: m.cfg.Recipient}, nil
}

// SendTest sends a test message naming the monitored target.
func (m *Mailer) SendTest(ctx context.Context, target string) (monitor.NotifyResult, error) {
	return m.Notify(ctx, monitor.Event{
		Kind:         monitor.EventTest,
		SearchNumber: target,
		Source:       monitor.SourceManual,
		Timestamp:    m.now(),
	})
}

func (m *Mailer) now() time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return time.Now()
}

// compose builds a multipart/alternative message and returns it with its
// Message-ID.
func (m *Mailer) compose(content rendered, date time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: m.cfg.FromName, Address: m.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: m.cfg.Recipient}})
	h.SetSubject(content.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("read message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create message: %w", err)
	}
	if err := writePart(w, "text/plain", content.Text); err != nil {
		return nil, "", err
	}
	if err := writePart(w, "text/html", content.HTML); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return part.Close()
}
