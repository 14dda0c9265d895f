package notify

import (
	"context"
	"crypto/tls"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/acuicola/piscis/common/retry"
	"github.com/acuicola/piscis/internal/piscis/metrics"
)

// Mailer is the subset of *gomail.Dialer used by EmailNotifier.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Directory resolves user IDs to e-mail addresses.
type Directory interface {
	EmailOf(ctx context.Context, userID string) (string, error)
}

// SMTPConfig configures the outbound mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	// InsecureSkipVerify disables certificate checks (local relays only).
	InsecureSkipVerify bool
}

// NewDialer builds a gomail dialer for cfg.
func NewDialer(cfg SMTPConfig) *gomail.Dialer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}
	if cfg.Username == "" {
		d.Auth = nil
	}
	return d
}

// EmailNotifier sends one plain-text message per event to the recipients'
// directory addresses. Transient SMTP failures are retried.
type EmailNotifier struct {
	mailer  Mailer
	from    string
	dir     Directory
	retry   retry.Config
	metrics *metrics.Metrics
}

// NewEmailNotifier creates an EmailNotifier.
func NewEmailNotifier(mailer Mailer, from string, dir Directory, m *metrics.Metrics) *EmailNotifier {
	return &EmailNotifier{
		mailer:  mailer,
		from:    from,
		dir:     dir,
		retry:   retry.DefaultConfig,
		metrics: m,
	}
}

// WithRetry overrides the retry policy.
func (n *EmailNotifier) WithRetry(cfg retry.Config) *EmailNotifier {
	n.retry = cfg
	return n
}

// Notify resolves addresses and sends the message. Recipients without an
// address are skipped.
func (n *EmailNotifier) Notify(ctx context.Context, evt Event) {
	var to []string
	for _, userID := range evt.Recipients {
		addr, err := n.dir.EmailOf(ctx, userID)
		if err != nil || addr == "" {
			slog.Warn("email notifier: no address for recipient",
				"user", userID, "kind", evt.Kind, "err", err)
			continue
		}
		to = append(to, addr)
	}
	if len(to) == 0 {
		n.metrics.IncNotification("email", "skipped")
		return
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", n.from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", Subject(evt))
	msg.SetBody("text/plain", Body(evt, true))

	err := retry.Do(ctx, n.retry, func() error {
		return n.mailer.DialAndSend(msg)
	})
	if err != nil {
		n.metrics.IncNotification("email", "failed")
		slog.Warn("email notifier: delivery failed",
			"kind", evt.Kind, "recipients", len(to), "trace_id", evt.TraceID, "err", err)
		return
	}
	n.metrics.IncNotification("email", "sent")
	slog.Debug("email notifier: sent", "kind", evt.Kind, "recipients", len(to))
}
