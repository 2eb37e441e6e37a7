package alerting

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EmailOptions describe the SMTP relay.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	StartTLS bool
}

// EmailNotifier sends a plain-text mail per alert.
type EmailNotifier struct {
	opts   EmailOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewEmailNotifier builds the SMTP channel.
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) *EmailNotifier {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	return &EmailNotifier{
		opts:   opts,
		logger: logger.With().Str("component", "alert_email").Logger(),
		now:    time.Now,
	}
}

// Name implements Notifier.
func (n *EmailNotifier) Name() string { return "email" }

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, note Notification) error {
	recipients := splitRecipients(n.opts.To)
	if len(recipients) == 0 {
		return fmt.Errorf("email recipient not configured")
	}

	addr := net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, n.opts.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if n.opts.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: n.opts.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if n.opts.Username != "" && n.opts.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", n.opts.Username, n.opts.Password, n.opts.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(n.opts.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(n.compose(note, recipients)); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	if err := client.Quit(); err != nil {
		n.logger.Debug().Err(err).Msg("smtp quit")
	}

	n.logger.Info().Int64("alert_id", note.AlertID).Strs("to", recipients).Msg("alert delivered (email)")
	return nil
}

func (n *EmailNotifier) compose(note Notification, recipients []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.opts.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: XRP Alert #%d\r\n", note.AlertID)
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(note.Message)
	b.WriteString("\r\n")
	if note.TxHash != "" {
		fmt.Fprintf(&b, "\r\nTransaction: %s\r\n", note.TxHash)
	}
	return []byte(b.String())
}

func splitRecipients(to string) []string {
	var out []string
	for _, part := range strings.Split(to, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var _ Notifier = (*EmailNotifier)(nil)
