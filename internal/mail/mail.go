// Package mail delivers alerts over SMTP. Failures are classified for the
// alert queue: a 5xx reply (for example an unknown mailbox) is permanent,
// while 4xx replies, network errors and timeouts are retried.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/queue"
)

// Config configures a Sender.
type Config struct {
	// Addr is host:port of the SMTP server.
	Addr     string
	From     string
	Username string
	Password string
}

// Sender is a queue.Transport speaking SMTP.
type Sender struct {
	cfg  Config
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	now  func() time.Time
}

var _ queue.Transport = (*Sender)(nil)

// New returns a Sender for cfg.
func New(cfg Config) *Sender {
	var d net.Dialer
	return &Sender{cfg: cfg, dial: d.DialContext, now: time.Now}
}

// Send delivers a. The context deadline bounds the whole SMTP exchange.
func (s *Sender) Send(ctx context.Context, a model.Alert) error {
	to, err := mail.ParseAddress(a.RecipientEmail)
	if err != nil {
		return queue.Permanent(fmt.Errorf("mail: recipient %q: %w", a.RecipientEmail, err))
	}
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return queue.Permanent(fmt.Errorf("mail: sender %q: %w", s.cfg.From, err))
	}

	conn, err := s.dial(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return queue.Temporary(fmt.Errorf("mail: dial %s: %w", s.cfg.Addr, err))
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock the exchange when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	host, _, _ := net.SplitHostPort(s.cfg.Addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return classify(ctx, "greeting", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return classify(ctx, "starttls", err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)); err != nil {
			return classify(ctx, "auth", err)
		}
	}
	if err := c.Mail(from.Address); err != nil {
		return classify(ctx, "MAIL FROM", err)
	}
	if err := c.Rcpt(to.Address); err != nil {
		return classify(ctx, "RCPT TO", err)
	}
	w, err := c.Data()
	if err != nil {
		return classify(ctx, "DATA", err)
	}
	if _, err := w.Write(s.message(from, to, a)); err != nil {
		return classify(ctx, "write body", err)
	}
	if err := w.Close(); err != nil {
		return classify(ctx, "end of data", err)
	}
	// The message is accepted once DATA completes; QUIT is best effort.
	_ = c.Quit()
	return nil
}

func (s *Sender) message(from, to *mail.Address, a model.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(a.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(a.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// classify maps an SMTP-stage error onto the queue's retry classes.
func classify(ctx context.Context, stage string, err error) error {
	wrapped := fmt.Errorf("mail: %s: %w", stage, err)
	if ctx.Err() != nil {
		return queue.Temporary(fmt.Errorf("%w (%v)", wrapped, ctx.Err()))
	}
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return queue.Permanent(wrapped)
	}
	return queue.Temporary(wrapped)
}
