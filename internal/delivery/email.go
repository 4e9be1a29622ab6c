package delivery

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wneessen/go-mail"

	"event-dispatcher/internal/config"
)

type sendFunc func(ctx context.Context, msg *mail.Msg) error

// Mailer emails documents as attachments.
type Mailer struct {
	cfg  config.SMTPConfig
	send sendFunc
	now  func() time.Time
}

func NewMailer(cfg config.SMTPConfig) *Mailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = mail.DefaultTimeout
	}
	m := &Mailer{cfg: cfg, now: time.Now}
	m.send = m.dialAndSend
	return m
}

// Send mails the document at path to every configured recipient.
func (m *Mailer) Send(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.compose(path)
	if err != nil {
		return err
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (m *Mailer) compose(path string) (*mail.Msg, error) {
	filename := filepath.Base(path)
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(m.cfg.To...); err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	msg.Subject("Attendee sheet " + filename)
	msg.SetDateWithValue(m.now())
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf("The attendee sheet %s is attached.", filename))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	defer f.Close()
	if err := msg.AttachReader(filename, f, mail.WithFileContentType(mail.ContentType("image/png"))); err != nil {
		return nil, fmt.Errorf("attach document: %w", err)
	}
	return msg, nil
}

func (m *Mailer) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	host, port, err := net.SplitHostPort(m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("smtp addr %q: %w", m.cfg.Addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("smtp port %q: %w", port, err)
	}
	opts := []mail.Option{
		mail.WithPort(p),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(deadlineDialer(m.cfg.Timeout)),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return client.DialAndSendWithContext(ctx, msg)
}

// deadlineDialer bounds the server greeting, which is read before the
// client applies its own per-command deadlines.
func deadlineDialer(timeout time.Duration) mail.DialContextFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
