package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	logx "mailflush/pkg/logx"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPSender submits mail to the relay named in each message.
type SMTPSender struct {
	log       logx.Logger
	tlsConfig *tls.Config
	localName string
	now       func() time.Time
}

// NewSMTP returns an SMTP sender.
func NewSMTP(log logx.Logger) *SMTPSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SMTPSender{log: log, localName: "localhost", now: time.Now}
}

// WithTLSConfig overrides the TLS client configuration (custom roots, test servers).
func (s *SMTPSender) WithTLSConfig(cfg *tls.Config) *SMTPSender {
	s.tlsConfig = cfg
	return s
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	srv := m.Server
	if strings.TrimSpace(srv.Host) == "" || srv.Port <= 0 {
		return fmt.Errorf("%w: smtp server not configured", ErrInvalidMessage)
	}
	raw, messageID, err := Build(m, s.now())
	if err != nil {
		return err
	}
	if err := s.sendSMTP(ctx, srv, m.FromAddress, m.ToAddress, raw); err != nil {
		return fmt.Errorf("smtp send via %s: %w", srv.Addr(), err)
	}
	s.log.Debug("mail sent",
		logx.Addr("to", m.ToAddress),
		logx.String("message_id", messageID),
		logx.String("server", srv.Addr()),
	)
	return nil
}

func (s *SMTPSender) tlsFor(host string) *tls.Config {
	if s.tlsConfig != nil {
		cfg := s.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (s *SMTPSender) sendSMTP(ctx context.Context, srv Server, from, to string, msg []byte) error {
	timeout := srv.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	if srv.Security == SecurityTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsFor(srv.Host)}
		conn, err = td.DialContext(ctx, "tcp", srv.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", srv.Addr())
	}
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	// One deadline covers the whole transaction.
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, srv.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("client: %w", err)
	}
	defer c.Close()

	if err := c.Hello(s.localName); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if srv.Security == SecurityStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("server does not offer STARTTLS")
		}
		if err := c.StartTLS(s.tlsFor(srv.Host)); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if srv.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not offer AUTH")
		}
		if err := c.Auth(&plainAuth{user: srv.Username, pass: srv.Password}); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return c.Quit()
}

// plainAuth implements smtp.Auth PLAIN. Unlike smtp.PlainAuth it does not
// refuse plaintext connections to non-local hosts: operators choose the
// security mode explicitly.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}
	return nil, nil
}
