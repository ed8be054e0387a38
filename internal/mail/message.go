package mail

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidMessage = errors.New("invalid mail message")

// Security is the SMTP connection security mode.
type Security string

const (
	SecurityNone     Security = "none"
	SecurityStartTLS Security = "starttls"
	SecurityTLS      Security = "tls"
)

// ParseSecurity accepts the admin-facing spellings ("TLS", "SSL", "STARTTLS", "plain", ...).
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "plain", "plaintext":
		return SecurityNone, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "tls", "ssl", "smtps":
		return SecurityTLS, nil
	default:
		return "", fmt.Errorf("unknown smtp security %q", s)
	}
}

// Server carries the relay address and credentials used for one send.
type Server struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security
	Timeout  time.Duration
}

// Addr returns host:port.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Message is one outbound plain-text mail.
type Message struct {
	FromName    string
	FromAddress string
	ToName      string
	ToAddress   string
	Subject     string
	Body        string

	Server Server
}

// Validate checks the fields every transport needs.
func (m Message) Validate() error {
	if _, err := netmail.ParseAddress(m.FromAddress); err != nil {
		return fmt.Errorf("%w: from address: %v", ErrInvalidMessage, err)
	}
	if _, err := netmail.ParseAddress(m.ToAddress); err != nil {
		return fmt.Errorf("%w: to address: %v", ErrInvalidMessage, err)
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("%w: subject contains line breaks", ErrInvalidMessage)
	}
	return nil
}

// Build renders m as an RFC 5322 message and returns it with its Message-ID.
func Build(m Message, now time.Time) ([]byte, string, error) {
	if err := m.Validate(); err != nil {
		return nil, "", err
	}
	domain := "mailflush"
	if at := strings.LastIndex(m.FromAddress, "@"); at >= 0 && at < len(m.FromAddress)-1 {
		domain = m.FromAddress[at+1:]
	}
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), domain)

	from := netmail.Address{Name: m.FromName, Address: m.FromAddress}
	to := netmail.Address{Name: m.ToName, Address: m.ToAddress}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", messageID)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, "", err
	}
	if err := qp.Close(); err != nil {
		return nil, "", err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), messageID, nil
}
