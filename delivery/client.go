package delivery

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"mailrun/tlsconfig"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultSessionTimeout = 2 * time.Minute
)

var (
	// ErrStartTLSUnsupported is returned when an endpoint requires encryption
	// but the server does not offer STARTTLS.
	ErrStartTLSUnsupported = errors.New("server does not advertise STARTTLS")
	// ErrAuthUnsupported is returned when a secret is supplied but the server
	// does not offer AUTH.
	ErrAuthUnsupported = errors.New("server does not advertise AUTH")
)

// Conn is an authenticated SMTP session owned by a single worker.
type Conn interface {
	// Send runs one MAIL/RCPT/DATA transaction.
	Send(ctx context.Context, from, to string, msg []byte) error
	// Reset aborts any partial transaction so the session can be reused.
	Reset() error
	// Close ends the session and always releases the socket.
	Close() error
}

// Connector opens Conns.
type Connector interface {
	Connect(ctx context.Context, ep Endpoint, cred Credential) (Conn, error)
}

// SMTPConnector connects to submission servers with net/smtp.
type SMTPConnector struct {
	HeloName    string
	DialTimeout time.Duration
	TLS         *tlsconfig.Builder
}

// NewSMTPConnector returns a connector announcing heloName.
func NewSMTPConnector(heloName string, dialTimeout time.Duration, tls *tlsconfig.Builder) *SMTPConnector {
	return &SMTPConnector{HeloName: heloName, DialTimeout: dialTimeout, TLS: tls}
}

// Connect dials ep, upgrades to TLS when required and authenticates with
// AUTH PLAIN when cred carries a secret. The connection is closed on every
// error path.
func (c *SMTPConnector) Connect(ctx context.Context, ep Endpoint, cred Credential) (Conn, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	dialTimeout := c.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Stage: "dial", Addr: addr, Err: err}
	}

	if err := conn.SetDeadline(deadlineFrom(ctx)); err != nil {
		conn.Close()
		return nil, &ConnectError{Stage: "dial", Addr: addr, Err: err}
	}

	client, err := smtp.NewClient(conn, ep.Host)
	if err != nil {
		conn.Close()
		return nil, &ConnectError{Stage: "greeting", Addr: addr, Err: err}
	}

	connected := false
	defer func() {
		if !connected {
			client.Close()
		}
	}()

	helo := c.HeloName
	if helo == "" {
		helo = "localhost"
	}
	if err := client.Hello(helo); err != nil {
		return nil, &ConnectError{Stage: "hello", Addr: addr, Err: err}
	}

	if ep.RequiresEncryption {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return nil, &ConnectError{Stage: "starttls", Addr: addr, Err: ErrStartTLSUnsupported}
		}
		if err := client.StartTLS(c.TLS.ClientConfig(ep.Host)); err != nil {
			return nil, &ConnectError{Stage: "starttls", Addr: addr, Err: err}
		}
	}

	if cred.Secret != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return nil, &ConnectError{Stage: "auth", Addr: addr, Err: ErrAuthUnsupported}
		}
		if err := client.Auth(smtp.PlainAuth("", cred.Identity, cred.Secret, ep.Host)); err != nil {
			return nil, &ConnectError{Stage: "auth", Addr: addr, Err: err}
		}
	}

	connected = true
	return &smtpConn{client: client, conn: conn}, nil
}

type smtpConn struct {
	client *smtp.Client
	conn   net.Conn
}

func (c *smtpConn) Send(ctx context.Context, from, to string, msg []byte) error {
	if err := c.conn.SetDeadline(deadlineFrom(ctx)); err != nil {
		return &SendError{Stage: "deadline", Err: err}
	}
	if err := c.client.Mail(from); err != nil {
		return &SendError{Stage: "mail from", Err: err}
	}
	if err := c.client.Rcpt(to); err != nil {
		return &SendError{Stage: "rcpt to", Err: err}
	}
	w, err := c.client.Data()
	if err != nil {
		return &SendError{Stage: "data start", Err: err}
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return &SendError{Stage: "data write", Err: err}
	}
	if err := w.Close(); err != nil {
		return &SendError{Stage: "data close", Err: err}
	}
	return nil
}

func (c *smtpConn) Reset() error {
	if err := c.client.Reset(); err != nil {
		return &SendError{Stage: "reset", Err: err}
	}
	return nil
}

func (c *smtpConn) Close() error {
	if err := c.client.Quit(); err != nil {
		c.client.Close()
		return err
	}
	return nil
}

func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(defaultSessionTimeout)
}
