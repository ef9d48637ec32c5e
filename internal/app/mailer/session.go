package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Session is an authenticated SMTP connection used for a single transmission.
// It must be released with Close.
type Session struct {
	client *smtp.Client
	from   string
}

// Dial connects to the SMTP server, secures connection either with implicit TLS
// or STARTTLS and authenticates. The connection is closed if any of the steps fail.
//
// Configured timeout bounds the whole connection setup and every following command.
func (m *Mailer) Dial(ctx context.Context) (*Session, error) {
	tlsConfig := m.clientTLSConfig()

	dialer := &net.Dialer{Timeout: m.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", m.Addr())
	if err != nil {
		return nil, newDeliveryError("dial", err)
	}

	conn := &deadlineConn{Conn: netConn}
	if m.timeout > 0 {
		conn.limit = time.Now().Add(m.timeout)
		_ = conn.SetDeadline(conn.limit)
	}

	var client *smtp.Client
	if m.useSSL {
		client, err = m.implicitTLSClient(ctx, conn, tlsConfig)
	} else {
		client, err = m.startTLSClient(conn, tlsConfig)
	}
	if err != nil {
		return nil, err
	}

	sess := &Session{client: client, from: m.login}
	if err = sess.authenticate(m.login, m.password); err != nil {
		_ = client.Close()
		return nil, err
	}

	conn.release()

	return sess, nil
}

func (m *Mailer) implicitTLSClient(ctx context.Context, conn net.Conn, tlsConfig *tls.Config) (*smtp.Client, error) {
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, newDeliveryError("tls handshake", err)
	}

	client := smtp.NewClient(tlsConn)
	m.setTimeouts(client)

	if m.localName != "" {
		if err := client.Hello(m.localName); err != nil {
			_ = client.Close()
			return nil, newDeliveryError("hello", err)
		}
	}

	return client, nil
}

// startTLSClient greets server over plain connection and upgrades it with
// STARTTLS before any credentials are sent.
func (m *Mailer) startTLSClient(conn net.Conn, tlsConfig *tls.Config) (*smtp.Client, error) {
	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		_ = conn.Close()
		if isSTARTTLSUnsupported(err) {
			err = ErrSTARTTLSUnsupported
		}
		return nil, newDeliveryError("starttls", err)
	}
	m.setTimeouts(client)

	localName := m.localName
	if localName == "" {
		localName = "localhost"
	}

	// TLS handshake takes place on the first command after the upgrade.
	if err = client.Hello(localName); err != nil {
		_ = client.Close()

		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return nil, newDeliveryError("hello", err)
		}
		return nil, newDeliveryError("starttls", err)
	}

	return client, nil
}

// isSTARTTLSUnsupported reports whether err is go-smtp's report of missing
// STARTTLS extension. It is created with errors.New, so only its text identifies it.
func isSTARTTLSUnsupported(err error) bool {
	return strings.Contains(err.Error(), "doesn't support STARTTLS")
}

func (m *Mailer) setTimeouts(client *smtp.Client) {
	if m.timeout > 0 {
		client.CommandTimeout = m.timeout
		client.SubmissionTimeout = m.timeout
	}
}

func (m *Mailer) clientTLSConfig() *tls.Config {
	cfg := &tls.Config{}
	if m.tlsConfig != nil {
		cfg = m.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = m.host
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	return cfg
}

// deadlineConn caps deadlines set by smtp.Client to limit until released,
// since the client resets deadlines after every command.
type deadlineConn struct {
	net.Conn
	limit time.Time
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(c.capped(t))
}

func (c *deadlineConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(c.capped(t))
}

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(c.capped(t))
}

func (c *deadlineConn) capped(t time.Time) time.Time {
	if c.limit.IsZero() {
		return t
	}
	if t.IsZero() || t.After(c.limit) {
		return c.limit
	}

	return t
}

// release lifts the limit, leaving deadlines to the client's command timeouts.
func (c *deadlineConn) release() {
	c.limit = time.Time{}
	_ = c.Conn.SetDeadline(time.Time{})
}

// authenticate logs in with the strongest mechanism both sides support.
func (s *Session) authenticate(login, password string) error {
	var auth sasl.Client
	switch {
	case s.client.SupportsAuth(sasl.Plain):
		auth = sasl.NewPlainClient("", login, password)
	case s.client.SupportsAuth(sasl.Login):
		auth = sasl.NewLoginClient(login, password)
	default:
		return newDeliveryError("auth", ErrAuthUnsupported)
	}

	if err := s.client.Auth(auth); err != nil {
		return newDeliveryError("auth", err)
	}

	return nil
}

// Send transmits message with configured login as envelope sender.
//
// If server rejects any of recipients, transaction is reset before
// message data is sent and DeliveryError lists all rejected addresses.
func (s *Session) Send(msg *ComposedMessage, recipients Recipients) error {
	if s.client == nil {
		return newDeliveryError("send", net.ErrClosed)
	}
	if len(recipients) == 0 {
		return &ValidationError{Field: "recipients", Err: ErrNoRecipients}
	}

	if err := s.client.Mail(s.from, nil); err != nil {
		return newDeliveryError("mail from", err)
	}

	var rejected []RejectedRecipient
	for _, rcpt := range recipients {
		err := s.client.Rcpt(rcpt, nil)
		if err == nil {
			continue
		}

		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			return newDeliveryError("rcpt to", err)
		}
		rejected = append(rejected, RejectedRecipient{
			Address: rcpt,
			Code:    smtpErr.Code,
			Message: smtpErr.Message,
		})
	}

	if len(rejected) > 0 {
		_ = s.client.Reset()
		return &DeliveryError{Op: "rcpt to", Rejected: rejected}
	}

	w, err := s.client.Data()
	if err != nil {
		return newDeliveryError("data", err)
	}

	if _, err = msg.WriteTo(w); err != nil {
		_ = w.Close()
		return newDeliveryError("data", err)
	}

	if err = w.Close(); err != nil {
		return newDeliveryError("data", err)
	}

	return nil
}

// Close ends SMTP session with QUIT and closes connection.
// It is safe to call Close multiple times.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}

	client := s.client
	s.client = nil

	if err := client.Quit(); err != nil {
		_ = client.Close()
		return newDeliveryError("quit", err)
	}

	return nil
}
