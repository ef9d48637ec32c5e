// Package archive stores copies of sent messages in IMAP mailbox,
// so they show up in the account's Sent folder.
package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/hickar/mailsend/internal/app/config"
	"github.com/hickar/mailsend/internal/app/mailer"
)

// Mailbox is an authenticated IMAP connection.
type Mailbox interface {
	Append(mailbox string, msg []byte, t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, address, login, password string) (Mailbox, error)
}

type DialerFunc func(ctx context.Context, address, login, password string) (Mailbox, error)

func (f DialerFunc) Dial(ctx context.Context, address, login, password string) (Mailbox, error) {
	return f(ctx, address, login, password)
}

// IMAPDialer connects to IMAP server over TLS and logs in.
type IMAPDialer struct {
	TLSConfig *tls.Config
	// Timeout bounds the whole IMAP session from connect to logout.
	// Zero means no limit besides the context.
	Timeout time.Duration
}

func (d IMAPDialer) Dial(ctx context.Context, address, login, password string) (Mailbox, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if d.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.Timeout))
	}

	tlsConn := tls.Client(conn, d.tlsConfig(address))
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	client := imapclient.New(tlsConn, &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	})
	// Closing connection unblocks any command waiting for the server.
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err = client.Login(login, password).Wait(); err != nil {
		stop()
		_ = client.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	return &imapMailbox{client: client, stop: stop}, nil
}

func (d IMAPDialer) tlsConfig(address string) *tls.Config {
	cfg := &tls.Config{}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(address); err == nil {
			cfg.ServerName = host
		}
	}
	if cfg.NextProtos == nil {
		cfg.NextProtos = []string{"imap"}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	return cfg
}

type imapMailbox struct {
	client *imapclient.Client
	stop   func() bool
}

// Append stores message marked as seen, with t as its internal date.
func (m *imapMailbox) Append(mailbox string, msg []byte, t time.Time) error {
	cmd := m.client.Append(mailbox, int64(len(msg)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  t,
	})
	if _, err := cmd.Write(msg); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("close append command: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	return nil
}

func (m *imapMailbox) Close() error {
	m.stop()

	if err := m.client.Logout().Wait(); err != nil {
		_ = m.client.Close()
		return fmt.Errorf("logout: %w", err)
	}

	return m.client.Close()
}

// Archiver appends delivered messages to configured mailbox.
type Archiver struct {
	dialer   Dialer
	address  string
	mailbox  string
	login    string
	password string
	now      func() time.Time
}

// New creates Archiver, which logs in with the same credentials as SMTP account.
func New(cfg config.ArchiveConfig, account config.SMTPConfig, dialer Dialer) *Archiver {
	return &Archiver{
		dialer:   dialer,
		address:  cfg.Address,
		mailbox:  cfg.Mailbox,
		login:    account.Login,
		password: account.Password,
		now:      time.Now,
	}
}

// Archive renders message and appends it to the mailbox.
// Internal date of the stored copy is taken from message Date header.
func (a *Archiver) Archive(ctx context.Context, msg *mailer.ComposedMessage) error {
	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}

	date, err := time.Parse(time.RFC1123Z, msg.Header().Get("Date"))
	if err != nil {
		date = a.now()
	}

	mbox, err := a.dialer.Dial(ctx, a.address, a.login, a.password)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", a.address, err)
	}
	defer func() {
		_ = mbox.Close()
	}()

	if err = mbox.Append(a.mailbox, raw, date); err != nil {
		return fmt.Errorf("append to %q: %w", a.mailbox, err)
	}

	return nil
}

// Mailbox returns name of the mailbox messages are appended to.
func (a *Archiver) Mailbox() string {
	return a.mailbox
}
