package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"jaytaylor.com/html2text"

	"github.com/hickar/mailsend/internal/app/config"
)

// HTMLPlaceholder is the plain text part of HTML-only messages.
const HTMLPlaceholder = "This message contains HTML content. Please use an HTML-capable mail client to view it."

// HTMLFallback selects how the plain text part of HTML-only message is produced.
type HTMLFallback int

const (
	FallbackPlaceholder HTMLFallback = iota // Fixed HTMLPlaceholder notice.
	FallbackDerive                          // Plain text rendition of the HTML.
)

func ParseHTMLFallback(s string) (HTMLFallback, error) {
	switch strings.ToLower(s) {
	case "", "placeholder":
		return FallbackPlaceholder, nil
	case "derive":
		return FallbackDerive, nil
	default:
		return FallbackPlaceholder, fmt.Errorf("unknown html fallback %q", s)
	}
}

// ComposeRequest contains everything needed to build a message.
type ComposeRequest struct {
	Subject     string
	To          Recipients
	Text        string
	HTML        string
	Cc          Recipients
	Bcc         Recipients // Envelope only, never written into headers.
	Attachments []string   // File paths.
	ReplyTo     string
	FromName    string // Display name for the From header.
}

// Mailer composes messages and delivers them over SMTP.
//
// Its configuration is fixed at construction and it holds no connection,
// so it is safe for concurrent use: every Send opens its own Session.
type Mailer struct {
	login     string
	password  string
	host      string
	port      int
	useSSL    bool
	timeout   time.Duration
	tlsConfig *tls.Config
	localName string

	fromName string
	fallback HTMLFallback
	maxSize  int64
	now      func() time.Time
}

type Option func(*Mailer)

// WithTLSConfig sets base TLS configuration, e.g. custom root CAs.
// ServerName defaults to the SMTP host.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(m *Mailer) {
		m.tlsConfig = cfg.Clone()
	}
}

// WithLocalName sets host name sent with EHLO.
func WithLocalName(name string) Option {
	return func(m *Mailer) {
		m.localName = name
	}
}

// WithFromName sets display name used when request doesn't specify one.
func WithFromName(name string) Option {
	return func(m *Mailer) {
		m.fromName = name
	}
}

func WithHTMLFallback(f HTMLFallback) Option {
	return func(m *Mailer) {
		m.fallback = f
	}
}

// WithMaxMessageSize limits total size of attachments in bytes.
func WithMaxMessageSize(n int64) Option {
	return func(m *Mailer) {
		m.maxSize = n
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Mailer) {
		m.now = now
	}
}

// New creates Mailer for the account. Either implicit TLS or STARTTLS
// port is selected according to cfg.UseSSL.
func New(cfg config.SMTPConfig, opts ...Option) *Mailer {
	m := &Mailer{
		login:    cfg.Login,
		password: cfg.Password,
		host:     cfg.Host,
		port:     cfg.PortTLS,
		useSSL:   cfg.UseSSL,
		timeout:  cfg.Timeout,
		now:      time.Now,
	}
	if cfg.UseSSL {
		m.port = cfg.PortSSL
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Addr returns address of the SMTP server port in use.
func (m *Mailer) Addr() string {
	return net.JoinHostPort(m.host, strconv.Itoa(m.port))
}

// Send composes message and delivers it in a single SMTP session.
//
// Returned error is one of *ValidationError, *AttachmentError or *DeliveryError.
func (m *Mailer) Send(ctx context.Context, req ComposeRequest) error {
	msg, recipients, err := m.Compose(req)
	if err != nil {
		return err
	}

	return m.Deliver(ctx, msg, recipients)
}

// Deliver transmits already composed message to recipients.
// Connection is closed before Deliver returns.
func (m *Mailer) Deliver(ctx context.Context, msg *ComposedMessage, recipients Recipients) error {
	sess, err := m.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = sess.Close()
	}()

	return sess.Send(msg, recipients)
}

// Compose builds message from request. Along with it returns envelope
// recipients: To, Cc and Bcc addresses in that order.
//
// No message is returned if request is invalid or any attachment can't be read.
func (m *Mailer) Compose(req ComposeRequest) (*ComposedMessage, Recipients, error) {
	to, cc, bcc := req.To.normalize(), req.Cc.normalize(), req.Bcc.normalize()

	fromName := req.FromName
	if fromName == "" {
		fromName = m.fromName
	}

	if err := validateRequest(req, fromName, to, cc, bcc); err != nil {
		return nil, nil, err
	}

	body, err := m.bodyParts(req.Text, req.HTML)
	if err != nil {
		return nil, nil, err
	}

	attachments, err := readAttachments(req.Attachments, m.maxSize)
	if err != nil {
		return nil, nil, err
	}

	from := m.login
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, m.login)
	}

	header := Header{
		{Key: "Subject", Value: req.Subject},
		{Key: "From", Value: from},
		{Key: "To", Value: to.String()},
	}
	if len(cc) > 0 {
		header = append(header, HeaderField{Key: "Cc", Value: cc.String()})
	}
	if req.ReplyTo != "" {
		header = append(header, HeaderField{Key: "Reply-To", Value: strings.TrimSpace(req.ReplyTo)})
	}

	messageID, err := generateMessageID()
	if err != nil {
		return nil, nil, err
	}
	header = append(header,
		HeaderField{Key: "Date", Value: m.now().Format(time.RFC1123Z)},
		HeaderField{Key: "Message-Id", Value: messageID},
	)

	msg := &ComposedMessage{
		header: header,
		from:   mail.Address{Name: fromName, Address: m.login},
		parts:  append(body, attachments...),
	}

	recipients := make(Recipients, 0, len(to)+len(cc)+len(bcc))
	recipients = append(recipients, to...)
	recipients = append(recipients, cc...)
	recipients = append(recipients, bcc...)

	return msg, recipients, nil
}

func validateRequest(req ComposeRequest, fromName string, to, cc, bcc Recipients) error {
	if strings.TrimSpace(req.Subject) == "" {
		return &ValidationError{Field: "subject", Err: ErrNoSubject}
	}
	if len(to) == 0 {
		return &ValidationError{Field: "to", Err: ErrNoRecipients}
	}

	fields := []struct {
		name   string
		values []string
	}{
		{"subject", []string{req.Subject}},
		{"to", to},
		{"cc", cc},
		{"bcc", bcc},
		{"reply-to", []string{req.ReplyTo}},
		{"from name", []string{fromName}},
	}
	for _, f := range fields {
		for _, v := range f.values {
			if strings.ContainsAny(v, "\r\n") {
				return &ValidationError{Field: f.name, Err: ErrInvalidHeader}
			}
		}
	}

	return nil
}

// bodyParts selects body parts: text with html alternative, html with
// plain text fallback or text alone.
func (m *Mailer) bodyParts(text, html string) ([]Part, error) {
	textPart := func(s string) Part {
		return Part{Kind: PartText, ContentType: "text/plain", Content: []byte(s)}
	}
	htmlPart := Part{Kind: PartHTML, ContentType: "text/html", Alternative: true, Content: []byte(html)}

	switch {
	case text != "" && html != "":
		return []Part{textPart(text), htmlPart}, nil
	case html != "":
		return []Part{textPart(m.htmlFallback(html)), htmlPart}, nil
	case text != "":
		return []Part{textPart(text)}, nil
	default:
		return nil, &ValidationError{Field: "body", Err: ErrNoContent}
	}
}

func (m *Mailer) htmlFallback(html string) string {
	if m.fallback != FallbackDerive {
		return HTMLPlaceholder
	}

	text, err := html2text.FromString(html, html2text.Options{TextOnly: true})
	if err != nil || strings.TrimSpace(text) == "" || text == html {
		return HTMLPlaceholder
	}

	return text
}

func generateMessageID() (string, error) {
	var h mail.Header
	if err := h.GenerateMessageID(); err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}

	return h.Get("Message-Id"), nil
}
