package mailer

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

type PartKind int

const (
	PartText PartKind = iota
	PartHTML
	PartAttachment
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartHTML:
		return "html"
	case PartAttachment:
		return "attachment"
	default:
		return fmt.Sprintf("PartKind(%d)", int(k))
	}
}

// Part is a single body part of composed message.
type Part struct {
	Kind        PartKind
	ContentType string // Media type in "type/subtype" form.
	Alternative bool   // Part is an alternative representation of preceding text part.
	Filename    string // Declared file name, attachments only.
	Content     []byte
}

// MediaType returns main type and subtype of the part, e.g. "application" and "pdf".
func (p Part) MediaType() (string, string) {
	typ, sub, _ := strings.Cut(p.ContentType, "/")
	return typ, sub
}

type HeaderField struct {
	Key   string
	Value string
}

// Header is an ordered list of message header fields.
type Header []HeaderField

// Get returns value of the first field with given key (case-insensitive).
func (h Header) Get(key string) string {
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}

	return ""
}

func (h Header) Has(key string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			return true
		}
	}

	return false
}

// ComposedMessage is a complete email ready for transmission.
// It is immutable: accessors return copies, content of parts must not be modified.
type ComposedMessage struct {
	header Header
	from   mail.Address
	parts  []Part
}

func (m *ComposedMessage) Header() Header {
	return append(Header(nil), m.header...)
}

// Parts returns all parts in transmission order: text, html alternative, attachments.
func (m *ComposedMessage) Parts() []Part {
	return append([]Part(nil), m.parts...)
}

// BodyParts returns text and html parts.
func (m *ComposedMessage) BodyParts() []Part {
	return m.filter(func(p Part) bool { return p.Kind != PartAttachment })
}

func (m *ComposedMessage) Attachments() []Part {
	return m.filter(func(p Part) bool { return p.Kind == PartAttachment })
}

func (m *ComposedMessage) filter(keep func(Part) bool) []Part {
	var parts []Part
	for _, p := range m.parts {
		if keep(p) {
			parts = append(parts, p)
		}
	}

	return parts
}

// Bytes renders message into RFC 5322 form.
func (m *ComposedMessage) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// WriteTo renders message into RFC 5322 form.
//
// Single body part is written as is, text with html alternative as multipart/alternative.
// Attachments, if any, are put along with the body into multipart/mixed.
func (m *ComposedMessage) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	h := m.mailHeader()

	var err error
	if attachments := m.Attachments(); len(attachments) > 0 {
		err = m.writeMixed(cw, h.Header, attachments)
	} else {
		err = m.writeBody(topLevelEntity(cw), h.Header)
	}

	return cw.n, err
}

func (m *ComposedMessage) mailHeader() mail.Header {
	var h mail.Header
	h.Set("MIME-Version", "1.0")

	for _, f := range m.header {
		switch strings.ToLower(f.Key) {
		case "subject":
			h.SetSubject(f.Value)
		case "from":
			h.SetAddressList("From", []*mail.Address{{Name: m.from.Name, Address: m.from.Address}})
		default:
			h.Set(f.Key, f.Value)
		}
	}

	return h
}

// entityFunc creates either top level message entity or a nested part.
type entityFunc func(message.Header) (*message.Writer, error)

func topLevelEntity(w io.Writer) entityFunc {
	return func(h message.Header) (*message.Writer, error) {
		return message.CreateWriter(w, h)
	}
}

func (m *ComposedMessage) writeMixed(w io.Writer, h message.Header, attachments []Part) error {
	h.SetContentType("multipart/mixed", nil)

	mw, err := message.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("create multipart writer: %w", err)
	}

	if err = m.writeBody(mw.CreatePart, message.Header{}); err != nil {
		return err
	}

	for _, a := range attachments {
		if err = writePart(mw.CreatePart, message.Header{}, a); err != nil {
			return err
		}
	}

	return mw.Close()
}

func (m *ComposedMessage) writeBody(create entityFunc, h message.Header) error {
	body := m.BodyParts()
	if len(body) == 1 {
		return writePart(create, h, body[0])
	}

	h.SetContentType("multipart/alternative", nil)

	aw, err := create(h)
	if err != nil {
		return fmt.Errorf("create alternative writer: %w", err)
	}

	for _, p := range body {
		if err = writePart(aw.CreatePart, message.Header{}, p); err != nil {
			return err
		}
	}

	return aw.Close()
}

func writePart(create entityFunc, h message.Header, p Part) error {
	switch p.Kind {
	case PartAttachment:
		h.SetContentType(p.ContentType, map[string]string{"name": p.Filename})
		h.SetContentDisposition("attachment", map[string]string{"filename": p.Filename})
		h.Set("Content-Transfer-Encoding", "base64")
	default:
		h.SetContentType(p.ContentType, map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	}

	pw, err := create(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", p.Kind, err)
	}

	if _, err = pw.Write(p.Content); err != nil {
		_ = pw.Close()
		return fmt.Errorf("write %s part: %w", p.Kind, err)
	}

	return pw.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
