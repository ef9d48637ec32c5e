package mailer

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-smtp"
)

var (
	ErrNoSubject           = errors.New("subject is required")
	ErrNoRecipients        = errors.New("at least one recipient is required")
	ErrNoContent           = errors.New("either text or html body is required")
	ErrInvalidHeader       = errors.New("header value must not contain line breaks")
	ErrAttachmentTooLarge  = errors.New("attachments exceed maximum message size")
	ErrSTARTTLSUnsupported = errors.New("server does not support STARTTLS")
	ErrAuthUnsupported     = errors.New("server offers no supported authentication mechanism")

	errIsDirectory = errors.New("is a directory")
)

// ValidationError is returned when compose request is structurally invalid.
// It is always detected before any I/O takes place.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AttachmentError is returned when attachment file is missing, unreadable
// or too large. Composition is aborted as a whole.
type AttachmentError struct {
	Path string
	Err  error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment %q: %s", e.Path, e.Err)
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}

// RejectedRecipient is an envelope recipient refused by the server.
type RejectedRecipient struct {
	Address string
	Code    int
	Message string
}

func (r RejectedRecipient) String() string {
	return fmt.Sprintf("%s (%d %s)", r.Address, r.Code, r.Message)
}

// DeliveryError describes failure of the SMTP session: connection, TLS handshake,
// authentication, timeout or recipients rejection.
type DeliveryError struct {
	Op           string // Session step which failed, e.g. "dial", "auth", "rcpt to".
	Code         int    // SMTP reply code, zero if failure is not a server reply.
	EnhancedCode string // Enhanced status code (RFC 3463), e.g. "5.1.1".
	Message      string // Server reply text.
	Rejected     []RejectedRecipient
	Err          error
}

func newDeliveryError(op string, err error) *DeliveryError {
	de := &DeliveryError{Op: op, Err: err}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		de.Code = smtpErr.Code
		de.Message = smtpErr.Message
		if smtpErr.EnhancedCode != (smtp.EnhancedCode{}) && smtpErr.EnhancedCode != smtp.NoEnhancedCode {
			de.EnhancedCode = fmt.Sprintf("%d.%d.%d", smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2])
		}
	}

	return de
}

func (e *DeliveryError) Error() string {
	var b strings.Builder
	b.WriteString("deliver: ")
	b.WriteString(e.Op)

	switch {
	case len(e.Rejected) > 0:
		b.WriteString(": recipients rejected: ")
		for i, r := range e.Rejected {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.String())
		}
	case e.Code != 0:
		fmt.Fprintf(&b, ": %d %s", e.Code, e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// RejectedAddresses returns addresses of all rejected recipients.
func (e *DeliveryError) RejectedAddresses() []string {
	addrs := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		addrs = append(addrs, r.Address)
	}

	return addrs
}

// Temporary reports whether repeating the same delivery later may succeed:
// the failure is a timeout or transient (4xx) server reply.
func (e *DeliveryError) Temporary() bool {
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return true
	}

	if len(e.Rejected) > 0 {
		for _, r := range e.Rejected {
			if r.Code < 400 || r.Code >= 500 {
				return false
			}
		}
		return true
	}

	return e.Code >= 400 && e.Code < 500
}
