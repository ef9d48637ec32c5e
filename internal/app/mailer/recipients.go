package mailer

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Recipients is an ordered list of email addresses. Duplicates are kept as given.
type Recipients []string

// Addresses builds Recipients from one or more addresses.
func Addresses(addresses ...string) Recipients {
	return Recipients(addresses).normalize()
}

// ParseRecipients parses RFC 5322 address list, e.g. `a@x.com, "Doe, John" <j@x.com>`.
// Only addresses are kept, display names are dropped.
func ParseRecipients(s string) (Recipients, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	list, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, fmt.Errorf("parse address list %q: %w", s, err)
	}

	addrs := make(Recipients, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, a.Address)
	}

	return addrs.normalize(), nil
}

// normalize trims surrounding whitespace and drops empty entries.
func (r Recipients) normalize() Recipients {
	out := make(Recipients, 0, len(r))
	for _, addr := range r {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}

	return out
}

func (r Recipients) String() string {
	return strings.Join(r, ", ")
}
