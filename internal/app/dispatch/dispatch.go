// Package dispatch sends composed messages and keeps copies of them in
// the Sent mailbox, logging outcome of each step.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hickar/mailsend/internal/app/mailer"
	"github.com/hickar/mailsend/internal/pkg/logger"
)

// ErrArchiveFailed is returned when message was delivered,
// but copying it to the Sent mailbox failed.
var ErrArchiveFailed = errors.New("message delivered, but not archived")

type Mailer interface {
	Compose(mailer.ComposeRequest) (*mailer.ComposedMessage, mailer.Recipients, error)
	Deliver(context.Context, *mailer.ComposedMessage, mailer.Recipients) error
}

type Archiver interface {
	Archive(context.Context, *mailer.ComposedMessage) error
}

type Service struct {
	mailer   Mailer
	archiver Archiver
	logger   *slog.Logger
}

// NewService creates Service. Archiver may be nil, in which case
// messages aren't archived.
func NewService(m Mailer, archiver Archiver, logger *slog.Logger) *Service {
	return &Service{
		mailer:   m,
		archiver: archiver,
		logger:   logger,
	}
}

// Send composes and delivers message, then archives it if archiving is enabled.
//
// Errors of the mailer are returned as is, so callers can tell
// *mailer.ValidationError from delivery failures.
func (s *Service) Send(ctx context.Context, req mailer.ComposeRequest) error {
	ctx = logger.WithAttrs(ctx, slog.String("subject", req.Subject))

	msg, recipients, err := s.mailer.Compose(req)
	if err != nil {
		s.logger.ErrorContext(ctx, "message composition failed", slog.Any("error", err))
		return err
	}

	ctx = logger.WithAttrs(ctx,
		slog.String("message_id", msg.Header().Get("Message-Id")),
		slog.Int("recipients", len(recipients)),
	)
	s.logger.DebugContext(ctx, "message composed",
		slog.Int("attachments", len(msg.Attachments())),
	)

	if err = s.mailer.Deliver(ctx, msg, recipients); err != nil {
		s.logDeliveryError(ctx, err)
		return err
	}
	s.logger.InfoContext(ctx, "message delivered")

	if s.archiver == nil {
		return nil
	}

	if err = s.archiver.Archive(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "message archiving failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}
	s.logger.DebugContext(ctx, "message archived")

	return nil
}

func (s *Service) logDeliveryError(ctx context.Context, err error) {
	attrs := []any{slog.Any("error", err)}

	var deliveryErr *mailer.DeliveryError
	if errors.As(err, &deliveryErr) {
		attrs = append(attrs,
			slog.String("op", deliveryErr.Op),
			slog.Bool("temporary", deliveryErr.Temporary()),
		)
		if len(deliveryErr.Rejected) > 0 {
			attrs = append(attrs, slog.Any("rejected", deliveryErr.RejectedAddresses()))
		}
	}

	s.logger.ErrorContext(ctx, "message delivery failed", attrs...)
}
