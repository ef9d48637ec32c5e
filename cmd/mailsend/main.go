package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hickar/mailsend/internal/app/archive"
	"github.com/hickar/mailsend/internal/app/config"
	"github.com/hickar/mailsend/internal/app/dispatch"
	"github.com/hickar/mailsend/internal/app/mailer"
	"github.com/hickar/mailsend/internal/pkg/logger"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	configFilepath string
	envFilepath    string
	request        mailer.ComposeRequest
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg, err := config.LoadConfig(opts.configFilepath, opts.envFilepath)
	if err != nil {
		log.Printf("failed to load configuration: %s", err)
		return exitFailure
	}

	slogger := logger.New(os.Stdout, slog.Level(cfg.LogLevel))

	m, err := newMailer(cfg)
	if err != nil {
		slogger.Error("failed to create mailer", slog.Any("error", err), slog.String("module", "main"))
		return exitFailure
	}

	var archiver dispatch.Archiver
	if cfg.Archive.Enabled {
		archiver = archive.New(cfg.Archive, cfg.SMTP, archive.IMAPDialer{Timeout: cfg.SMTP.Timeout})
	}

	service := dispatch.NewService(m, archiver, slogger.With(slog.String("module", "dispatch")))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err = service.Send(ctx, opts.request); err != nil {
		return exitCode(err)
	}

	return 0
}

func parseArgs(args []string, output io.Writer) (options, error) {
	var (
		opts     options
		htmlFile string
		req      = &opts.request
	)

	fs := flag.NewFlagSet("mailsend", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&opts.configFilepath, "config", "./config.yaml", "Filepath to configuration file")
	fs.StringVar(&opts.envFilepath, "env-file", "./.env", "Filepath to environment variables file")
	fs.StringVar(&req.Subject, "subject", "", "Message subject")
	fs.StringVar(&req.Text, "text", "", "Plain text body")
	fs.StringVar(&req.HTML, "html", "", "HTML body")
	fs.StringVar(&htmlFile, "html-file", "", "Filepath to HTML body, excludes -html")
	fs.StringVar(&req.ReplyTo, "reply-to", "", "Reply-To address")
	fs.StringVar(&req.FromName, "from-name", "", "Sender display name, overrides compose.from_name")

	recipients := func(dst *mailer.Recipients) func(string) error {
		return func(s string) error {
			addrs, err := mailer.ParseRecipients(s)
			if err != nil {
				return err
			}
			*dst = append(*dst, addrs...)
			return nil
		}
	}
	fs.Func("to", "Recipient address, repeatable or comma separated", recipients(&req.To))
	fs.Func("cc", "Carbon copy address, repeatable or comma separated", recipients(&req.Cc))
	fs.Func("bcc", "Blind carbon copy address, repeatable or comma separated", recipients(&req.Bcc))
	fs.Func("attach", "Filepath to attachment, repeatable", func(s string) error {
		req.Attachments = append(req.Attachments, s)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if htmlFile != "" {
		if req.HTML != "" {
			return opts, errors.New("-html and -html-file are mutually exclusive")
		}

		//nolint:gosec
		content, err := os.ReadFile(htmlFile)
		if err != nil {
			return opts, fmt.Errorf("read html file: %w", err)
		}
		req.HTML = string(content)
	}

	return opts, nil
}

func newMailer(cfg config.Config) (*mailer.Mailer, error) {
	fallback, err := mailer.ParseHTMLFallback(cfg.Compose.HTMLFallback)
	if err != nil {
		return nil, err
	}

	return mailer.New(cfg.SMTP,
		mailer.WithFromName(cfg.Compose.FromName),
		mailer.WithHTMLFallback(fallback),
		mailer.WithMaxMessageSize(int64(cfg.Compose.MaxMessageSize)),
	), nil
}

// exitCode maps error of Send to process exit code.
func exitCode(err error) int {
	var validationErr *mailer.ValidationError
	if errors.As(err, &validationErr) {
		return exitUsage
	}

	return exitFailure
}
