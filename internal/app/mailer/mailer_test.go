package mailer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailsend/internal/app/config"
)

func TestMailerAddr(t *testing.T) {
	cfg := config.SMTPConfig{Host: "smtp.example.com", PortSSL: 465, PortTLS: 587}

	cfg.UseSSL = true
	assert.Equal(t, "smtp.example.com:465", New(cfg).Addr())

	cfg.UseSSL = false
	assert.Equal(t, "smtp.example.com:587", New(cfg).Addr())
}

func TestMailerSend(t *testing.T) {
	dir := t.TempDir()
	attachment := writeAttachment(t, dir, "report.csv", "a,b\n1,2\n")

	backend := newTestBackend()
	srv := startTestServer(t, false, backend)
	m := srv.mailer(false, WithFromName("Робот"))

	err := m.Send(context.Background(), ComposeRequest{
		Subject:     "Report",
		To:          Addresses("a@x.com"),
		Cc:          Addresses("b@x.com"),
		Bcc:         Addresses("c@x.com"),
		HTML:        "<p>ok</p>",
		Attachments: []string{attachment},
	})
	require.NoError(t, err)

	messages := backend.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, messages[0].To)
	assert.NotContains(t, string(messages[0].Data), "c@x.com")

	header, parts := parseMessage(t, messages[0].Data)
	assert.Equal(t, "b@x.com", header.Get("Cc"))

	require.Len(t, parts, 3)
	assert.Equal(t, HTMLPlaceholder, parts[0].body)
	assert.Equal(t, "<p>ok</p>", parts[1].body)
	assert.Equal(t, "report.csv", parts[2].filename)
	assert.Equal(t, "a,b\n1,2\n", parts[2].body)
}

func TestMailerSendComposeErrorSkipsNetwork(t *testing.T) {
	// Nothing listens on this port: any dial attempt would fail with DeliveryError.
	m := New(configFor(1, true))

	err := m.Send(context.Background(), ComposeRequest{Subject: "Hi", To: Addresses("a@x.com")})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.ErrorIs(t, err, ErrNoContent)

	err = m.Send(context.Background(), ComposeRequest{
		Subject:     "Hi",
		To:          Addresses("a@x.com"),
		Text:        "hello",
		Attachments: []string{"/nonexistent/file.pdf"},
	})

	var attachmentErr *AttachmentError
	require.ErrorAs(t, err, &attachmentErr)
	assert.Equal(t, "/nonexistent/file.pdf", attachmentErr.Path)
}

func TestMailerConcurrentSend(t *testing.T) {
	backend := newTestBackend()
	srv := startTestServer(t, true, backend)
	m := srv.mailer(true)

	const n = 5

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Send(context.Background(), ComposeRequest{
				Subject: "Hi",
				To:      Addresses("a@x.com"),
				Text:    "hello",
			})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, backend.Messages(), n)
}
