package mailer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailsend/internal/app/config"
)

const (
	testLogin    = "robot@example.com"
	testPassword = "app-password"
)

type receivedMessage struct {
	From string
	To   []string
	Data []byte
}

// testBackend is an in-memory SMTP backend, which requires authentication
// and rejects configured recipients.
type testBackend struct {
	mu       sync.Mutex
	reject   map[string]bool
	mechs    []string
	messages []receivedMessage
	hellos   []string
	logouts  int
}

func newTestBackend(rejected ...string) *testBackend {
	b := &testBackend{
		reject: make(map[string]bool),
		mechs:  []string{sasl.Plain},
	}
	for _, addr := range rejected {
		b.reject[addr] = true
	}

	return b
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hellos = append(b.hellos, c.Hostname())

	return &testSession{backend: b}, nil
}

// Hellos returns host names clients greeted the server with.
func (b *testBackend) Hellos() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.hellos...)
}

func (b *testBackend) Messages() []receivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.messages...)
}

func (b *testBackend) Logouts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logouts
}

type testSession struct {
	backend *testBackend
	authed  bool
	from    string
	to      []string
}

func (s *testSession) AuthMechanisms() []string {
	return s.backend.mechs
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	check := func(username, password string) error {
		if username != testLogin || password != testPassword {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			return check(username, password)
		}), nil
	case sasl.Login:
		return &loginServer{check: check}, nil
	default:
		return nil, smtp.ErrAuthUnsupported
	}
}

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.reject[to] {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, receivedMessage{From: s.from, To: s.to, Data: data})
	return nil
}

func (s *testSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSession) Logout() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.logouts++
	return nil
}

// loginServer implements server side of LOGIN mechanism.
type loginServer struct {
	check    func(username, password string) error
	username *string
}

func (l *loginServer) Next(response []byte) ([]byte, bool, error) {
	if l.username == nil {
		if len(response) == 0 {
			return []byte("Username:"), false, nil
		}

		username := string(response)
		l.username = &username
		return []byte("Password:"), false, nil
	}

	return nil, true, l.check(*l.username, string(response))
}

// testServer is a running SMTP server with a self-signed certificate for 127.0.0.1.
type testServer struct {
	backend *testBackend
	port    int
	roots   *x509.CertPool
}

func startTestServer(t *testing.T, implicitTLS bool, backend *testBackend) *testServer {
	t.Helper()

	cert, leaf := generateCertificate(t)
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.TLSConfig = tlsConfig
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	if implicitTLS {
		l = tls.NewListener(l, tlsConfig)
	}

	go func() {
		_ = srv.Serve(l)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	roots := x509.NewCertPool()
	roots.AddCert(leaf)

	return &testServer{backend: backend, port: port, roots: roots}
}

// config returns account configuration pointing to the server
// in either implicit TLS or STARTTLS mode.
func (s *testServer) config(useSSL bool) config.SMTPConfig {
	return configFor(s.port, useSSL)
}

// configFor returns account configuration for SMTP server on local port.
func configFor(port int, useSSL bool) config.SMTPConfig {
	return config.SMTPConfig{
		Host:     "127.0.0.1",
		Login:    testLogin,
		Password: testPassword,
		PortSSL:  port,
		PortTLS:  port,
		UseSSL:   useSSL,
		Timeout:  5 * time.Second,
	}
}

func (s *testServer) mailer(useSSL bool, opts ...Option) *Mailer {
	opts = append([]Option{WithTLSConfig(&tls.Config{RootCAs: s.roots})}, opts...)
	return New(s.config(useSSL), opts...)
}

func generateCertificate(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}
