package keabot

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// pngData is a valid 1x1 PNG, just enough for content sniffing
var pngData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)
	return slog.New(newLogHandler(os.Stdout, lvl)).With("test_name", t.Name())
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			closeDB(db)
		},
	)
	return db
}

// newTestStore opens a Store backed by a temporary SQLite database and
// media directory.
func newTestStore(t testing.TB) *Store {
	t.Helper()
	cfg := DefaultTestConfig(t)
	store, err := OpenStore(context.Background(), cfg, os.Stdout)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = store.Close()
		},
	)
	return store
}

type fakeAttachment struct {
	data []byte
	err  error
}

// fakeFetcher serves attachment content from memory, keyed by URL.
type fakeFetcher struct {
	mu      sync.Mutex
	files   map[string]fakeAttachment
	fetched []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{files: map[string]fakeAttachment{}}
}

func (f *fakeFetcher) add(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[url] = fakeAttachment{data: data}
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[url] = fakeAttachment{err: err}
}

func (f *fakeFetcher) Fetch(_ context.Context, a Attachment, maxSize int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, a.URL)
	file, ok := f.files[a.URL]
	if !ok {
		return nil, fmt.Errorf("no such attachment: %s", a.URL)
	}
	if file.err != nil {
		return nil, file.err
	}
	if int64(len(file.data)) > maxSize {
		return nil, errAttachmentTooLarge
	}
	return file.data, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

// fakeNames resolves display names from a map, falling back to a
// mention.
type fakeNames map[string]string

func (n fakeNames) DisplayName(ctx context.Context, serverID, userID string) string {
	if name, ok := n[userID]; ok {
		return name
	}
	return mentionNameResolver{}.DisplayName(ctx, serverID, userID)
}

func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"keabot"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)},
	)
	if err = errors.Join(
		os.WriteFile(certFile, certPEM, 0600),
		os.WriteFile(keyFile, keyPEM, 0600),
	); err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{name: "short", s: "gold", n: 10, want: "gold"},
		{name: "exact", s: "gold", n: 4, want: "gold"},
		{name: "long", s: "goldfish", n: 4, want: "gold"},
		{name: "multibyte", s: "ĝoldfish", n: 2, want: "ĝo"},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, truncate(tt.s, tt.n))
			},
		)
	}
}

func TestStructToSlogValue_Redacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "super-secret-token"

	var buf safeBuffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("config", "config", cfg)

	assert.NotContains(t, buf.String(), "super-secret-token")
	assert.Contains(t, buf.String(), "[redacted]")
}

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	var buf safeBuffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	func() {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		panic("oh no")
	}()
	assert.Contains(t, buf.String(), "recovered from panic")
	assert.Contains(t, buf.String(), "oh no")
}
