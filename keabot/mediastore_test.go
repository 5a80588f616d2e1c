package keabot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestMediaStore(t testing.TB) *MediaStore {
	t.Helper()
	m, err := NewMediaStore(filepath.Join(t.TempDir(), "images"), testLogger(t))
	require.NoError(t, err)
	return m
}

func TestNormalizeExtension(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ext  string
		want string
	}{
		{ext: ".png", want: "png"},
		{ext: "PNG", want: "png"},
		{ext: " .JpEg ", want: "jpeg"},
		{ext: ".tar.gz", want: "targz"},
		{ext: "../../etc", want: "etc"},
		{ext: ".pñg", want: "pg"},
		{ext: "", want: ""},
		{ext: ".", want: ""},
		{ext: ".abcdefghijklmnopqrstuvwxyz", want: "abcdefghijklmnop"},
	}
	for _, tt := range tests {
		t.Run(
			tt.ext, func(t *testing.T) {
				assert.Equal(t, tt.want, NormalizeExtension(tt.ext))
			},
		)
	}
}

func TestMediaReference(t *testing.T) {
	t.Parallel()
	sum := sha256.Sum256(pngData)
	ref, err := MediaReference(pngData, ".PNG")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:])+".png", ref)
	assert.Regexp(t, mediaReferencePattern, ref)

	_, err = MediaReference(pngData, "")
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestMediaStore_PutDeduplicates(t *testing.T) {
	t.Parallel()
	m := newTestMediaStore(t)

	first, err := m.Put(pngData, "png")
	require.NoError(t, err)
	second, err := m.Put(append([]byte(nil), pngData...), ".png")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first, entries[0].Name())

	got, err := os.ReadFile(filepath.Join(m.Dir(), first))
	require.NoError(t, err)
	assert.Equal(t, pngData, got)

	// same content with another extension is another file
	third, err := m.Put(pngData, "gif")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestMediaStore_ConcurrentPut(t *testing.T) {
	t.Parallel()
	m := newTestMediaStore(t)

	const n = 20
	refs := make(chan string, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := m.Put(pngData, "png")
			assert.NoError(t, err)
			refs <- ref
		}()
	}
	wg.Wait()
	close(refs)

	seen := map[string]struct{}{}
	for ref := range refs {
		seen[ref] = struct{}{}
	}
	assert.Len(t, seen, 1)

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestMediaStore_Resolve(t *testing.T) {
	t.Parallel()
	m := newTestMediaStore(t)

	ref, err := m.Put(pngData, "png")
	require.NoError(t, err)

	path, err := m.Resolve(ref)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Dir(), ref), path)
	assert.True(t, filepath.IsAbs(path))

	missing, err := MediaReference([]byte("nothing here"), "png")
	require.NoError(t, err)
	_, err = m.Resolve(missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMediaStore_ResolveRejectsTraversal(t *testing.T) {
	t.Parallel()
	m := newTestMediaStore(t)

	outside := filepath.Join(filepath.Dir(m.Dir()), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0600))

	for _, ref := range []string{
		"../secret.txt",
		"..",
		"",
		"/etc/passwd",
		"secret.txt",
		"ABCDEF.png",
		filepath.Join("sub", "file.png"),
	} {
		t.Run(
			ref, func(t *testing.T) {
				_, err := m.Resolve(ref)
				assert.ErrorIs(t, err, ErrNotFound)
			},
		)
	}
}

func TestMediaStore_ResolveDirectory(t *testing.T) {
	t.Parallel()
	m := newTestMediaStore(t)

	ref, err := MediaReference([]byte("dir"), "png")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(m.Dir(), ref), 0755))

	_, err = m.Resolve(ref)
	assert.ErrorIs(t, err, ErrNotFound)
}
