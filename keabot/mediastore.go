package keabot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"golang.org/x/sync/singleflight"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

const maxExtensionLength = 16

var mediaReferencePattern = regexp.MustCompile(`^[0-9a-f]{64}\.[a-z0-9]{1,16}$`)

// MediaStore is a flat directory of files named by the SHA-256 of their
// content plus an extension. Identical content always maps to the same
// file, so storing it twice writes it once.
type MediaStore struct {
	dir    string
	writes singleflight.Group
	logger *slog.Logger
}

// NewMediaStore returns a MediaStore rooted at dir, creating the
// directory if needed.
func NewMediaStore(dir string, logger *slog.Logger) (*MediaStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("error resolving media directory: %w", err)
	}
	if err = os.MkdirAll(absDir, 0755); err != nil {
		return nil, &StorageError{Op: "create media directory", Err: err}
	}
	return &MediaStore{
		dir:    absDir,
		logger: logger.With(loggerNameKey, "media_store"),
	}, nil
}

// Dir returns the absolute path of the store's directory.
func (m *MediaStore) Dir() string {
	return m.dir
}

// NormalizeExtension lower-cases ext, strips a leading dot and drops any
// character that isn't a letter or digit. Returns an empty string if
// nothing usable is left.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	var b strings.Builder
	for _, r := range ext {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return truncate(b.String(), maxExtensionLength)
}

// MediaReference returns the reference data would be stored under.
func MediaReference(data []byte, ext string) (string, error) {
	normalized := NormalizeExtension(ext)
	if normalized == "" {
		return "", newValidationError("invalid file extension: %q", ext)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + "." + normalized, nil
}

// Put stores data and returns its reference. If a file with the same
// reference already exists, nothing is written.
func (m *MediaStore) Put(data []byte, ext string) (string, error) {
	reference, err := MediaReference(data, ext)
	if err != nil {
		return "", err
	}

	_, err, shared := m.writes.Do(
		reference, func() (any, error) {
			return nil, m.write(reference, data)
		},
	)
	if err != nil {
		return "", &StorageError{Op: "put media", Err: err}
	}
	m.logger.Debug(
		"stored media",
		"reference", reference,
		"size", len(data),
		"shared", shared,
	)
	return reference, nil
}

func (m *MediaStore) write(reference string, data []byte) error {
	target := filepath.Join(m.dir, reference)
	if _, err := os.Stat(target); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	tmp, err := os.CreateTemp(m.dir, "."+reference+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	err = errors.Join(err, tmp.Sync(), tmp.Close())
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Resolve returns the absolute path of the file for reference, or
// ErrNotFound. References that aren't of the form <sha256>.<ext> are
// never found.
func (m *MediaStore) Resolve(reference string) (string, error) {
	if !mediaReferencePattern.MatchString(reference) {
		return "", fmt.Errorf("invalid media reference %q: %w", reference, ErrNotFound)
	}
	target := filepath.Join(m.dir, reference)
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("media %q: %w", reference, ErrNotFound)
		}
		return "", &StorageError{Op: "resolve media", Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("media %q: %w", reference, ErrNotFound)
	}
	return target, nil
}
