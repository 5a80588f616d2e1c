package keabot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
)

// sniffLength is the number of bytes http.DetectContentType considers.
const sniffLength = 512

// LegacyScore is one user's counters in a legacy score file.
type LegacyScore struct {
	Score int64  `json:"score"`
	Given int64  `json:"given"`
	Self  int64  `json:"self"`
	Name  string `json:"name,omitempty"`
}

// LegacyScores maps server ID to user ID to that user's counters, the
// layout of the bot's old JSON score file.
type LegacyScores map[string]map[string]LegacyScore

// ImportResult summarizes an import.
type ImportResult struct {
	Servers int `json:"servers"`
	Users   int `json:"users"`
	Files   int `json:"files"`
	Skipped int `json:"skipped"`
}

func (r ImportResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("servers", r.Servers),
		slog.Int("users", r.Users),
		slog.Int("files", r.Files),
		slog.Int("skipped", r.Skipped),
	)
}

// ParseLegacyScores decodes a legacy score file.
func ParseLegacyScores(r io.Reader) (LegacyScores, error) {
	var scores LegacyScores
	dec := json.NewDecoder(r)
	if err := dec.Decode(&scores); err != nil {
		return nil, fmt.Errorf("error decoding legacy scores: %w", err)
	}
	for serverID, users := range scores {
		if serverID == "" {
			return nil, newValidationError("legacy scores contain an empty server ID")
		}
		for userID := range users {
			if userID == "" {
				return nil, newValidationError(
					"legacy scores for server %s contain an empty user ID",
					serverID,
				)
			}
		}
	}
	return scores, nil
}

// ImportLegacyScores overwrites the counters of every user in scores.
// Servers and users are imported in sorted order, each user in its own
// transaction, stopping at the first error.
func ImportLegacyScores(
	ctx context.Context,
	ledger *Ledger,
	scores LegacyScores,
) (ImportResult, error) {
	logger := contextLoggerOr(ctx, ledger.logger)
	var result ImportResult

	servers := make([]string, 0, len(scores))
	for serverID := range scores {
		servers = append(servers, serverID)
	}
	slices.Sort(servers)

	for _, serverID := range servers {
		users := make([]string, 0, len(scores[serverID]))
		for userID := range scores[serverID] {
			users = append(users, userID)
		}
		slices.Sort(users)

		for _, userID := range users {
			s := scores[serverID][userID]
			if err := ledger.SetCounters(
				ctx,
				serverID,
				userID,
				s.Score,
				s.Given,
				s.Self,
			); err != nil {
				return result, err
			}
			result.Users++
		}
		result.Servers++
		logger.InfoContext(ctx, "imported legacy scores", "server_id", serverID, "users", len(users))
	}
	return result, nil
}

// ImportMediaDirectory adds the files in each subdirectory of dir to
// the store, tagged with the subdirectory's name, for the given server.
// Files that aren't one of allowedTypes, or are larger than maxSize,
// are skipped.
func ImportMediaDirectory(
	ctx context.Context,
	store *Store,
	serverID string,
	dir string,
	allowedTypes []string,
	maxSize int64,
) (ImportResult, error) {
	logger := contextLoggerOr(ctx, store.Media.logger)
	var result ImportResult

	if serverID == "" {
		return result, newValidationError("a server ID is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return result, fmt.Errorf("error reading import directory: %w", err)
	}

	for _, tagDir := range entries {
		if !tagDir.IsDir() {
			continue
		}
		tag := NormalizeTag(tagDir.Name())
		if tag == "" {
			continue
		}

		files, err := os.ReadDir(filepath.Join(dir, tagDir.Name()))
		if err != nil {
			return result, fmt.Errorf("error reading tag directory: %w", err)
		}
		for _, f := range files {
			if err = ctx.Err(); err != nil {
				return result, err
			}
			if !f.Type().IsRegular() {
				continue
			}
			path := filepath.Join(dir, tagDir.Name(), f.Name())
			added, importErr := importMediaFile(ctx, store, serverID, tag, path, allowedTypes, maxSize)
			var validationErr *ValidationError
			switch {
			case errors.As(importErr, &validationErr):
				logger.WarnContext(ctx, "skipping file", "path", path, "reason", validationErr.Message)
				result.Skipped++
			case importErr != nil:
				return result, importErr
			case added:
				result.Files++
			}
		}
	}
	result.Servers = 1
	logger.InfoContext(ctx, "imported media directory", "dir", dir, "result", result)
	return result, nil
}

func importMediaFile(
	ctx context.Context,
	store *Store,
	serverID string,
	tag string,
	path string,
	allowedTypes []string,
	maxSize int64,
) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("error reading %s: %w", path, err)
	}
	if info.Size() > maxSize {
		return false, newValidationError("larger than %d bytes", maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("error reading %s: %w", path, err)
	}

	contentType := detectContentType(path, data)
	if !allowedMediaType(contentType, allowedTypes) {
		return false, newValidationError("unsupported type %s", contentType)
	}

	reference, err := store.Media.Put(data, filepath.Ext(path))
	if err != nil {
		return false, err
	}
	if _, err = store.Tags.AddMedia(ctx, serverID, reference, []string{tag}); err != nil {
		return false, err
	}
	contextLoggerOr(ctx, store.Media.logger).DebugContext(
		ctx,
		"imported file",
		"path", path,
		"reference", reference,
		"tag", tag,
	)
	return true, nil
}

// detectContentType guesses from the file extension first, then from
// the content itself.
func detectContentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	if len(data) > sniffLength {
		data = data[:sniffLength]
	}
	return http.DetectContentType(data)
}
