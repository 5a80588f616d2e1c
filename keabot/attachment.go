package keabot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
)

// AttachmentFetcher downloads the content of a message attachment.
type AttachmentFetcher interface {
	// Fetch returns the attachment's content. If it's larger than
	// maxSize bytes, Fetch stops reading and returns errAttachmentTooLarge.
	Fetch(ctx context.Context, a Attachment, maxSize int64) ([]byte, error)
}

// MemberNameResolver looks up the name to show for a user in a server.
type MemberNameResolver interface {
	DisplayName(ctx context.Context, serverID, userID string) string
}

// httpAttachmentFetcher downloads attachments from their CDN URL.
type httpAttachmentFetcher struct {
	client *http.Client
	logger *slog.Logger
}

func newHTTPAttachmentFetcher(client *http.Client, logger *slog.Logger) *httpAttachmentFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &httpAttachmentFetcher{
		client: client,
		logger: logger.With(loggerNameKey, "attachment_fetcher"),
	}
}

func (f *httpAttachmentFetcher) Fetch(
	ctx context.Context,
	a Attachment,
	maxSize int64,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating attachment request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading attachment: %w", err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil {
			f.logger.WarnContext(ctx, "error closing response body", tint.Err(e))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"error downloading attachment %q: unexpected status %s",
			a.Filename,
			resp.Status,
		)
	}
	if resp.ContentLength > maxSize {
		return nil, errAttachmentTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading attachment: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, errAttachmentTooLarge
	}
	return data, nil
}

// mentionNameResolver renders users as mentions, for when no member
// lookup is available.
type mentionNameResolver struct{}

func (mentionNameResolver) DisplayName(_ context.Context, _ string, userID string) string {
	return "<@" + userID + ">"
}
