package keabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"mime"
	"path/filepath"
	"strings"
)

const (
	maxEmbedDescription  = 4096
	imageNotFoundMessage = "An image could not be found for that tag."
	noTagsMessage        = "There are no tags registered in this server"

	mediaResultAdded    = "added"
	mediaResultRejected = "rejected"
	mediaResultFailed   = "failed"
)

// fetchedAttachment is the outcome of admitting and downloading one
// attachment. Exactly one of data and skip is set once fetched.
type fetchedAttachment struct {
	attachment Attachment
	data       []byte
	skip       string
}

// addImageCommand stores each attached file and tags it with every
// argument. Attachments that fail admission are skipped with a note in
// the reply; the rest are still added.
func (d *Dispatcher) addImageCommand(ctx context.Context, cmd CommandInvoked) (*Reply, error) {
	logger := contextLoggerOr(ctx, d.logger)

	tags := normalizeTags(cmd.Args)
	if len(tags) == 0 {
		return nil, newValidationError(
			"Usage: %s%s <tag...> with one or more attachments",
			d.discordConfig.CommandPrefix,
			commandAddImage,
		)
	}
	if len(cmd.Attachments) == 0 {
		return nil, newValidationError("Attach at least one file to add")
	}
	if len(cmd.Attachments) > d.mediaConfig.MaxAttachments {
		d.metrics.observeMedia(mediaResultRejected)
		return nil, newValidationError(
			"Too many attachments (%d), the limit is %d",
			len(cmd.Attachments),
			d.mediaConfig.MaxAttachments,
		)
	}

	results := make([]*fetchedAttachment, len(cmd.Attachments))
	for i, a := range cmd.Attachments {
		results[i] = &fetchedAttachment{attachment: a, skip: d.admit(a)}
	}

	d.fetchAttachments(ctx, results)

	lines := make([]string, 0, len(results))
	for _, r := range results {
		filename := r.attachment.Filename
		if r.skip != "" {
			d.metrics.observeMedia(mediaResultRejected)
			lines = append(lines, r.skip)
			continue
		}

		reference, err := d.media.Put(r.data, attachmentExtension(r.attachment))
		if err != nil {
			var validationErr *ValidationError
			if errors.As(err, &validationErr) {
				d.metrics.observeMedia(mediaResultRejected)
				lines = append(
					lines,
					fmt.Sprintf("%s doesn't have a usable file extension. Skipping", filename),
				)
				continue
			}
			d.metrics.observeMedia(mediaResultFailed)
			return nil, err
		}

		if _, err = d.tags.AddMedia(ctx, cmd.ServerID, reference, tags); err != nil {
			d.metrics.observeMedia(mediaResultFailed)
			return nil, err
		}
		d.metrics.observeMedia(mediaResultAdded)
		logger.InfoContext(
			ctx,
			"attachment added",
			"filename", filename,
			"reference", reference,
			"tags", tags,
		)
		lines = append(lines, fmt.Sprintf("%s added to %s", filename, strings.Join(tags, ", ")))
	}
	return textReply(truncate(strings.Join(lines, "\n"), maxMessageLength)), nil
}

// admit returns the reason the attachment is rejected, or an empty
// string if it's accepted.
func (d *Dispatcher) admit(a Attachment) string {
	if a.ContentType == "" {
		return fmt.Sprintf("%s does not have a content type. Skipping for safety", a.Filename)
	}
	if !allowedMediaType(a.ContentType, d.mediaConfig.AllowedTypes) {
		return fmt.Sprintf(
			"%s does not appear to be a supported type (%s). Skipping",
			a.Filename,
			a.ContentType,
		)
	}
	if a.Size > d.mediaConfig.MaxAttachmentSize {
		return tooLargeMessage(a.Filename, d.mediaConfig.MaxAttachmentSize)
	}
	return ""
}

// allowedMediaType reports whether the major type of contentType
// ("image" for "image/png") is one of allowed.
func allowedMediaType(contentType string, allowed []string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	major, _, _ := strings.Cut(mediaType, "/")
	for _, t := range allowed {
		if strings.EqualFold(major, t) {
			return true
		}
	}
	return false
}

func tooLargeMessage(filename string, maxSize int64) string {
	return fmt.Sprintf(
		"%s is larger than the %d MB limit. Skipping",
		filename,
		maxSize/(1024*1024),
	)
}

// fetchAttachments downloads every admitted attachment, at most
// DownloadConcurrency at a time, within DownloadTimeout overall.
// Failed downloads are marked as skipped.
func (d *Dispatcher) fetchAttachments(ctx context.Context, results []*fetchedAttachment) {
	logger := contextLoggerOr(ctx, d.logger)
	ctx, cancel := context.WithTimeout(ctx, d.mediaConfig.DownloadTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(d.mediaConfig.DownloadConcurrency)
	for _, r := range results {
		r := r
		if r.skip != "" {
			continue
		}
		g.Go(
			func() error {
				data, err := d.fetcher.Fetch(ctx, r.attachment, d.mediaConfig.MaxAttachmentSize)
				switch {
				case errors.Is(err, errAttachmentTooLarge):
					r.skip = tooLargeMessage(r.attachment.Filename, d.mediaConfig.MaxAttachmentSize)
				case err != nil:
					logger.WarnContext(
						ctx,
						"error downloading attachment",
						"filename", r.attachment.Filename,
						tint.Err(err),
					)
					r.skip = fmt.Sprintf("%s could not be downloaded. Skipping", r.attachment.Filename)
				default:
					r.data = data
				}
				return nil
			},
		)
	}
	_ = g.Wait()
}

// attachmentExtension returns the extension of the attachment's
// filename, falling back to the subtype of its content type.
func attachmentExtension(a Attachment) string {
	if ext := NormalizeExtension(filepath.Ext(a.Filename)); ext != "" {
		return ext
	}
	mediaType, _, err := mime.ParseMediaType(a.ContentType)
	if err != nil {
		return ""
	}
	_, subtype, _ := strings.Cut(mediaType, "/")
	subtype, _, _ = strings.Cut(subtype, "+")
	return subtype
}

// tagsCommand lists the server's tags.
func (d *Dispatcher) tagsCommand(ctx context.Context, cmd CommandInvoked) (*Reply, error) {
	tags, err := d.tags.ListTags(ctx, cmd.ServerID)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return textReply(noTagsMessage), nil
	}
	return &Reply{
		Embed: &Embed{
			Title:       "Tags",
			Description: truncate(strings.Join(tags, "\n"), maxEmbedDescription),
		},
	}, nil
}

// postImageCommand replies with a random file for the tag.
func (d *Dispatcher) postImageCommand(ctx context.Context, cmd CommandInvoked) (*Reply, error) {
	if len(cmd.Args) == 0 || NormalizeTag(cmd.Args[0]) == "" {
		return nil, newValidationError(
			"Usage: %s%s <tag>",
			d.discordConfig.CommandPrefix,
			commandPostImage,
		)
	}
	tag := NormalizeTag(cmd.Args[0])

	reference, found, err := d.selector.PickRandom(ctx, cmd.ServerID, tag)
	if err != nil {
		return nil, err
	}
	if !found {
		return textReply(imageNotFoundMessage), nil
	}

	path, err := d.media.Resolve(reference)
	if err != nil {
		if isNotFound(err) {
			contextLoggerOr(ctx, d.logger).WarnContext(
				ctx,
				"media file missing",
				"reference", reference,
				"tag", tag,
			)
			return textReply(imageNotFoundMessage), nil
		}
		return nil, err
	}
	return &Reply{File: path}, nil
}
