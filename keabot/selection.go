package keabot

import (
	"context"
	"log/slog"
)

// Selector picks media at random from a tag.
type Selector struct {
	db     DBI
	logger *slog.Logger
}

func NewSelector(db DBI, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{db: db, logger: logger.With(loggerNameKey, "selector")}
}

// PickRandom returns the reference of a media item chosen uniformly at
// random from those currently tagged with tag in the server. found is
// false if nothing has the tag.
func (s *Selector) PickRandom(
	ctx context.Context,
	serverID string,
	tag string,
) (reference string, found bool, err error) {
	var refs []string
	err = s.db.DB().WithContext(ctx).
		Model(&Media{}).
		Joins("JOIN media_tag ON media_tag.media_id = media.id").
		Joins("JOIN tag ON tag.id = media_tag.tag_id").
		Where(
			"media.server_id = ? AND tag.server_id = ? AND tag.name = ?",
			serverID,
			serverID,
			NormalizeTag(tag),
		).
		Order("RANDOM()").
		Limit(1).
		Pluck("media.file_reference", &refs).Error
	if err != nil {
		return "", false, storageError("pick random media", err)
	}
	if len(refs) == 0 {
		s.logger.DebugContext(
			ctx,
			"no media for tag",
			"server_id", serverID,
			"tag", tag,
		)
		return "", false, nil
	}
	return refs[0], true, nil
}
