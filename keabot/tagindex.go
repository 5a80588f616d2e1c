package keabot

import (
	"context"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"strings"
)

// TagIndex associates stored media with named tags, per server.
type TagIndex struct {
	db     DBI
	logger *slog.Logger
}

func NewTagIndex(db DBI, logger *slog.Logger) *TagIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &TagIndex{db: db, logger: logger.With(loggerNameKey, "tag_index")}
}

// NormalizeTag trims whitespace and lower-cases the tag name.
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// normalizeTags normalizes each name, dropping empty names and
// duplicates while preserving order.
func normalizeTags(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	tags := make([]string, 0, len(names))
	for _, n := range names {
		tag := NormalizeTag(n)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func ensureTag(tx *gorm.DB, serverID, name string) (uint, error) {
	tag := Tag{Name: name, ServerID: serverID}
	err := tx.Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnName}, {Name: columnServerID}},
			DoNothing: true,
		},
	).Create(&tag).Error
	if err != nil {
		return 0, err
	}

	var existing Tag
	err = tx.Where(
		columnName+" = ? AND "+columnServerID+" = ?",
		name,
		serverID,
	).Take(&existing).Error
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

// attachTags links the media item to each tag. The media item must
// belong to serverID.
func attachTags(tx *gorm.DB, mediaID uint, serverID string, tags []string) error {
	var media Media
	err := tx.Where(
		columnID+" = ? AND "+columnServerID+" = ?",
		mediaID,
		serverID,
	).Take(&media).Error
	if err != nil {
		return err
	}

	for _, name := range tags {
		tagID, err := ensureTag(tx, serverID, name)
		if err != nil {
			return err
		}
		err = tx.Clauses(clause.OnConflict{DoNothing: true}).
			Omit(clause.Associations).
			Create(&MediaTag{MediaID: media.ID, TagID: tagID}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// EnsureTag returns the ID of the named tag in the server, creating it
// if needed.
func (t *TagIndex) EnsureTag(ctx context.Context, serverID, name string) (uint, error) {
	name = NormalizeTag(name)
	if name == "" {
		return 0, newValidationError("tag name can't be empty")
	}
	var tagID uint
	err := t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var e error
			tagID, e = ensureTag(tx, serverID, name)
			return e
		},
	)
	if err != nil {
		return 0, storageError("ensure tag", err)
	}
	return tagID, nil
}

// ListTags returns the server's tag names, sorted.
func (t *TagIndex) ListTags(ctx context.Context, serverID string) ([]string, error) {
	var names []string
	err := t.db.DB().WithContext(ctx).
		Model(&Tag{}).
		Where(columnServerID+" = ?", serverID).
		Order(columnName).
		Pluck(columnName, &names).Error
	if err != nil {
		return nil, storageError("list tags", err)
	}
	return names, nil
}

// Attach links an existing media item to the given tags, creating any
// tags that don't exist. Attaching a tag the item already has is a
// no-op. Returns ErrNotFound if the media item doesn't belong to the
// server.
func (t *TagIndex) Attach(
	ctx context.Context,
	mediaID uint,
	serverID string,
	names []string,
) error {
	tags := normalizeTags(names)
	if len(tags) == 0 {
		return newValidationError("at least one tag is required")
	}
	err := t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return attachTags(tx, mediaID, serverID, tags)
		},
	)
	return storageError("attach tags", err)
}

// AddMedia registers reference in the server, reusing the existing
// media row if the same content was added before, and attaches the
// given tags.
func (t *TagIndex) AddMedia(
	ctx context.Context,
	serverID string,
	reference string,
	names []string,
) (*Media, error) {
	tags := normalizeTags(names)
	if len(tags) == 0 {
		return nil, newValidationError("at least one tag is required")
	}

	var media Media
	err := t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			row := Media{FileReference: reference, ServerID: serverID}
			err := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: columnFileReference},
						{Name: columnServerID},
					},
					DoNothing: true,
				},
			).Create(&row).Error
			if err != nil {
				return err
			}
			err = tx.Where(
				columnFileReference+" = ? AND "+columnServerID+" = ?",
				reference,
				serverID,
			).Take(&media).Error
			if err != nil {
				return err
			}
			return attachTags(tx, media.ID, serverID, tags)
		},
	)
	if err != nil {
		return nil, storageError("add media", err)
	}
	t.logger.InfoContext(
		ctx,
		"added media",
		"server_id", serverID,
		"reference", reference,
		"tags", tags,
	)
	return &media, nil
}

// MediaTags returns the names of the tags attached to the media item.
func (t *TagIndex) MediaTags(ctx context.Context, mediaID uint) ([]string, error) {
	var names []string
	err := t.db.DB().WithContext(ctx).
		Model(&Tag{}).
		Joins("JOIN media_tag ON media_tag.tag_id = tag.id").
		Where("media_tag.media_id = ?", mediaID).
		Order("tag.name").
		Pluck("tag.name", &names).Error
	if err != nil {
		return nil, storageError("media tags", err)
	}
	return names, nil
}

// CountMedia returns the number of media items with the tag.
func (t *TagIndex) CountMedia(ctx context.Context, serverID, name string) (int64, error) {
	var count int64
	err := t.db.DB().WithContext(ctx).
		Model(&MediaTag{}).
		Joins("JOIN tag ON tag.id = media_tag.tag_id").
		Where("tag.server_id = ? AND tag.name = ?", serverID, NormalizeTag(name)).
		Count(&count).Error
	if err != nil {
		return 0, storageError("count media", err)
	}
	return count, nil
}
