package keabot

import (
	"context"
	"errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"sort"
)

// Ledger maintains the score, given and self counters for each user
// in each server.
//
// Rows are created lazily with zeroed counters the first time a user is
// seen, and every adjustment is a single `col = col + ?` update inside
// the same transaction as the row creation, so concurrent adjustments
// to the same row never lose updates.
// Counters have no floor or ceiling.
type Ledger struct {
	db     DBI
	logger *slog.Logger
}

func NewLedger(db DBI, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger.With(loggerNameKey, "ledger")}
}

// counterAdjustment is a pending change to one counter of one user.
type counterAdjustment struct {
	userID string
	column string
	delta  int64
}

// getOrCreateUserScore inserts a zeroed row for the user if there isn't
// one already, then fetches the row.
func getOrCreateUserScore(tx *gorm.DB, serverID, userID string) (*UserScore, error) {
	row := UserScore{ServerID: serverID, UserID: userID}
	err := tx.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: columnServerID},
				{Name: columnUserID},
			},
			DoNothing: true,
		},
	).Create(&row).Error
	if err != nil {
		return nil, err
	}

	var existing UserScore
	err = tx.Where(
		columnServerID+" = ? AND "+columnUserID+" = ?",
		serverID,
		userID,
	).Take(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func adjustCounter(tx *gorm.DB, serverID string, adj counterAdjustment) error {
	row, err := getOrCreateUserScore(tx, serverID, adj.userID)
	if err != nil {
		return err
	}
	return tx.Model(&UserScore{}).
		Where(columnID+" = ?", row.ID).
		Update(
			adj.column,
			gorm.Expr("? + ?", clause.Column{Name: adj.column}, adj.delta),
		).Error
}

// applyAdjustments applies all adjustments in one transaction. Rows are
// touched in user ID order so two transactions updating the same pair
// of users lock them in the same order.
func (l *Ledger) applyAdjustments(
	ctx context.Context,
	op string,
	serverID string,
	adjustments ...counterAdjustment,
) error {
	sort.SliceStable(
		adjustments, func(i, j int) bool {
			return adjustments[i].userID < adjustments[j].userID
		},
	)
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, adj := range adjustments {
				if err := adjustCounter(tx, serverID, adj); err != nil {
					return err
				}
			}
			return nil
		},
	)
	return storageError(op, err)
}

// GetOrCreate returns the user's row, creating it with zeroed counters
// if it doesn't exist.
func (l *Ledger) GetOrCreate(ctx context.Context, serverID, userID string) (*UserScore, error) {
	var row *UserScore
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var e error
			row, e = getOrCreateUserScore(tx, serverID, userID)
			return e
		},
	)
	if err != nil {
		return nil, storageError("get or create user score", err)
	}
	return row, nil
}

// GetScore returns the user's score. The user's row exists once this
// returns without error.
func (l *Ledger) GetScore(ctx context.Context, serverID, userID string) (int64, error) {
	row, err := l.GetOrCreate(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	return row.Score, nil
}

// Lookup returns the user's row without creating it, or ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, serverID, userID string) (*UserScore, error) {
	var row UserScore
	err := l.db.DB().WithContext(ctx).Where(
		columnServerID+" = ? AND "+columnUserID+" = ?",
		serverID,
		userID,
	).Take(&row).Error
	if err != nil {
		return nil, storageError("lookup user score", err)
	}
	return &row, nil
}

func (l *Ledger) IncrementScore(ctx context.Context, serverID, userID string) error {
	return l.applyAdjustments(
		ctx, "increment score", serverID,
		counterAdjustment{userID: userID, column: columnScore, delta: 1},
	)
}

func (l *Ledger) DecrementScore(ctx context.Context, serverID, userID string) error {
	return l.applyAdjustments(
		ctx, "decrement score", serverID,
		counterAdjustment{userID: userID, column: columnScore, delta: -1},
	)
}

func (l *Ledger) IncrementGiven(ctx context.Context, serverID, userID string) error {
	return l.applyAdjustments(
		ctx, "increment given", serverID,
		counterAdjustment{userID: userID, column: columnGiven, delta: 1},
	)
}

func (l *Ledger) DecrementGiven(ctx context.Context, serverID, userID string) error {
	return l.applyAdjustments(
		ctx, "decrement given", serverID,
		counterAdjustment{userID: userID, column: columnGiven, delta: -1},
	)
}

func (l *Ledger) IncrementSelf(ctx context.Context, serverID, userID string) error {
	return l.applyAdjustments(
		ctx, "increment self", serverID,
		counterAdjustment{userID: userID, column: columnSelf, delta: 1},
	)
}

func (l *Ledger) DecrementSelf(ctx context.Context, serverID, userID string) error {
	return l.applyAdjustments(
		ctx, "decrement self", serverID,
		counterAdjustment{userID: userID, column: columnSelf, delta: -1},
	)
}

// RecordGift applies a gold reaction from gifter to receiver. delta is
// 1 for an added reaction and -1 for a removed one.
//
// When gifter and receiver are the same user, only self changes.
// Otherwise the receiver's score and the gifter's given change together,
// in a single transaction.
func (l *Ledger) RecordGift(
	ctx context.Context,
	serverID string,
	gifterID string,
	receiverID string,
	delta int64,
) error {
	if delta != 1 && delta != -1 {
		return newValidationError("invalid gift delta: %d", delta)
	}
	if gifterID == receiverID {
		return l.applyAdjustments(
			ctx, "record self gift", serverID,
			counterAdjustment{userID: gifterID, column: columnSelf, delta: delta},
		)
	}
	return l.applyAdjustments(
		ctx, "record gift", serverID,
		counterAdjustment{userID: receiverID, column: columnScore, delta: delta},
		counterAdjustment{userID: gifterID, column: columnGiven, delta: delta},
	)
}

// TopScores returns up to limit rows for the server, ordered by score
// descending. Ties are broken by row creation order. A limit below 1
// uses DefaultLeaderboardSize.
func (l *Ledger) TopScores(ctx context.Context, serverID string, limit int) ([]UserScore, error) {
	if limit < 1 {
		limit = DefaultLeaderboardSize
	}
	var rows []UserScore
	err := l.db.DB().WithContext(ctx).
		Where(columnServerID+" = ?", serverID).
		Order(columnScore + " DESC").
		Order(columnID + " ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageError("top scores", err)
	}
	return rows, nil
}

// SetCounters overwrites the user's counters with absolute values,
// creating the row if needed.
func (l *Ledger) SetCounters(
	ctx context.Context,
	serverID string,
	userID string,
	score, given, self int64,
) error {
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			row, err := getOrCreateUserScore(tx, serverID, userID)
			if err != nil {
				return err
			}
			return tx.Model(&UserScore{}).
				Where(columnID+" = ?", row.ID).
				Updates(
					map[string]any{
						columnScore: score,
						columnGiven: given,
						columnSelf:  self,
					},
				).Error
		},
	)
	return storageError("set counters", err)
}

// isNotFound reports whether err means a lookup found nothing.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
