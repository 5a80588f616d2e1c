package keabot

import (
	"context"
	"fmt"
)

// isGold reports whether the emoji is the configured gold emoji. Only
// custom emoji (with an ID) count, so a unicode emoji that happens to
// have the same name doesn't.
func (d *Dispatcher) isGold(e Emoji) bool {
	return e.ID != "" && e.Name == d.discordConfig.GoldEmoji
}

func (d *Dispatcher) handleReactionAdded(ctx context.Context, event Event) (*Reply, error) {
	var r Reaction
	switch e := event.(type) {
	case ReactionAdded:
		r = e.Reaction
	case *ReactionAdded:
		r = e.Reaction
	default:
		return nil, fmt.Errorf("unexpected reaction event type: %T", event)
	}
	return nil, d.applyGold(ctx, EventReactionAdded, r, 1)
}

func (d *Dispatcher) handleReactionRemoved(ctx context.Context, event Event) (*Reply, error) {
	var r Reaction
	switch e := event.(type) {
	case ReactionRemoved:
		r = e.Reaction
	case *ReactionRemoved:
		r = e.Reaction
	default:
		return nil, fmt.Errorf("unexpected reaction event type: %T", event)
	}
	return nil, d.applyGold(ctx, EventReactionRemoved, r, -1)
}

// applyGold updates the ledger for a gold reaction. Reactions with any
// other emoji are ignored without touching storage.
//
// Removing a reaction that was never counted still decrements, which
// can leave counters below zero.
func (d *Dispatcher) applyGold(
	ctx context.Context,
	kind EventKind,
	r Reaction,
	delta int64,
) error {
	if !d.isGold(r.Emoji) {
		return nil
	}
	if r.ServerID == "" || r.ReactorID == "" || r.MessageAuthorID == "" {
		return newValidationError("incomplete gold reaction: %v", r)
	}

	self := r.ReactorID == r.MessageAuthorID
	if err := d.ledger.RecordGift(
		ctx,
		r.ServerID,
		r.ReactorID,
		r.MessageAuthorID,
		delta,
	); err != nil {
		return err
	}

	d.metrics.observeGold(kind, self)
	contextLoggerOr(ctx, d.logger).InfoContext(
		ctx,
		"gold reaction recorded",
		"gifter", r.ReactorID,
		"receiver", r.MessageAuthorID,
		"self", self,
		"delta", delta,
		"message_id", r.MessageID,
	)
	return nil
}
