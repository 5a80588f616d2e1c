package keabot

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

var userMentionPattern = regexp.MustCompile(`^<@!?(\d+)>$|^(\d+)$`)

// leaderboardCommand replies with the top scores in the server. The
// optional argument sets the number of entries, up to MaxLeaderboardSize.
func (d *Dispatcher) leaderboardCommand(ctx context.Context, cmd CommandInvoked) (*Reply, error) {
	limit := DefaultLeaderboardSize
	if len(cmd.Args) > 0 {
		n, err := strconv.Atoi(cmd.Args[0])
		if err != nil || n < 1 {
			return nil, newValidationError(
				"Leaderboard size must be a number between 1 and %d",
				MaxLeaderboardSize,
			)
		}
		limit = min(n, MaxLeaderboardSize)
	}

	rows, err := d.ledger.TopScores(ctx, cmd.ServerID, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return textReply("There are no scores in this server yet"), nil
	}

	embed := &Embed{Title: "Scoreboard", Fields: make([]EmbedField, 0, len(rows))}
	for i, row := range rows {
		name := d.names.DisplayName(ctx, cmd.ServerID, row.UserID)
		embed.Fields = append(
			embed.Fields,
			EmbedField{
				Name:  fmt.Sprintf("%d.", i+1),
				Value: fmt.Sprintf("%s: %d", name, row.Score),
			},
		)
	}
	return &Reply{Embed: embed}, nil
}

// scoreCommand replies with the score of the mentioned user, or the
// invoking user if nobody is mentioned.
func (d *Dispatcher) scoreCommand(ctx context.Context, cmd CommandInvoked) (*Reply, error) {
	target := cmd.UserID
	switch {
	case len(cmd.Mentions) > 0:
		target = cmd.Mentions[0]
	case len(cmd.Args) > 0:
		userID, ok := parseUserArg(cmd.Args[0])
		if !ok {
			return nil, newValidationError("I don't know who %q is", truncate(cmd.Args[0], 100))
		}
		target = userID
	}

	score, err := d.ledger.GetScore(ctx, cmd.ServerID, target)
	if err != nil {
		return nil, err
	}
	if target == cmd.UserID {
		return textReplyf("Your score is: %d", score), nil
	}
	name := d.names.DisplayName(ctx, cmd.ServerID, target)
	return textReplyf("%s's score is: %d", name, score), nil
}

// parseUserArg accepts a user mention (<@id> or <@!id>) or a bare user ID.
func parseUserArg(arg string) (string, bool) {
	m := userMentionPattern.FindStringSubmatch(arg)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}
