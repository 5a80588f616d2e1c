package keabot

import (
	"context"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(
		t, func() {
			m.observeEvent(EventCommandInvoked, outcomeOK, 0)
			m.observeCommand(commandScore)
			m.observeGold(EventReactionAdded, false)
			m.observeMedia(mediaResultAdded)
			m.observeAPIRequest("GET", "/", 200)
			m.setGatewayConnected(true)
		},
	)
}

func TestMetrics_DispatchOutcomes(t *testing.T) {
	t.Parallel()
	f := newTestDispatcher(t)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, command("u1", commandScore))
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, command("u1", commandLeaderboard, "zero"))
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, command("u1", "unknown"))
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, ReactionAdded{Reaction: goldReaction("u1", "u2")})
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, ReactionAdded{Reaction: goldReaction("u1", "u1")})
	require.NoError(t, err)

	m := f.metrics
	cmd := string(EventCommandInvoked)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(cmd, outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(cmd, outcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(cmd, outcomeIgnored)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(string(EventReactionAdded), outcomeIgnored)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues(commandScore)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gold.WithLabelValues("gift", string(EventReactionAdded))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gold.WithLabelValues("self", string(EventReactionAdded))))
}

func TestMetrics_Gateway(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.setGatewayConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayConnected))
	m.setGatewayConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.gatewayConnected))

	n, err := testutil.GatherAndCount(m.Registry(), "keabot_gateway_connected")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
