package keabot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
	os.Exit(m.Run())
}

// New replaces the default slog logger and discordgo's logger, so
// tests calling it don't run in parallel.

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_MissingConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Media = nil
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestKeabot_RunInvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	err = k.Run(context.Background())
	assert.Error(t, err)
	assert.Nil(t, k.Store())
}

func TestKeabot_Run(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.CustomStatus = "hoarding gold"
	cfg.API.Enabled = true

	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	session := newMockDiscordSession()
	k.discord.session = session

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- k.Run(ctx)
	}()

	select {
	case <-k.Ready():
	case err = <-runErr:
		t.Fatalf("run exited before ready: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready")
	}

	require.NotNil(t, k.Store())
	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Equal(t, cfg.Discord.GatewayIntents, session.intents)
	session.mu.Unlock()
	require.Eventually(
		t, func() bool {
			session.mu.Lock()
			defer session.mu.Unlock()
			return session.status == "hoarding gold"
		}, 5*time.Second, 10*time.Millisecond,
	)

	session.emit(&discordgo.MessageCreate{Message: gatewayMessage("u1", "!score")})
	require.Eventually(
		t, func() bool {
			return len(session.sentMessages()) == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	sent := session.sentMessages()[0]
	assert.Equal(t, testChannelID, sent.channelID)
	assert.Equal(t, "Your score is: 0", sent.message.Content)

	score, err := k.Store().Ledger.GetScore(ctx, testServerID, "u1")
	require.NoError(t, err)
	assert.Zero(t, score)

	cancel()
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	session.mu.Lock()
	assert.True(t, session.closed)
	session.mu.Unlock()
	assert.Nil(t, k.Store())
	assert.Equal(t, 0, session.handlerCount())
}

func TestKeabot_Stop(t *testing.T) {
	cfg := DefaultTestConfig(t)
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	session := newMockDiscordSession()
	k.discord.session = session

	runErr := make(chan error, 1)
	go func() {
		runErr <- k.Run(context.Background())
	}()

	select {
	case <-k.Ready():
	case err = <-runErr:
		t.Fatalf("run exited before ready: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready")
	}

	k.Stop()
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.Nil(t, k.Store())
}
