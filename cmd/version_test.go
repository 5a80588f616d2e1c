package cmd

import (
	"github.com/arcward/keabot/keabot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	out := resetCommandState(t)

	originalVersion := keabot.Version
	originalCommitSHA := keabot.CommitSHA
	originalBuildTime := keabot.BuildTime
	t.Cleanup(
		func() {
			keabot.Version = originalVersion
			keabot.CommitSHA = originalCommitSHA
			keabot.BuildTime = originalBuildTime
		},
	)

	keabot.Version = "1.0.0"
	keabot.CommitSHA = "abc123"
	keabot.BuildTime = "2023-10-01T12:00:00Z"

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "version=1.0.0 commit=abc123 built: 2023-10-01T12:00:00Z", out.String())
}
