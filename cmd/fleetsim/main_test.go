// ABOUTME: Tests for the fleetsim command line
// ABOUTME: Checks token issuing and the secret requirement

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleetsync/internal/simulator"
)

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--secret", "s3", "--subject", "ops"})
	require.NoError(t, root.Execute())

	claims, err := simulator.NewVerifier([]byte("s3")).Authorize(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv(EnvSecret, "")
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	assert.Error(t, root.Execute())
}

func TestTokenCommand_SecretFromEnv(t *testing.T) {
	t.Setenv(EnvSecret, "from-env")
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--role", "viewer"})
	require.NoError(t, root.Execute())

	_, err := simulator.NewVerifier([]byte("from-env")).Authorize(strings.TrimSpace(out.String()))
	assert.ErrorIs(t, err, simulator.ErrMissingRole)
}
