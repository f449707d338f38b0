package agent

import (
	"path/filepath"
	"testing"

	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIssuesUniqueTokens(t *testing.T) {
	tm, err := NewTokenManager(nil)
	require.NoError(t, err)

	t1, err := tm.Register("alice")
	require.NoError(t, err)
	t2, err := tm.Register("bob")
	require.NoError(t, err)

	assert.Len(t, t1, 64)
	assert.NotEqual(t, t1, t2)
}

func TestRegisterRejectsTakenID(t *testing.T) {
	tm, err := NewTokenManager(nil)
	require.NoError(t, err)

	_, err = tm.Register("alice")
	require.NoError(t, err)
	_, err = tm.Register("alice")
	assert.ErrorIs(t, err, ErrAgentIDTaken)
}

func TestValidate(t *testing.T) {
	tm, err := NewTokenManager(nil)
	require.NoError(t, err)
	aliceToken, err := tm.Register("alice")
	require.NoError(t, err)
	bobToken, err := tm.Register("bob")
	require.NoError(t, err)

	assert.NoError(t, tm.Validate("alice", aliceToken))
	assert.ErrorIs(t, tm.Validate("alice", bobToken), ErrTokenAgentMismatch)
	assert.ErrorIs(t, tm.Validate("alice", "bogus"), ErrInvalidToken)
	assert.ErrorIs(t, tm.Validate("nobody", aliceToken), ErrInvalidToken)
}

func TestValidateBearer(t *testing.T) {
	tm, err := NewTokenManager(nil)
	require.NoError(t, err)
	token, err := tm.Register("alice")
	require.NoError(t, err)

	id, err := tm.ValidateBearer(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = tm.ValidateBearer("bogus")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevoke(t *testing.T) {
	tm, err := NewTokenManager(nil)
	require.NoError(t, err)
	token, err := tm.Register("alice")
	require.NoError(t, err)

	require.NoError(t, tm.Revoke("alice"))
	assert.ErrorIs(t, tm.Validate("alice", token), ErrInvalidToken)

	// The id is free again
	_, err = tm.Register("alice")
	assert.NoError(t, err)
}

func TestTokensSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	table, err := storage.Open(filepath.Join(dir, "config.db"), "config", storage.Options{})
	require.NoError(t, err)
	defer table.Close()

	tm, err := NewTokenManager(table)
	require.NoError(t, err)
	token, err := tm.Register("alice")
	require.NoError(t, err)

	reloaded, err := NewTokenManager(table)
	require.NoError(t, err)
	assert.NoError(t, reloaded.Validate("alice", token))
	_, err = reloaded.Register("alice")
	assert.ErrorIs(t, err, ErrAgentIDTaken)
}
