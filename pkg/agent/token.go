package agent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentcom/agentcom/pkg/storage"
)

var (
	// ErrAgentIDTaken is returned when registering an agent id that
	// already has a token
	ErrAgentIDTaken = errors.New("agent id already registered")

	// ErrInvalidToken is returned when a presented token is unknown
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenAgentMismatch is returned when a valid token belongs to a
	// different agent id
	ErrTokenAgentMismatch = errors.New("token does not match agent id")
)

const keyTokenPrefix = "token:"

// TokenManager issues and validates per-agent bearer tokens. Tokens are
// persisted in the config table so registrations survive restart.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]string // agent id -> token
	config *storage.Table
}

// NewTokenManager creates a token manager, loading persisted tokens
func NewTokenManager(config *storage.Table) (*TokenManager, error) {
	tm := &TokenManager{
		tokens: make(map[string]string),
		config: config,
	}

	if config != nil {
		err := config.Fold(func(key string, value []byte) error {
			if strings.HasPrefix(key, keyTokenPrefix) {
				tm.tokens[strings.TrimPrefix(key, keyTokenPrefix)] = string(value)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return tm, nil
}

// Register issues a token for a new agent id
func (tm *TokenManager) Register(agentID string) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.tokens[agentID]; ok {
		return "", ErrAgentIDTaken
	}

	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(bytes)

	if tm.config != nil {
		if err := tm.config.Insert(keyTokenPrefix+agentID, []byte(token)); err != nil {
			return "", err
		}
	}
	tm.tokens[agentID] = token
	return token, nil
}

// Validate checks that the token belongs to the agent id
func (tm *TokenManager) Validate(agentID, token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	stored, ok := tm.tokens[agentID]
	if !ok {
		return ErrInvalidToken
	}
	if stored != token {
		// Token may be valid for some other agent
		for _, t := range tm.tokens {
			if t == token {
				return ErrTokenAgentMismatch
			}
		}
		return ErrInvalidToken
	}
	return nil
}

// ValidateBearer checks a bare token against all registrations; used by
// the HTTP auth middleware where only the token is presented
func (tm *TokenManager) ValidateBearer(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	for id, t := range tm.tokens {
		if t == token {
			return id, nil
		}
	}
	return "", ErrInvalidToken
}

// Revoke removes an agent's token
func (tm *TokenManager) Revoke(agentID string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.config != nil {
		if err := tm.config.Delete(keyTokenPrefix + agentID); err != nil {
			return err
		}
	}
	delete(tm.tokens, agentID)
	return nil
}
