package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	sm := NewSessionManagerAt(t.TempDir())

	s, err := sm.LoadSession()
	require.NoError(t, err)
	assert.Nil(t, s, "no session yet")

	saved := &Session{Token: "tok", TokenType: "Bearer", Username: "alice",
		ServerURL: "http://127.0.0.1:8080/api", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, sm.SaveSession(saved))

	info, err := os.Stat(sm.GetSessionPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := sm.LoadSession()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "alice", got.Username)
}

func TestSessionForMatchesServerURL(t *testing.T) {
	sm := NewSessionManagerAt(t.TempDir())
	require.NoError(t, sm.SaveSession(&Session{Token: "tok", ServerURL: "http://a/api", ExpiresAt: time.Now().Add(time.Hour)}))

	assert.NotNil(t, sm.SessionFor("http://a/api"))
	assert.Nil(t, sm.SessionFor("http://b/api"))
}

func TestExpiredSessionIsCleared(t *testing.T) {
	sm := NewSessionManagerAt(t.TempDir())
	require.NoError(t, sm.SaveSession(&Session{Token: "old", ExpiresAt: time.Now().Add(-time.Minute)}))

	s, err := sm.LoadSession()
	require.NoError(t, err)
	assert.Nil(t, s)
	_, err = os.Stat(sm.GetSessionPath())
	assert.True(t, os.IsNotExist(err), "expired session file must be removed")
}

func TestClearSessionWithoutFile(t *testing.T) {
	sm := NewSessionManagerAt(t.TempDir())
	assert.NoError(t, sm.ClearSession())
}
