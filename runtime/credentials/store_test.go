package credentials_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/credentials"
)

func TestSetAndCurrent(t *testing.T) {
	s := credentials.NewStore()

	require.NoError(t, s.Set("alice", "s3cret"))

	id := s.Current()
	assert.Equal(t, "alice", id.Name)
	assert.True(t, id.Authenticated)
}

func TestZeroValueIsUnauthenticated(t *testing.T) {
	var s credentials.Store

	id := s.Current()
	assert.False(t, id.Authenticated)
	assert.Empty(t, id.Name)

	_, _, ok := s.EngineCredentials()
	assert.False(t, ok)
}

func TestSetTrimsWhitespace(t *testing.T) {
	s := credentials.NewStore()

	require.NoError(t, s.Set("  alice\t", " s3cret \n"))

	identity, secret, ok := s.EngineCredentials()
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
	assert.Equal(t, "s3cret", secret)
}

func TestSetRejectsEmptyValues(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		secret   string
		want     error
	}{
		{"empty identity", "", "s3cret", credentials.ErrEmptyIdentity},
		{"whitespace identity", "   ", "s3cret", credentials.ErrEmptyIdentity},
		{"empty secret", "alice", "", credentials.ErrEmptySecret},
		{"whitespace secret", "alice", " \t\n", credentials.ErrEmptySecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := credentials.NewStore()
			err := s.Set(tt.identity, tt.secret)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, s.Current().Authenticated)
		})
	}
}

func TestFailedSetKeepsPreviousPair(t *testing.T) {
	s := credentials.NewStore()
	require.NoError(t, s.Set("alice", "s3cret"))

	require.Error(t, s.Set("", "new-secret"))
	require.Error(t, s.Set("bob", "  "))

	identity, secret, ok := s.EngineCredentials()
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
	assert.Equal(t, "s3cret", secret)
}

func TestSetReplacesPairAtomically(t *testing.T) {
	s := credentials.NewStore()
	require.NoError(t, s.Set("alice", "s3cret"))
	require.NoError(t, s.Set("bob", "hunter2"))

	identity, secret, ok := s.EngineCredentials()
	require.True(t, ok)
	assert.Equal(t, "bob", identity)
	assert.Equal(t, "hunter2", secret)
}

func TestClear(t *testing.T) {
	s := credentials.NewStore()
	require.NoError(t, s.Set("alice", "s3cret"))

	s.Clear()
	assert.False(t, s.Current().Authenticated)

	_, _, ok := s.EngineCredentials()
	assert.False(t, ok)

	// Clearing again is harmless.
	s.Clear()
	assert.False(t, s.Current().Authenticated)
}

func TestCurrentNeverCarriesSecret(t *testing.T) {
	s := credentials.NewStore()
	require.NoError(t, s.Set("alice", "s3cret"))

	// The identity document is what handlers serialize; it must not
	// contain the secret under any key.
	data, err := json.Marshal(s.Current())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret")
}

func TestConcurrentAccess(t *testing.T) {
	s := credentials.NewStore()
	require.NoError(t, s.Set("alice", "s3cret"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = s.Set("bob", "hunter2")
			s.Clear()
			_ = s.Set("alice", "s3cret")
		}
	}()

	for i := 0; i < 1000; i++ {
		id := s.Current()
		if id.Authenticated {
			assert.NotEmpty(t, id.Name)
		}
		identity, secret, ok := s.EngineCredentials()
		if ok {
			// Pairs swap together: never a mixed identity/secret view.
			assert.Contains(t, []string{"alice", "bob"}, identity)
			if identity == "alice" {
				assert.Equal(t, "s3cret", secret)
			} else {
				assert.Equal(t, "hunter2", secret)
			}
		}
	}
	<-done
}
