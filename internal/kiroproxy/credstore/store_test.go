package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	assert.Empty(t, s.List())
}

func TestOpenAcceptsSingleObjectShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	single := Credential{ID: 1, RefreshToken: "r1", AuthMethod: "builder-id"}
	data, err := json.Marshal(single)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := Open(path)
	require.NoError(t, err)
	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, AuthMethodIDC, list[0].AuthMethod, "builder-id must normalize to idc")
}

func TestOpenAcceptsArrayShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	arr := []Credential{{ID: 1, RefreshToken: "r1"}, {ID: 2, RefreshToken: "r2"}}
	data, err := json.Marshal(arr)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, s.List(), 2)
}

func TestAddWritesArrayAndAssignsID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Open(path)
	require.NoError(t, err)

	id, err := s.Add(Credential{RefreshToken: "r1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var arr []Credential
	require.NoError(t, json.Unmarshal(data, &arr))
	require.Len(t, arr, 1)
	assert.Equal(t, "r1", arr[0].RefreshToken)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDeleteRejectsEnabledCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Add(Credential{RefreshToken: "r1"})
	require.NoError(t, err)

	err = s.Delete(id)
	assert.Error(t, err)

	require.NoError(t, s.Patch(id, map[string]any{"disabled": true}))
	assert.NoError(t, s.Delete(id))
	assert.Empty(t, s.List())
}

func TestReplaceTokensPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Add(Credential{RefreshToken: "r1"})
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.ReplaceTokens(id, "tok", exp, "arn:aws:profile", "a@b.com"))

	c, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "tok", c.AccessToken)
	assert.Equal(t, "arn:aws:profile", c.ProfileArn)
	assert.Equal(t, "a@b.com", c.Email)
	assert.True(t, c.TokenValid(time.Now(), 60*time.Second))
}

func TestTokenValidRespectsSkew(t *testing.T) {
	c := Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(30 * time.Second)}
	assert.False(t, c.TokenValid(time.Now(), 60*time.Second))
	assert.True(t, c.TokenValid(time.Now(), 1*time.Second))
}
