package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/credstore"
)

type fakeStore struct {
	mu    sync.Mutex
	creds map[int64]credstore.Credential
}

func newFakeStore(creds ...credstore.Credential) *fakeStore {
	m := map[int64]credstore.Credential{}
	for _, c := range creds {
		m[c.ID] = c
	}
	return &fakeStore{creds: m}
}

func (f *fakeStore) Get(id int64) (credstore.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	return c, ok
}

func (f *fakeStore) ReplaceTokens(id int64, accessToken string, expiresAt time.Time, profileArn, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.creds[id]
	c.AccessToken = accessToken
	c.ExpiresAt = expiresAt
	c.ProfileArn = profileArn
	c.Email = email
	f.creds[id] = c
	return nil
}

func TestGetAccessTokenReturnsCachedWhenValid(t *testing.T) {
	store := newFakeStore(credstore.Credential{ID: 1, AccessToken: "cached", ExpiresAt: time.Now().Add(time.Hour)})
	m := NewManager(store, nil, EndpointResolver{})
	tok, err := m.GetAccessToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
}

func TestSingleFlightCoalescesConcurrentRefreshes(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "fresh-token", ExpiresIn: 3600})
	}))
	defer server.Close()

	store := newFakeStore(credstore.Credential{ID: 1, RefreshToken: "rt", AuthMethod: credstore.AuthMethodSocial})
	m := NewManager(store, server.Client(), EndpointResolver{DefaultRegion: "us-east-1"})
	m.forceSocialURL(server.URL)

	const K = 20
	var wg sync.WaitGroup
	tokens := make([]string, K)
	for i := 0; i < K; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetAccessToken(context.Background(), 1)
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one refresh HTTP request expected")
	for _, tok := range tokens {
		assert.Equal(t, "fresh-token", tok)
	}
}

func TestRefreshRejectedOnInvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(tokenResponse{Error: "invalid_grant"})
	}))
	defer server.Close()

	store := newFakeStore(credstore.Credential{ID: 1, RefreshToken: "rt"})
	m := NewManager(store, server.Client(), EndpointResolver{})
	m.forceSocialURL(server.URL)

	_, err := m.GetAccessToken(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestRefreshTransientOn5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store := newFakeStore(credstore.Credential{ID: 1, RefreshToken: "rt"})
	m := NewManager(store, server.Client(), EndpointResolver{})
	m.forceSocialURL(server.URL)

	_, err := m.GetAccessToken(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRefreshTransient)
}
