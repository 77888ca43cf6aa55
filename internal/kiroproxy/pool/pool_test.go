package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/credstore"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/token"
)

type fakeStore struct {
	mu    sync.Mutex
	creds map[int64]*credstore.Credential
}

func newFakeStore(creds ...credstore.Credential) *fakeStore {
	m := map[int64]*credstore.Credential{}
	for i := range creds {
		c := creds[i]
		m[c.ID] = &c
	}
	return &fakeStore{creds: m}
}

func (f *fakeStore) List() []credstore.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]credstore.Credential, 0, len(f.creds))
	for _, c := range f.creds {
		out = append(out, *c)
	}
	return out
}

func (f *fakeStore) Mutate(id int64, fn func(c *credstore.Credential)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok {
		return nil
	}
	fn(c)
	return nil
}

type fakeTokens struct{}

func (fakeTokens) GetAccessToken(ctx context.Context, id int64) (string, error) {
	return "tok", nil
}

// failingTokens fails GetAccessToken for a fixed set of credential ids and
// succeeds for everything else. rejected ids fail with token.ErrRefreshRejected;
// every other failing id fails with a plain transient error.
type failingTokens struct {
	fail     map[int64]bool
	rejected map[int64]bool
}

func (f failingTokens) GetAccessToken(_ context.Context, id int64) (string, error) {
	if f.rejected[id] {
		return "", fmt.Errorf("%w: invalid_grant", token.ErrRefreshRejected)
	}
	if f.fail[id] {
		return "", errors.New("refresh failed transiently")
	}
	return "tok", nil
}

func TestSelectPriorityOrdersByPriorityThenID(t *testing.T) {
	store := newFakeStore(
		credstore.Credential{ID: 2, Priority: 1},
		credstore.Credential{ID: 1, Priority: 0},
		credstore.Credential{ID: 3, Priority: 0},
	)
	p := New(store, fakeTokens{}, ModePriority)
	lease, err := p.Select(context.Background(), "model", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.CredentialID)
}

func TestSelectSkipsCooldownAndDisabled(t *testing.T) {
	store := newFakeStore(
		credstore.Credential{ID: 1, Priority: 0, Disabled: true},
		credstore.Credential{ID: 2, Priority: 1},
	)
	p := New(store, fakeTokens{}, ModePriority)
	for i := 0; i < cooldownBaseFailures; i++ {
		p.ReportTransientFailure(2, "boom")
	}
	// credential 2 now cooling down, credential 1 disabled -> nothing eligible
	_, err := p.Select(context.Background(), "model", nil)
	assert.Error(t, err)
}

func TestBalancedModeFairness(t *testing.T) {
	var creds []credstore.Credential
	for i := int64(1); i <= 4; i++ {
		creds = append(creds, credstore.Credential{ID: i})
	}
	store := newFakeStore(creds...)
	p := New(store, fakeTokens{}, ModeBalanced)

	counts := map[int64]int{}
	const N = 101
	for i := 0; i < N; i++ {
		lease, err := p.Select(context.Background(), "model-x", nil)
		require.NoError(t, err)
		counts[lease.CredentialID]++
	}
	k := len(creds)
	lo, hi := N/k, N/k+1
	for id, c := range counts {
		assert.True(t, c == lo || c == hi, "credential %d selected %d times, want %d or %d", id, c, lo, hi)
	}
}

func TestReportTransientFailureAppliesExponentialCooldown(t *testing.T) {
	store := newFakeStore(credstore.Credential{ID: 1})
	p := New(store, fakeTokens{}, ModePriority)
	fixedNow := time.Now()
	p.now = func() time.Time { return fixedNow }

	for i := 0; i < cooldownBaseFailures; i++ {
		p.ReportTransientFailure(1, "fail")
	}
	st := p.states[1]
	require.NotNil(t, st)
	assert.Equal(t, cooldownBase, st.cooldownUntil.Sub(fixedNow))

	p.ReportTransientFailure(1, "fail again")
	st = p.states[1]
	assert.Equal(t, cooldownBase*2, st.cooldownUntil.Sub(fixedNow))
}

func TestReportSuccessResetsFailureCount(t *testing.T) {
	store := newFakeStore(credstore.Credential{ID: 1})
	p := New(store, fakeTokens{}, ModePriority)
	p.ReportTransientFailure(1, "fail")
	p.ReportSuccess(1)

	list := store.List()
	require.Len(t, list, 1)
	assert.Equal(t, int64(0), list[0].FailureCount)
	assert.Equal(t, int64(1), list[0].SuccessCount)
}

func TestFailoverBoundRespectsPerCredentialCap(t *testing.T) {
	// A request against M credentials where the first F always fail
	// terminates after min(F+1, 9) attempts and never exceeds the
	// per-credential cap of 3 (the orchestrator owns the loop; here we
	// exercise the exclude-set contract Select must honor).
	store := newFakeStore(
		credstore.Credential{ID: 1},
		credstore.Credential{ID: 2},
	)
	p := New(store, fakeTokens{}, ModePriority)

	exclude := map[int64]bool{1: true}
	lease, err := p.Select(context.Background(), "model", exclude)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lease.CredentialID)

	exclude[2] = true
	_, err = p.Select(context.Background(), "model", exclude)
	assert.Error(t, err)
}

func TestSelectRetriesOnTokenAcquisitionFailure(t *testing.T) {
	store := newFakeStore(
		credstore.Credential{ID: 1, Priority: 0},
		credstore.Credential{ID: 2, Priority: 1},
	)
	p := New(store, failingTokens{fail: map[int64]bool{1: true}}, ModePriority)

	lease, err := p.Select(context.Background(), "model", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lease.CredentialID)

	// The failed candidate took a transient strike, not a hard failure.
	st := p.states[1]
	require.NotNil(t, st)
	assert.Equal(t, 1, st.consecutiveFail)
}

func TestSelectReturnsErrorWhenAllTokenAcquisitionsFail(t *testing.T) {
	store := newFakeStore(
		credstore.Credential{ID: 1},
		credstore.Credential{ID: 2},
	)
	p := New(store, failingTokens{fail: map[int64]bool{1: true, 2: true}}, ModePriority)

	_, err := p.Select(context.Background(), "model", nil)
	assert.Error(t, err)
}

func TestSelectDisablesCredentialOnRejectedRefresh(t *testing.T) {
	store := newFakeStore(
		credstore.Credential{ID: 1, Priority: 0},
		credstore.Credential{ID: 2, Priority: 1},
	)
	p := New(store, failingTokens{rejected: map[int64]bool{1: true}}, ModePriority)

	lease, err := p.Select(context.Background(), "model", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lease.CredentialID)

	list := store.List()
	for _, c := range list {
		if c.ID == 1 {
			assert.True(t, c.Disabled)
		}
	}
}
