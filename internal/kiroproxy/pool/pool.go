// Package pool selects a Kiro credential per request attempt, tracks
// failure/success accounting, and applies cooldown back-off, grounded on the
// teacher's sdk/cliproxy/auth selector and conductor packages but narrowed
// to this proxy's single Credential type.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/credstore"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/token"
)

// Mode selects the Pool's credential-ordering policy.
type Mode string

const (
	ModePriority Mode = "priority"
	ModeBalanced Mode = "balanced"
)

// MaxAttemptsPerCredential and MaxAttemptsTotal bound the Proxy
// Orchestrator's retry loop.
const (
	MaxAttemptsPerCredential = 3
	MaxAttemptsTotal         = 9
)

const cooldownBaseFailures = 3
const cooldownBase = 30 * time.Second
const cooldownCap = 30 * time.Minute

// credentialState is the pool's private bookkeeping per credential id,
// separate from the persisted Credential fields.
type credentialState struct {
	cooldownUntil   time.Time
	consecutiveFail int
	lastFailureMsg  string
}

// Store is the subset of credstore.Store the Pool needs.
type Store interface {
	List() []credstore.Credential
	Mutate(id int64, fn func(c *credstore.Credential)) error
}

// TokenSource produces a valid access token for a credential id.
type TokenSource interface {
	GetAccessToken(ctx context.Context, id int64) (string, error)
}

// Lease is a (credential id, access token) pair issued for one attempt.
type Lease struct {
	CredentialID int64
	AccessToken  string
}

// Pool selects credentials and tracks their health.
type Pool struct {
	mu      sync.Mutex
	store   Store
	tokens  TokenSource
	mode    Mode
	states  map[int64]*credentialState
	cursors map[string]int // keyed by model, for balanced round-robin
	now     func() time.Time
}

// New constructs a Pool in the given selection mode.
func New(store Store, tokens TokenSource, mode Mode) *Pool {
	if mode == "" {
		mode = ModePriority
	}
	return &Pool{
		store:   store,
		tokens:  tokens,
		mode:    mode,
		states:  map[int64]*credentialState{},
		cursors: map[string]int{},
		now:     time.Now,
	}
}

func (p *Pool) stateFor(id int64) *credentialState {
	s, ok := p.states[id]
	if !ok {
		s = &credentialState{}
		p.states[id] = s
	}
	return s
}

// Select picks one credential for the given model, excluding any id in
// exclude (ids already attempted in this request), and returns a Lease
// carrying a valid access token.
func (p *Pool) Select(ctx context.Context, model string, exclude map[int64]bool) (Lease, error) {
	tried := make(map[int64]bool, len(exclude))
	for k, v := range exclude {
		tried[k] = v
	}

	for {
		chosen, err := p.selectOne(model, tried)
		if err != nil {
			return Lease{}, err
		}

		accessToken, err := p.tokens.GetAccessToken(ctx, chosen.ID)
		if err == nil {
			return Lease{CredentialID: chosen.ID, AccessToken: accessToken}, nil
		}

		// A rejected refresh (invalid_grant/400/401) means the credential
		// itself is bad and is disabled outright; any other token-acquisition
		// failure (network, 5xx) is a transient strike. Either way, retry
		// selection against the remaining eligible credentials rather than
		// failing the whole request.
		if errors.Is(err, token.ErrRefreshRejected) {
			p.ReportFatalFailure(chosen.ID, fmt.Sprintf("token acquisition: %v", err))
		} else {
			p.ReportTransientFailure(chosen.ID, fmt.Sprintf("token acquisition: %v", err))
		}
		tried[chosen.ID] = true
	}
}

// selectOne picks one eligible credential not in exclude, applying the
// pool's ordering policy.
func (p *Pool) selectOne(model string, exclude map[int64]bool) (credstore.Credential, error) {
	all := p.store.List()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []credstore.Credential
	for _, c := range all {
		if c.Disabled || exclude[c.ID] {
			continue
		}
		st := p.stateFor(c.ID)
		if now.Before(st.cooldownUntil) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return credstore.Credential{}, p.buildExhaustionError(all, now)
	}

	switch p.mode {
	case ModeBalanced:
		return p.selectBalanced(model, candidates), nil
	default:
		return p.selectPriority(candidates), nil
	}
}

// selectPriority sorts by (priority asc, id asc), tie-breaking by
// least-recently-used (the teacher's RoundRobinSelector ordering adapted to
// this proxy's single-dimension priority).
func (p *Pool) selectPriority(candidates []credstore.Credential) credstore.Credential {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if candidates[i].Priority == candidates[j].Priority && candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})
	return candidates[0]
}

// selectBalanced round-robins over the eligible set using a per-model cursor
// that persists across calls, matching the teacher's RoundRobinSelector.
func (p *Pool) selectBalanced(model string, candidates []credstore.Credential) credstore.Credential {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	cursor := p.cursors[model]
	idx := cursor % len(candidates)
	p.cursors[model] = (cursor + 1) % 2_147_483_640
	return candidates[idx]
}

// ReportSuccess resets failure accounting and records usage.
func (p *Pool) ReportSuccess(id int64) {
	p.mu.Lock()
	st := p.stateFor(id)
	st.consecutiveFail = 0
	st.cooldownUntil = time.Time{}
	p.mu.Unlock()

	_ = p.store.Mutate(id, func(c *credstore.Credential) {
		c.SuccessCount++
		c.FailureCount = 0
		c.LastUsedAt = p.now()
	})
}

// ReportTransientFailure increments the failure count and, once it reaches
// the cooldown threshold, places the credential in an exponentially growing
// cooldown window (30s * 2^(failures-3), capped at 30 minutes).
func (p *Pool) ReportTransientFailure(id int64, reason string) {
	p.mu.Lock()
	st := p.stateFor(id)
	st.consecutiveFail++
	st.lastFailureMsg = reason
	if st.consecutiveFail >= cooldownBaseFailures {
		shift := st.consecutiveFail - cooldownBaseFailures
		d := cooldownBase << shift
		if d > cooldownCap || d <= 0 {
			d = cooldownCap
		}
		st.cooldownUntil = p.now().Add(d)
	}
	p.mu.Unlock()

	_ = p.store.Mutate(id, func(c *credstore.Credential) {
		c.FailureCount++
	})
}

// ReportFatalFailure disables the credential outright.
func (p *Pool) ReportFatalFailure(id int64, reason string) {
	_ = p.store.Mutate(id, func(c *credstore.Credential) {
		c.Disabled = true
		c.DisabledReason = reason
	})
}

// exhaustionError is returned when Select finds no eligible credential. It
// implements the ambient AppError-like contract (StatusCode/Headers) so the
// HTTP layer can shape the response without type-switching on internals.
type exhaustionError struct {
	model      string
	cooldown   int
	disabled   int
	retryAfter time.Duration
}

func (p *Pool) buildExhaustionError(all []credstore.Credential, now time.Time) error {
	var cooldown, disabled int
	var earliestReset time.Time
	for _, c := range all {
		if c.Disabled {
			disabled++
			continue
		}
		st := p.states[c.ID]
		if st != nil && now.Before(st.cooldownUntil) {
			cooldown++
			if earliestReset.IsZero() || st.cooldownUntil.Before(earliestReset) {
				earliestReset = st.cooldownUntil
			}
		}
	}
	retryAfter := time.Duration(0)
	if !earliestReset.IsZero() {
		retryAfter = earliestReset.Sub(now)
	}
	return &exhaustionError{cooldown: cooldown, disabled: disabled, retryAfter: retryAfter}
}

func (e *exhaustionError) Error() string {
	return fmt.Sprintf("pool: no credential available (cooldown=%d disabled=%d)", e.cooldown, e.disabled)
}

func (e *exhaustionError) StatusCode() int {
	if e.cooldown > 0 {
		return http.StatusTooManyRequests
	}
	return http.StatusServiceUnavailable
}

func (e *exhaustionError) Headers() http.Header {
	h := http.Header{}
	if e.retryAfter > 0 {
		h.Set("Retry-After", fmt.Sprintf("%d", int(e.retryAfter.Seconds())+1))
	}
	return h
}
