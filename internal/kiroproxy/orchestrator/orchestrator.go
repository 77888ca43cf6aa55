// Package orchestrator binds an incoming Anthropic request to a credential
// lease and drives convert -> dispatch -> decode -> project, retrying across
// credentials on transient/auth failures within the pool's attempt budget.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/convert"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/credstore"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/pool"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/project"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/upstream"
	log "github.com/sirupsen/logrus"
)

// Pool is the subset of *pool.Pool the orchestrator depends on.
type Pool interface {
	Select(ctx context.Context, model string, exclude map[int64]bool) (pool.Lease, error)
	ReportSuccess(id int64)
	ReportTransientFailure(id int64, reason string)
	ReportFatalFailure(id int64, reason string)
}

// Credentials is the subset of *credstore.Store the orchestrator depends on,
// used to read per-credential region/profile/machine metadata for dispatch.
type Credentials interface {
	Get(id int64) (credstore.Credential, bool)
}

// Dispatcher is the subset of *upstream.Dispatcher the orchestrator depends
// on, satisfied by upstream.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, accessToken, apiRegion, machineID string, env convert.Envelope) (io.ReadCloser, error)
}

// Orchestrator is the Proxy Orchestrator component.
type Orchestrator struct {
	pool        Pool
	creds       Credentials
	dispatcher  Dispatcher
	convertOpts convert.Options
	idleTimeout time.Duration
}

// New constructs an Orchestrator.
func New(p Pool, creds Credentials, dispatcher Dispatcher, convertOpts convert.Options) *Orchestrator {
	return &Orchestrator{pool: p, creds: creds, dispatcher: dispatcher, convertOpts: convertOpts, idleTimeout: upstream.IdleTimeout}
}

// Stream converts body, leases a credential, dispatches, decodes the
// response, and projects it into Anthropic SSE events via emit. It retries
// against a different credential on auth/transient failures up to the
// pool's per-credential and total attempt budgets, never picking the same
// credential twice in a row unless it is the only one left eligible.
func (o *Orchestrator) Stream(ctx context.Context, model string, body []byte, thinkingFormat project.ThinkingFormat, emit project.Emit) (*convert.Result, error) {
	result, err := convert.Convert(body, o.convertOpts)
	if err != nil {
		return nil, err
	}

	permanentExclude := map[int64]bool{}
	attemptsPerCred := map[int64]int{}
	var lastID int64
	hasLast := false
	attempts := 0

	for attempts < pool.MaxAttemptsTotal {
		lease, selErr := o.selectAvoiding(ctx, model, permanentExclude, lastID, hasLast)
		if selErr != nil {
			return &result, selErr
		}
		if attemptsPerCred[lease.CredentialID] >= pool.MaxAttemptsPerCredential {
			permanentExclude[lease.CredentialID] = true
			continue
		}

		attempts++
		attemptsPerCred[lease.CredentialID]++
		lastID = lease.CredentialID
		hasLast = true

		cred, _ := o.creds.Get(lease.CredentialID)
		env := result.Envelope
		env.ProfileArn = cred.ProfileArn

		reqCtx, cancel := context.WithCancel(ctx)
		bodyStream, dispErr := o.dispatcher.Dispatch(reqCtx, lease.AccessToken, cred.APIRegion, cred.MachineID, env)
		if dispErr != nil {
			cancel()
			if o.retryDispatchError(lease.CredentialID, dispErr) {
				if attemptsPerCred[lease.CredentialID] >= pool.MaxAttemptsPerCredential {
					permanentExclude[lease.CredentialID] = true
				}
				continue
			}
			return &result, dispErr
		}

		projOpts := project.Options{
			Model:          result.DisplayModel,
			ThinkingFormat: thinkingFormat,
			EstimatedInput: project.EstimateTokens(result.DisplayModel, result.Envelope.CurrentContent),
		}
		proj := project.New(projOpts, emit)

		streamErr := readStream(reqCtx, cancel, bodyStream, proj, o.idleTimeout)
		bodyStream.Close()
		cancel()

		if streamErr == nil {
			proj.Close()
			o.pool.ReportSuccess(lease.CredentialID)
			leaseOutcomeTotal.WithLabelValues("success").Inc()
			return &result, nil
		}

		var uerr *upstreamError
		if errors.As(streamErr, &uerr) && uerr.beforeContent {
			o.pool.ReportTransientFailure(lease.CredentialID, uerr.Error())
			leaseOutcomeTotal.WithLabelValues("transient_failure").Inc()
			if attemptsPerCred[lease.CredentialID] >= pool.MaxAttemptsPerCredential {
				permanentExclude[lease.CredentialID] = true
			}
			continue
		}

		// Streaming already started (or this is a decode/idle failure): the
		// client has already received content for this message, so it is
		// not safe to retry with a different credential. Finalize what we
		// have and surface the failure in-band.
		proj.Close()
		o.pool.ReportTransientFailure(lease.CredentialID, streamErr.Error())
		leaseOutcomeTotal.WithLabelValues("mid_stream_failure").Inc()
		return &result, streamErr
	}

	leaseOutcomeTotal.WithLabelValues("exhausted").Inc()
	return &result, errors.New("orchestrator: exhausted retry budget across all eligible credentials")
}

// retryDispatchError reports pool accounting for a Dispatch-time failure
// and returns whether the orchestrator should fail over to another
// credential.
func (o *Orchestrator) retryDispatchError(id int64, err error) bool {
	var uerr *upstream.Error
	if !errors.As(err, &uerr) {
		log.WithError(err).Warn("orchestrator: unclassified dispatch error")
		o.pool.ReportTransientFailure(id, err.Error())
		return true
	}
	switch uerr.Kind {
	case upstream.KindAuthFailure:
		// Dispatch-time 401/403 is a transient strike against this
		// credential, not a disablement: only the Token Manager's refresh
		// rejection (invalid_grant) disables a credential outright.
		o.pool.ReportTransientFailure(id, uerr.Message)
		leaseOutcomeTotal.WithLabelValues("auth_failure").Inc()
		return true
	case upstream.KindUpstreamTransient, upstream.KindQuotaError:
		o.pool.ReportTransientFailure(id, uerr.Message)
		leaseOutcomeTotal.WithLabelValues("transient_failure").Inc()
		return true
	default:
		return false
	}
}

// selectAvoiding selects a lease, excluding lastID when it is known and an
// alternative exists; if no alternative is eligible it falls back to
// reusing lastID (still subject to the caller's per-credential cap check).
func (o *Orchestrator) selectAvoiding(ctx context.Context, model string, permanentExclude map[int64]bool, lastID int64, hasLast bool) (pool.Lease, error) {
	if !hasLast {
		return o.pool.Select(ctx, model, permanentExclude)
	}

	trial := make(map[int64]bool, len(permanentExclude)+1)
	for k, v := range permanentExclude {
		trial[k] = v
	}
	trial[lastID] = true
	if lease, err := o.pool.Select(ctx, model, trial); err == nil {
		return lease, nil
	}
	return o.pool.Select(ctx, model, permanentExclude)
}
