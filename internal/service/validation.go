// Package service contains the pipeline orchestrator.
//
// THE PIPELINE:
//
//	RECEIVED → SYNTHESIZING → EXECUTING → CLASSIFIED → DONE
//	    ↘            ↘             ↘
//	                 FAILED
//
// ValidationService walks one request through these states. It owns no
// network access of its own: the broker talks to the vault, the synthesizer to
// the model provider, and the executor to the sandbox. The service only
// decides what happens next and turns every outcome into a Verdict.
//
// DEPENDENCY INJECTION:
// Each collaborator is an interface, so tests hand in fakes and main.go picks
// the concrete backends (sqlite or http vault, docker or process executor).
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/executor"
	"github.com/sakif/vulnproof/internal/model"
	"github.com/sakif/vulnproof/internal/vault"
	"github.com/sakif/vulnproof/internal/verdict"
)

// CredentialBroker is satisfied by *vault.Broker.
type CredentialBroker interface {
	Role() string
	Fetch(ctx context.Context, role string) (*vault.Credential, error)
}

// ScriptSynthesizer is satisfied by *synth.Synthesizer.
type ScriptSynthesizer interface {
	Synthesize(ctx context.Context, cred *vault.Credential, description, target string) (*model.SynthesizedScript, error)
}

// DefaultMaxConcurrent bounds how many sandboxes run at once.
const DefaultMaxConcurrent = 4

// ValidationOptions tunes the orchestrator.
type ValidationOptions struct {
	// MaxConcurrent is the number of executions allowed at once.
	MaxConcurrent int64
	// Timeout overrides the executor's default wall-clock limit when positive.
	Timeout time.Duration
}

// ValidationService runs the validation pipeline.
type ValidationService struct {
	broker   CredentialBroker
	synth    ScriptSynthesizer
	executor executor.Executor
	slots    *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
}

// NewValidationService wires the pipeline's collaborators together.
func NewValidationService(b CredentialBroker, s ScriptSynthesizer, e executor.Executor, opts ValidationOptions, logger *slog.Logger) *ValidationService {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &ValidationService{
		broker:   b,
		synth:    s,
		executor: e,
		slots:    semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:  opts.Timeout,
		logger:   logger,
	}
}

// Validate runs one request to a verdict.
//
// The only error returned is an InvalidRequest (apperror.ErrValidation), and
// then nothing downstream has been touched. Every other outcome, including
// vault, synthesis and sandbox failures, is reported as a Verdict.
func (s *ValidationService) Validate(ctx context.Context, req model.ValidationRequest) (*model.Verdict, error) {
	if strings.TrimSpace(req.VulnerabilityDescription) == "" {
		return nil, apperror.ValidationFailed("vulnerability", "Missing vulnerability description")
	}
	if req.ScanID == "" {
		req.ScanID = xid.New().String()
	}

	r := &run{
		state:  model.StateReceived,
		scanID: req.ScanID,
		start:  time.Now(),
		logger: s.logger.With(slog.String("scan_id", req.ScanID)),
	}
	r.logger.Info("validation received", slog.String("target", req.TargetReference))

	r.advance(model.StateSynthesizing)
	script, failure := s.synthesize(ctx, r, req)
	if failure != nil {
		return r.finish(*failure), nil
	}

	r.advance(model.StateExecuting)
	result, failure := s.execute(ctx, r, req, script)
	if failure != nil {
		return r.finish(*failure), nil
	}

	r.advance(model.StateClassified)
	v := verdict.Classify(*result)
	return r.finish(v), nil
}

// synthesize fetches the credential, asks for a script and drops the
// credential again before returning.
func (s *ValidationService) synthesize(ctx context.Context, r *run, req model.ValidationRequest) (*model.SynthesizedScript, *model.Verdict) {
	cred, err := s.broker.Fetch(ctx, s.broker.Role())
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.cancelled(nil)
		}
		r.logger.Error("credential fetch failed", slog.String("error", err.Error()))
		v := verdict.Failed(r.scanID, model.ReasonExecutionError, apperror.Message(err), nil)
		return nil, &v
	}
	if cred.Expired(time.Now()) {
		r.logger.Error("credential expired", slog.Time("expires_at", cred.ExpiresAt))
		v := verdict.Failed(r.scanID, model.ReasonExecutionError, "credential expired", nil)
		return nil, &v
	}

	script, err := s.synth.Synthesize(ctx, cred, req.VulnerabilityDescription, req.TargetReference)
	if err != nil {
		// A client that went away is not the model's fault.
		if ctx.Err() != nil {
			return nil, r.cancelled(nil)
		}
		r.logger.Error("synthesis failed", slog.String("error", err.Error()))
		v := verdict.Failed(r.scanID, model.ReasonSynthesisFailed, apperror.Message(err), nil)
		return nil, &v
	}

	script.GeneratedFor = r.scanID
	return script, nil
}

// execute runs the script once a sandbox slot is free.
func (s *ValidationService) execute(ctx context.Context, r *run, req model.ValidationRequest, script *model.SynthesizedScript) (*model.ExecutionResult, *model.Verdict) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, r.cancelled(nil)
	}
	defer s.slots.Release(1)

	res, err := s.executor.Execute(ctx, executor.Request{
		Script:  *script,
		Env:     executor.DeclaredEnv(req.TargetReference, r.scanID),
		Timeout: s.timeout,
	})
	if res == nil {
		res = &model.ExecutionResult{Status: model.StatusError, ScanID: r.scanID}
	}
	res.ScanID = r.scanID

	if ctx.Err() != nil && !res.Status.IsTimeout() {
		return nil, r.cancelled(res)
	}
	if err != nil {
		r.logger.Error("execution failed", slog.String("error", err.Error()))
		msg := apperror.Message(err)
		if errors.Is(err, apperror.ErrSandboxLaunch) {
			msg = "Sandbox launch failed: " + msg
		}
		v := verdict.Failed(r.scanID, model.ReasonExecutionError, msg, res)
		return nil, &v
	}
	return res, nil
}

// run tracks one request's position in the state machine.
type run struct {
	state  model.State
	scanID string
	start  time.Time
	logger *slog.Logger
}

// cancelled is the verdict for a request whose context ended first.
func (r *run) cancelled(res *model.ExecutionResult) *model.Verdict {
	r.logger.Warn("validation cancelled", slog.String("state", string(r.state)))
	v := verdict.Failed(r.scanID, model.ReasonExecutionError, "validation cancelled", res)
	return &v
}

func (r *run) advance(next model.State) {
	prev := r.state
	state, err := prev.Transition(next)
	if err != nil {
		// Unreachable unless Validate itself is wrong.
		r.logger.Error("illegal pipeline transition", slog.String("error", err.Error()))
		return
	}
	r.state = state
	r.logger.Info("pipeline transition",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)
}

// finish moves to the verdict's terminal state and logs the outcome.
func (r *run) finish(v model.Verdict) *model.Verdict {
	if !v.State.Terminal() {
		r.logger.Error("verdict without a terminal state", slog.String("state", string(v.State)))
		v.State = model.StateFailed
	}
	r.advance(v.State)
	r.logger.Info("validation finished",
		slog.String("reason", string(v.Reason)),
		slog.Bool("vulnerable", v.Vulnerable),
		slog.Duration("elapsed", time.Since(r.start)),
	)
	return &v
}
