package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/executor"
	"github.com/sakif/vulnproof/internal/model"
	"github.com/sakif/vulnproof/internal/vault"
)

// =========================================================================
// FAKES
// =========================================================================

type fakeBroker struct {
	err       error
	expiresAt time.Time
	calls     atomic.Int32
}

func (b *fakeBroker) Role() string { return "synthesizer" }

func (b *fakeBroker) Fetch(_ context.Context, role string) (*vault.Credential, error) {
	b.calls.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	return &vault.Credential{Role: role, Secret: "sk-test", ExpiresAt: b.expiresAt}, nil
}

// fakeSynth returns a fixed script, or blocks until ctx is done when block
// is set, the way a model call interrupted by the client does.
type fakeSynth struct {
	err   error
	block bool
	calls atomic.Int32
}

func (s *fakeSynth) Synthesize(ctx context.Context, cred *vault.Credential, _, _ string) (*model.SynthesizedScript, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, apperror.SynthesisFailed("model call interrupted", ctx.Err())
	}
	if s.err != nil {
		return nil, s.err
	}
	return &model.SynthesizedScript{Source: "import sys\nsys.exit(0)", Model: "gpt-4", Interpreter: "python3"}, nil
}

// fakeExecutor returns a canned result, or blocks until ctx is done when
// block is set.
type fakeExecutor struct {
	result  model.ExecutionResult
	err     error
	block   bool
	calls   atomic.Int32
	lastReq executor.Request

	mu      sync.Mutex
	running int
	peak    int
}

func (e *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*model.ExecutionResult, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.lastReq = req
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	if e.block {
		<-ctx.Done()
		return &model.ExecutionResult{Status: model.StatusError}, apperror.Execution("execution cancelled", ctx.Err())
	}
	res := e.result
	return &res, e.err
}

func newTestService(b *fakeBroker, s *fakeSynth, e *fakeExecutor, maxConcurrent int64) *ValidationService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewValidationService(b, s, e, ValidationOptions{MaxConcurrent: maxConcurrent}, logger)
}

var sqliRequest = model.ValidationRequest{
	VulnerabilityDescription: "SQL injection in /login",
	TargetReference:          "http://10.0.1.45:8080",
	ScanID:                   "scan-42",
}

// =========================================================================
// TESTS
// =========================================================================

func TestValidate_EmptyDescriptionTouchesNothing(t *testing.T) {
	b, s, e := &fakeBroker{}, &fakeSynth{}, &fakeExecutor{}
	svc := newTestService(b, s, e, 1)

	for _, desc := range []string{"", "  \n"} {
		v, err := svc.Validate(context.Background(), model.ValidationRequest{VulnerabilityDescription: desc})
		assert.Nil(t, v)
		assert.True(t, errors.Is(err, apperror.ErrValidation))
	}

	assert.Zero(t, b.calls.Load())
	assert.Zero(t, s.calls.Load())
	assert.Zero(t, e.calls.Load())
}

func TestValidate_ExitZeroIsVulnerable(t *testing.T) {
	e := &fakeExecutor{result: model.ExecutionResult{Status: model.Exited(0), Stdout: "NOT VULNERABLE"}}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 1)

	v, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)

	assert.True(t, v.Vulnerable, "stdout must not influence the verdict")
	assert.Equal(t, model.ReasonExitZero, v.Reason)
	assert.Equal(t, model.StateDone, v.State)
	assert.Equal(t, "scan-42", v.ScanID)
	require.NotNil(t, v.Evidence)
	assert.Equal(t, "scan-42", v.Evidence.ScanID)
}

func TestValidate_NonzeroIsNotVulnerable(t *testing.T) {
	e := &fakeExecutor{result: model.ExecutionResult{Status: model.Exited(1), Stdout: "VULNERABLE!!!"}}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 1)

	v, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)
	assert.False(t, v.Vulnerable)
	assert.Equal(t, model.ReasonNonzeroExit, v.Reason)
}

func TestValidate_Timeout(t *testing.T) {
	e := &fakeExecutor{result: model.ExecutionResult{Status: model.StatusTimeout}}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 1)

	v, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)
	assert.False(t, v.Vulnerable)
	assert.Equal(t, model.ReasonTimeout, v.Reason)
}

func TestValidate_PassesOnlyDeclaredEnv(t *testing.T) {
	e := &fakeExecutor{result: model.ExecutionResult{Status: model.Exited(1)}}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 1)

	_, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		executor.EnvTargetURL: "http://10.0.1.45:8080",
		executor.EnvScanID:    "scan-42",
	}, e.lastReq.Env)
	assert.Equal(t, "scan-42", e.lastReq.Script.GeneratedFor)
}

func TestValidate_SynthesisFailure(t *testing.T) {
	s := &fakeSynth{err: apperror.SynthesisFailed("model returned no code", nil)}
	e := &fakeExecutor{}
	svc := newTestService(&fakeBroker{}, s, e, 1)

	v, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)

	assert.False(t, v.Vulnerable)
	assert.Equal(t, model.ReasonSynthesisFailed, v.Reason)
	assert.Equal(t, model.StateFailed, v.State)
	assert.Equal(t, "model returned no code", v.Error)
	assert.Zero(t, e.calls.Load(), "nothing executes without a script")
}

func TestValidate_BrokerFailure(t *testing.T) {
	b := &fakeBroker{err: apperror.VaultUnavailable("openai/api-key", errors.New("connection refused"))}
	s, e := &fakeSynth{}, &fakeExecutor{}
	svc := newTestService(b, s, e, 1)

	v, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)

	assert.Equal(t, model.ReasonExecutionError, v.Reason)
	assert.Equal(t, model.StateFailed, v.State)
	assert.Zero(t, s.calls.Load())
	assert.Zero(t, e.calls.Load())
}

func TestValidate_LaunchFailure(t *testing.T) {
	e := &fakeExecutor{
		result: model.ExecutionResult{Status: model.StatusError},
		err:    apperror.SandboxLaunch("isolation policy failed verification", errors.New("sandbox may reach internet")),
	}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 1)

	v, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)

	assert.False(t, v.Vulnerable)
	assert.Equal(t, model.ReasonExecutionError, v.Reason)
	assert.Equal(t, model.StateFailed, v.State)
	assert.Contains(t, v.Error, "isolation policy failed verification")
}

func TestValidate_Cancellation(t *testing.T) {
	e := &fakeExecutor{block: true}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	v, err := svc.Validate(ctx, sqliRequest)
	require.NoError(t, err)
	assert.False(t, v.Vulnerable)
	assert.Equal(t, model.ReasonExecutionError, v.Reason)
	assert.Equal(t, "validation cancelled", v.Error)
}

func TestValidate_CancelledDuringSynthesis(t *testing.T) {
	s, e := &fakeSynth{block: true}, &fakeExecutor{}
	svc := newTestService(&fakeBroker{}, s, e, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	v, err := svc.Validate(ctx, sqliRequest)
	require.NoError(t, err)

	assert.False(t, v.Vulnerable)
	assert.Equal(t, model.ReasonExecutionError, v.Reason, "a departed client is not a synthesis failure")
	assert.Equal(t, model.StateFailed, v.State)
	assert.Equal(t, "validation cancelled", v.Error)
	assert.Zero(t, e.calls.Load())
}

func TestValidate_ExpiredCredentialNeverReachesModel(t *testing.T) {
	b := &fakeBroker{expiresAt: time.Now().Add(-time.Second)}
	s, e := &fakeSynth{}, &fakeExecutor{}
	svc := newTestService(b, s, e, 1)

	v, err := svc.Validate(context.Background(), sqliRequest)
	require.NoError(t, err)

	assert.Equal(t, model.ReasonExecutionError, v.Reason)
	assert.Equal(t, "credential expired", v.Error)
	assert.Zero(t, s.calls.Load())
	assert.Zero(t, e.calls.Load())
}

func TestValidate_AssignsScanID(t *testing.T) {
	e := &fakeExecutor{result: model.ExecutionResult{Status: model.Exited(1)}}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 1)

	v, err := svc.Validate(context.Background(), model.ValidationRequest{VulnerabilityDescription: "XSS"})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ScanID)
	assert.Equal(t, v.ScanID, e.lastReq.Env[executor.EnvScanID])
}

func TestValidate_BoundsConcurrentSandboxes(t *testing.T) {
	e := &fakeExecutor{block: true}
	svc := newTestService(&fakeBroker{}, &fakeSynth{}, e, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Validate(ctx, sqliRequest)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.LessOrEqual(t, e.peak, 2)
}
