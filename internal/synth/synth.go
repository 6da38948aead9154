// Package synth turns a vulnerability description into an executable check.
//
// The model's reply is treated as untrusted input: the synthesizer strips it
// down to code and rejects anything that does not keep the exit-code contract
// (0 = vulnerable, nonzero = not) before an executor ever sees it.
package synth

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/model"
	"github.com/sakif/vulnproof/internal/vault"
)

// Interpreter is the runtime synthesized checks are written for.
const Interpreter = "python3"

// Completer sends one chat completion with the given API key.
type Completer interface {
	Complete(ctx context.Context, apiKey string, p Prompt) (string, error)
}

// Config tunes the synthesizer.
type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
	// Budget arms an in-script alarm. Zero disables the prologue.
	Budget time.Duration
}

// Synthesizer produces one script per call. It holds no credential.
type Synthesizer struct {
	completer Completer
	config    Config
	logger    *slog.Logger
}

// New returns a Synthesizer, filling unset fields with the defaults.
func New(c Completer, cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Synthesizer{completer: c, config: cfg, logger: logger}
}

// Model is the model name reported on every script.
func (s *Synthesizer) Model() string { return s.config.Model }

// Synthesize makes exactly one model call and validates the reply. An empty
// description is rejected before the model is contacted.
func (s *Synthesizer) Synthesize(ctx context.Context, cred *vault.Credential, description, target string) (*model.SynthesizedScript, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apperror.ValidationFailed("vulnerability", "Missing vulnerability description")
	}
	if cred == nil || cred.Secret == "" {
		return nil, apperror.SynthesisFailed("no credential for the model provider", nil)
	}

	reply, err := s.completer.Complete(ctx, cred.Secret, Prompt{
		Model:       s.config.Model,
		System:      SystemPrompt,
		User:        UserPrompt(description, target),
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperror.SynthesisFailed("model call interrupted", err)
		}
		return nil, apperror.SynthesisFailed("model call failed", err)
	}

	source := ExtractCode(reply)
	if source == "" {
		return nil, apperror.SynthesisFailed("model returned no code", nil)
	}
	if err := CheckImports(source); err != nil {
		return nil, apperror.SynthesisFailed("script is not self-contained", err)
	}
	if !HasExplicitExit(source) {
		return nil, apperror.SynthesisFailed("script never reports a verdict through its exit code", nil)
	}

	s.logger.Debug("script synthesized",
		slog.String("model", s.config.Model),
		slog.Int("bytes", len(source)),
	)

	return &model.SynthesizedScript{
		Source:      WithAlarm(WithDefaultExit(source), alarmSeconds(s.config.Budget)),
		Model:       s.config.Model,
		Interpreter: Interpreter,
	}, nil
}

func alarmSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
