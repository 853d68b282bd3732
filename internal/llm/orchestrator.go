package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"studychat/internal/models"
)

// Config is the immutable fallback policy handed to an Orchestrator at
// construction. Chains maps a primary model to its ordered alternates;
// Universal applies to models with no registered chain.
type Config struct {
	Chains     map[string][]string
	Universal  []string
	MaxRetries int
	RetryDelay time.Duration

	// Sampling defaults applied when a request leaves them unset.
	Temperature float64
	MaxTokens   int
}

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = 500 * time.Millisecond
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

// Orchestrator drives one conversation through a prioritized list of models,
// masking transient failures of any single candidate.
type Orchestrator struct {
	completer Completer
	cfg       Config
}

func NewOrchestrator(completer Completer, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Orchestrator{completer: completer, cfg: cfg}
}

// RetryStatus is surfaced to the caller before each non-primary attempt.
type RetryStatus struct {
	Model   string `json:"model"`
	Attempt int    `json:"attempt"`
	Total   int    `json:"total"`
}

// AttemptFailure records one candidate's failure for diagnostics.
type AttemptFailure struct {
	Model string
	Err   error
}

// Request is one user-initiated delivery through the fallback chain.
type Request struct {
	Messages    []*models.Message
	Model       string
	Attachment  Attachment
	StudyMode   bool
	Stream      bool
	Temperature float64
	MaxTokens   int
	OnChunk     func(string) error
	OnStatus    func(RetryStatus)
}

// Result is a successful delivery. FallbackUsed reports whether a non-primary
// model answered.
type Result struct {
	Content       string                 `json:"content"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	LessonSteps   []models.LessonSection `json:"lesson_steps,omitempty"`
	UsedModel     string                 `json:"used_model"`
	FallbackUsed  bool                   `json:"fallback_used"`
	TotalAttempts int                    `json:"total_attempts"`
}

// candidates returns the effective attempt sequence for a primary model:
// the primary plus its chain, deduplicated, capped at MaxRetries+1.
func (o *Orchestrator) candidates(primary string) []string {
	chain, ok := o.cfg.Chains[primary]
	if !ok {
		chain = o.cfg.Universal
	}
	limit := o.cfg.MaxRetries + 1
	seen := map[string]struct{}{primary: {}}
	out := []string{primary}
	for _, m := range chain {
		if len(out) >= limit {
			break
		}
		if _, dup := seen[m]; dup || m == "" {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Deliver attempts the request against each candidate model in order. It
// returns the first success, or a nil result with the per-model failure list
// when every candidate fails; transport and content errors never escape as an
// error. The returned error is non-nil only for request-assembly precondition
// violations, raised before any network attempt.
func (o *Orchestrator) Deliver(ctx context.Context, req Request) (*Result, []AttemptFailure, error) {
	outbound, err := BuildMessages(req.Messages, req.Attachment, req.StudyMode)
	if err != nil {
		return nil, nil, err
	}

	seq := o.candidates(req.Model)
	var failures []AttemptFailure

	for i, model := range seq {
		if i > 0 {
			if req.OnStatus != nil {
				req.OnStatus(RetryStatus{Model: model, Attempt: i + 1, Total: len(seq)})
			}
			select {
			case <-ctx.Done():
				failures = append(failures, AttemptFailure{Model: model, Err: ctx.Err()})
				return nil, failures, nil
			case <-time.After(o.cfg.RetryDelay):
			}
		}

		temperature := req.Temperature
		if temperature == 0 {
			temperature = o.cfg.Temperature
		}
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = o.cfg.MaxTokens
		}
		res, err := o.completer.Complete(ctx, CompletionRequest{
			Model:       model,
			Messages:    outbound,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Stream:      req.Stream,
		}, req.OnChunk)
		if err != nil {
			log.Warn().Err(err).Str("model", model).Int("attempt", i+1).Msg("completion candidate failed")
			failures = append(failures, AttemptFailure{Model: model, Err: err})
			continue
		}

		steps := res.LessonSteps
		if req.StudyMode && len(steps) == 0 {
			steps = ParseLessonSections(res.Content)
		}
		return &Result{
			Content:       res.Content,
			Reasoning:     res.Reasoning,
			LessonSteps:   steps,
			UsedModel:     model,
			FallbackUsed:  i > 0,
			TotalAttempts: i + 1,
		}, failures, nil
	}
	return nil, failures, nil
}
