package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/history"
	"github.com/aqua-lzma/theory/internal/llm"
	"github.com/aqua-lzma/theory/internal/metrics"
)

var (
	// ErrInFlight is returned when the scope is already being compacted.
	ErrInFlight    = errors.New("compaction already in flight")
	ErrEmptyMemory = errors.New("model returned empty memory")
)

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCompacted
	// OutcomeRestored means every tier was rate limited and the log is unchanged.
	OutcomeRestored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompacted:
		return "compacted"
	case OutcomeRestored:
		return "restored"
	default:
		return "skipped"
	}
}

type Report struct {
	Outcome   Outcome
	Extracted int
	Remaining int
	Tier      string
	Usage     llm.Usage
	// LostPath is set when a failed run saved the extracted transcript.
	LostPath string
}

type CompactorConfig struct {
	HighWater int
	LowWater  int
	Tiers     []string
	// Prompt is the instruction placed before the current memory.
	Prompt string
}

// Compactor folds the oldest part of a log into the scope's memory once the
// log grows past the high water mark.
type Compactor struct {
	inv    *llm.Invoker
	store  *Store
	cfg    CompactorConfig
	logger zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewCompactor(inv *llm.Invoker, store *Store, cfg CompactorConfig, logger zerolog.Logger) *Compactor {
	return &Compactor{
		inv:      inv,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "compactor").Logger(),
		inFlight: make(map[string]bool),
	}
}

// Due reports whether l has outgrown the high water mark.
func (c *Compactor) Due(l *history.Log) bool {
	return l.Len() > c.cfg.HighWater
}

func (c *Compactor) acquire(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[scope] {
		return false
	}
	c.inFlight[scope] = true
	return true
}

func (c *Compactor) release(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, scope)
}

func (c *Compactor) Compact(ctx context.Context, l *history.Log) (Report, error) {
	if !c.Due(l) {
		return Report{Outcome: OutcomeSkipped, Remaining: l.Len()}, nil
	}

	scope := l.Scope()
	if !c.acquire(scope) {
		return Report{}, ErrInFlight
	}
	defer c.release(scope)

	logger := c.logger.With().Str("scope", scope).Str("run", uuid.NewString()).Logger()

	current, err := c.store.Read(scope)
	if err != nil {
		return Report{}, err
	}

	prefix, err := l.ExtractPrefixAndTrim(c.cfg.HighWater, c.cfg.LowWater)
	if errors.Is(err, history.ErrBelowHighWater) {
		return Report{Outcome: OutcomeSkipped, Remaining: l.Len()}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("extract prefix: %w", err)
	}

	started := time.Now()
	report := Report{Extracted: len(prefix)}
	transcript := history.Render(history.RecordsOf(prefix))
	logger.Info().Int("extracted", len(prefix)).Int("remaining", l.Len()).Msg("compaction started")

	res, err := c.inv.Invoke(ctx, "memory", c.cfg.Tiers, llm.Request{
		System:  c.cfg.Prompt + "\n" + current,
		Content: transcript,
		Safety:  llm.SafetyOff(),
	})
	metrics.CompactionDuration.Observe(time.Since(started).Seconds())

	if err == nil && res.Outcome == llm.OutcomeSuccess && strings.TrimSpace(res.Text) == "" {
		if restoreErr := l.RestorePrefix(prefix); restoreErr != nil {
			return c.fail(logger, scope, transcript, report, fmt.Errorf("%w, restore prefix: %v", ErrEmptyMemory, restoreErr))
		}
		metrics.Compactions.WithLabelValues("failed").Inc()
		report.Remaining = l.Len()
		logger.Error().Str("tier", res.Tier).Msg("empty memory from model, history restored")
		return report, fmt.Errorf("compact %s: %w", scope, ErrEmptyMemory)
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown mid-call: nothing was consumed, so put the history back.
		if restoreErr := l.RestorePrefix(prefix); restoreErr == nil {
			report.Remaining = l.Len()
			return report, err
		}
	}
	if err != nil {
		return c.fail(logger, scope, transcript, report, err)
	}

	if res.Outcome == llm.OutcomeExhausted {
		if err := l.RestorePrefix(prefix); err != nil {
			return c.fail(logger, scope, transcript, report, fmt.Errorf("restore prefix: %w", err))
		}
		metrics.Compactions.WithLabelValues("restored").Inc()
		report.Outcome = OutcomeRestored
		report.Remaining = l.Len()
		logger.Warn().Int("restored", len(prefix)).Msg("memory tiers exhausted, history restored")
		return report, nil
	}

	if _, err := c.store.Archive(scope, current); err != nil {
		return c.fail(logger, scope, transcript, report, err)
	}
	if err := c.store.Write(scope, res.Text); err != nil {
		return c.fail(logger, scope, transcript, report, err)
	}

	metrics.Compactions.WithLabelValues("compacted").Inc()
	report.Outcome = OutcomeCompacted
	report.Remaining = l.Len()
	report.Tier = res.Tier
	report.Usage = res.Usage
	logger.Info().
		Str("tier", res.Tier).
		Int("extracted", report.Extracted).
		Int("remaining", report.Remaining).
		Int("prompt_tokens", res.Usage.PromptTokens).
		Int("output_tokens", res.Usage.OutputTokens).
		Msg("memory replaced")
	return report, nil
}

// fail keeps the extracted transcript on disk so a failed run loses nothing.
func (c *Compactor) fail(logger zerolog.Logger, scope, transcript string, report Report, cause error) (Report, error) {
	metrics.Compactions.WithLabelValues("failed").Inc()
	path, err := c.store.ArchiveLost(scope, transcript)
	if err != nil {
		logger.Error().Err(err).Msg("save lost transcript")
	} else {
		report.LostPath = path
	}
	logger.Error().Err(cause).Str("lost", path).Int("extracted", report.Extracted).Msg("compaction failed")
	return report, fmt.Errorf("compact %s: %w", scope, cause)
}
