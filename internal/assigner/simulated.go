package assigner

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/executor"
)

// DefaultFailureReasons are the messages reported by SimulatedAssigner when no reasons are configured.
var DefaultFailureReasons = []string{
	"Network timeout occurred",
	ReasonAlreadyAssigned,
	"Insufficient permissions",
	"Item configuration is invalid",
	"Server error during assignment",
}

type SimulatedConfig struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	FailureRate float64
	Reasons     []string
	// Source seeds the generator; nil picks a random seed.
	Source rand.Source
}

// SimulatedAssigner waits a random delay and fails a configurable share of items.
type SimulatedAssigner struct {
	cfg SimulatedConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ executor.Assigner = (*SimulatedAssigner)(nil)

func NewSimulatedAssigner(cfg SimulatedConfig) *SimulatedAssigner {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	cfg.FailureRate = min(max(cfg.FailureRate, 0), 1)
	if len(cfg.Reasons) == 0 {
		cfg.Reasons = DefaultFailureReasons
	}

	src := cfg.Source
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}

	return &SimulatedAssigner{cfg: cfg, rnd: rand.New(src)}
}

func (s *SimulatedAssigner) Assign(ctx context.Context, _ string, _ assignment.Item) (executor.AssignResult, error) {
	delay, fail, reason := s.roll()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return executor.AssignResult{}, executor.ErrCancelled
		}
	} else if ctx.Err() != nil {
		return executor.AssignResult{}, executor.ErrCancelled
	}

	if fail {
		return executor.Failed(reason), nil
	}

	return executor.Succeeded(), nil
}

func (s *SimulatedAssigner) roll() (time.Duration, bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		delay += time.Duration(s.rnd.Int64N(int64(span)))
	}

	fail := s.rnd.Float64() < s.cfg.FailureRate
	reason := s.cfg.Reasons[s.rnd.IntN(len(s.cfg.Reasons))]

	return delay, fail, reason
}
