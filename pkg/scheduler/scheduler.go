// Package scheduler cuts a work unit into device-sized chunks.
//
// The (subset × candidate) rectangle of a work unit is consumed from a deque
// of pending regions in subset-major order. Chunk dimensions adapt to the
// observed latency of each launch and shrink whenever the device runs out of
// resources, so a solve always completes with the largest chunks the device
// can take within the latency target.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/kernel"
)

// Errors
var (
	// ErrChunkExhausted is returned when even a single subset with a single
	// candidate does not fit the device. It wraps the device error.
	ErrChunkExhausted = errors.New("scheduler: device exhausted at minimum chunk size")
	// ErrStopped is returned when a stop request or context cancellation was
	// observed between chunks.
	ErrStopped       = errors.New("scheduler: stopped")
	ErrInvalidPolicy = errors.New("scheduler: invalid policy")
)

// Policy controls chunk sizing.
type Policy struct {
	// TargetLatency is the wall time one launch should take.
	TargetLatency time.Duration
	// InitialSubsets and InitialCandidates size the first chunk.
	InitialSubsets    int
	InitialCandidates int
	// MaxSubsets and MaxCandidates bound growth (0 = unbounded).
	MaxSubsets    int
	MaxCandidates int
}

// DefaultPolicy returns the stock policy: the first chunk is one subset
// with a block of candidates, and growth takes it from there. Windows resets display drivers
// whose kernels run longer than about two seconds, so the target is lower
// there.
func DefaultPolicy() Policy {
	target := 5 * time.Second
	if runtime.GOOS == "windows" {
		target = 2 * time.Second
	}
	return Policy{
		TargetLatency:     target,
		InitialSubsets:    1,
		InitialCandidates: 1024,
	}
}

// Validate checks p.
func (p Policy) Validate() error {
	switch {
	case p.TargetLatency <= 0:
		return fmt.Errorf("%w: target latency %s", ErrInvalidPolicy, p.TargetLatency)
	case p.InitialSubsets <= 0 || p.InitialCandidates <= 0:
		return fmt.Errorf("%w: initial chunk %dx%d", ErrInvalidPolicy, p.InitialSubsets, p.InitialCandidates)
	case p.MaxSubsets < 0 || p.MaxCandidates < 0:
		return fmt.Errorf("%w: negative maximum", ErrInvalidPolicy)
	}
	return nil
}

// Chunk is one launch worth of work: subsets [SubsetStart, SubsetEnd) and
// candidates [CandidateStart, CandidateEnd) of every one of them. Unit is
// the work unit restricted to the chunk's subsets.
type Chunk struct {
	SubsetStart    int
	SubsetEnd      int
	CandidateStart int64
	CandidateEnd   int64
	Unit           *dic.WorkUnit
}

// Subsets returns the subset count of c.
func (c Chunk) Subsets() int { return c.SubsetEnd - c.SubsetStart }

// Candidates returns the candidate count of c.
func (c Chunk) Candidates() int { return int(c.CandidateEnd - c.CandidateStart) }

// ExecFunc runs one chunk. Returning an error wrapping
// kernel.ErrDeviceResourceExhausted makes the scheduler retry smaller.
type ExecFunc func(ctx context.Context, c Chunk) error

// Stats describes scheduler activity since creation.
type Stats struct {
	Chunks     int64
	Retries    int64
	Subsets    int
	Candidates int
}

// Scheduler runs work units chunk by chunk. The learned chunk size carries
// over between Execute calls. Execute may be called concurrently.
type Scheduler struct {
	policy Policy
	log    logrus.FieldLogger

	stopped atomic.Bool
	chunks  atomic.Int64
	retries atomic.Int64

	mu      sync.Mutex
	learned tracker
}

// New creates a scheduler. An invalid policy is replaced by DefaultPolicy.
func New(policy Policy, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := policy.Validate(); err != nil {
		log.WithError(err).Warn("using default chunking policy")
		policy = DefaultPolicy()
	}
	return &Scheduler{
		policy:  policy,
		log:     log,
		learned: newTracker(policy),
	}
}

// Policy returns the active policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Stop requests every running Execute to return after its current chunk.
func (s *Scheduler) Stop() { s.stopped.Store(true) }

// Reset clears a stop request.
func (s *Scheduler) Reset() { s.stopped.Store(false) }

// Stopped reports whether a stop was requested.
func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// Stats returns a snapshot of the counters and the learned chunk size.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	t := s.learned
	s.mu.Unlock()
	return Stats{
		Chunks:     s.chunks.Load(),
		Retries:    s.retries.Load(),
		Subsets:    t.subsets,
		Candidates: t.candidates,
	}
}

// region is a pending rectangle of the work unit.
type region struct {
	s0, s1 int
	c0, c1 int64
}

func (r region) empty() bool { return r.s0 >= r.s1 || r.c0 >= r.c1 }

// Execute runs exec over every (subset, candidate) cell of unit exactly
// once. Candidates beyond a subset's own window are included; the kernel
// scores them -Inf.
func (s *Scheduler) Execute(ctx context.Context, unit *dic.WorkUnit, exec ExecFunc) error {
	total := unit.MaxCandidates()
	if len(unit.Subsets) == 0 || total == 0 {
		return nil
	}

	s.mu.Lock()
	t := s.learned
	s.mu.Unlock()
	t.bound(s.policy, len(unit.Subsets), total)
	defer func() {
		s.mu.Lock()
		s.learned = t
		s.mu.Unlock()
	}()

	pending := []region{{s0: 0, s1: len(unit.Subsets), c0: 0, c1: total}}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		if s.stopped.Load() {
			return ErrStopped
		}

		r := pending[0]
		pending = pending[1:]
		cs := min(t.subsets, r.s1-r.s0)
		cc := min(int64(t.candidates), r.c1-r.c0)
		chunk := Chunk{
			SubsetStart:    r.s0,
			SubsetEnd:      r.s0 + cs,
			CandidateStart: r.c0,
			CandidateEnd:   r.c0 + cc,
			Unit:           unit.SubsetRange(r.s0, r.s0+cs),
		}

		start := time.Now()
		err := exec(ctx, chunk)
		elapsed := time.Since(start)

		if errors.Is(err, kernel.ErrDeviceResourceExhausted) {
			s.retries.Add(1)
			if !t.shrink(cs, int(cc)) {
				return fmt.Errorf("%w: %w", ErrChunkExhausted, err)
			}
			s.log.WithFields(logrus.Fields{
				"failed_subsets":    cs,
				"failed_candidates": cc,
				"subsets":           t.subsets,
				"candidates":        t.candidates,
			}).Warn("device resources exhausted, shrinking chunk")
			pending = append([]region{r}, pending...)
			continue
		}
		if err != nil {
			return err
		}
		s.chunks.Add(1)

		var next []region
		if right := (region{s0: r.s0, s1: r.s0 + cs, c0: r.c0 + cc, c1: r.c1}); !right.empty() {
			next = append(next, right)
		}
		if below := (region{s0: r.s0 + cs, s1: r.s1, c0: r.c0, c1: r.c1}); !below.empty() {
			next = append(next, below)
		}
		pending = append(next, pending...)

		if cs == t.subsets && int(cc) == t.candidates {
			t.observe(elapsed, s.policy.TargetLatency)
		}
	}
	return nil
}

// tracker holds the current chunk dimensions and growth bounds.
type tracker struct {
	subsets    int
	candidates int

	maxSubsets    int
	maxCandidates int
	// areaCap is the smallest chunk area that ever exhausted the device.
	areaCap int64
}

func newTracker(p Policy) tracker {
	return tracker{
		subsets:    p.InitialSubsets,
		candidates: p.InitialCandidates,
		areaCap:    math.MaxInt64,
	}
}

// bound clamps the tracker to the policy and the unit at hand.
func (t *tracker) bound(p Policy, subsets int, candidates int64) {
	t.maxSubsets = subsets
	if p.MaxSubsets > 0 {
		t.maxSubsets = min(t.maxSubsets, p.MaxSubsets)
	}
	t.maxCandidates = int(min(candidates, math.MaxInt32))
	if p.MaxCandidates > 0 {
		t.maxCandidates = min(t.maxCandidates, p.MaxCandidates)
	}
	t.subsets = max(1, min(t.subsets, t.maxSubsets))
	t.candidates = max(1, min(t.candidates, t.maxCandidates))
}

// shrink reacts to an exhausted (subsets × candidates) launch. Subsets
// halve first, then candidates. It returns false at 1×1.
func (t *tracker) shrink(subsets, candidates int) bool {
	t.areaCap = min(t.areaCap, int64(subsets)*int64(candidates))
	switch {
	case subsets > 1:
		t.subsets = subsets / 2
		t.candidates = candidates
	case candidates > 1:
		t.subsets = 1
		t.candidates = candidates / 2
	default:
		return false
	}
	return true
}

// observe grows the limiting dimension when a full-size chunk finished well
// inside the latency target. Candidates grow until their maximum, then
// subsets.
func (t *tracker) observe(elapsed, target time.Duration) {
	ratio := float64(elapsed) / float64(target)
	var factor float64
	switch {
	case ratio < 0.5:
		factor = 2
	case ratio < 0.75:
		factor = 1.5
	default:
		return
	}
	s, c := t.subsets, t.candidates
	if c < t.maxCandidates {
		c = min(t.maxCandidates, int(math.Ceil(float64(c)*factor)))
	} else if s < t.maxSubsets {
		s = min(t.maxSubsets, int(math.Ceil(float64(s)*factor)))
	} else {
		return
	}
	if int64(s)*int64(c) >= t.areaCap {
		return
	}
	t.subsets, t.candidates = s, c
}
