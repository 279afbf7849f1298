// Package backoff computes reconnection delays and tracks the attempt
// counter between successful connections.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/eventhub/pkg/constants"
)

// ceiling caps every delay, including schedules without a MaxDelay.
const ceiling = time.Duration(1 << 62)

// Config controls delay growth.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultConfig returns the reconnection schedule used by the transport:
// 1s doubling to 10s with jitter.
func DefaultConfig() Config {
	return Config{
		InitialDelay: constants.ReconnectInitialDelay,
		MaxDelay:     constants.ReconnectMaxDelay,
		Multiplier:   constants.ReconnectMultiplier,
		Jitter:       true,
	}
}

// Delay returns the delay before attempt N (1-based).
func Delay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	if delay >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

// State is the reconnection attempt counter. Next advances it and Reset
// returns it to zero after a connection opens. Safe for concurrent use.
type State struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	attempt int
}

// NewState creates a State. A nil rng seeds one from the clock.
func NewState(cfg Config, rng *rand.Rand) *State {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only
	}
	return &State{cfg: cfg, rng: rng}
}

// Next increments the attempt counter and returns it with the delay to
// wait before that attempt.
func (s *State) Next() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.attempt, Delay(s.cfg, s.attempt, s.rng)
}

// Reset zeroes the attempt counter.
func (s *State) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// Attempt returns the number of attempts since the last Reset.
func (s *State) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Retry calls fn until it succeeds, maxAttempts is reached or ctx is done,
// sleeping the configured delay between attempts. The last error is returned.
func Retry(ctx context.Context, maxAttempts int, cfg Config, logger *zerolog.Logger, fn func(context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	state := NewState(cfg, nil)
	var err error
	for {
		if err = fn(ctx); err == nil {
			return nil
		}
		attempt, delay := state.Next()
		if attempt >= maxAttempts {
			logger.Warn().Err(err).Int("attempts", maxAttempts).Msg("Giving up after repeated failures")
			return err
		}
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
