package governor

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"sageworks/reviewharvester/logger"
	harvesterrors "sageworks/reviewharvester/pkg/errors"
	"sageworks/reviewharvester/services/cache"
)

// Options configures a governor instance
type Options struct {
	// MinDelay and MaxDelay bound the jittered inter-request delay
	MinDelay time.Duration
	MaxDelay time.Duration

	// RequestsPerSec is a hard ceiling beneath the jitter; zero disables it
	RequestsPerSec float64

	// MaxAttempts bounds transient retries per operation
	MaxAttempts int

	// BlockedAttempts bounds retries after a blocked classification
	BlockedAttempts int

	// BackoffBase and BackoffCap shape exponential transient backoff
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// EscalationFactor stretches delays past BackoffCap for blocked retries
	EscalationFactor float64

	// BlockCache, when set, shares block markers across processes
	BlockCache cache.CacheService

	// BlockCooldown is the TTL of a shared block marker
	BlockCooldown time.Duration
}

// RetryBudget tracks attempts for a single governed operation. It is
// created per call and discarded on success or exhaustion.
type RetryBudget struct {
	AttemptsMade int
	MaxAttempts  int
	backoff      *backoff.ExponentialBackOff
}

// NextDelay returns the delay before the next attempt
func (b *RetryBudget) NextDelay() time.Duration {
	return b.backoff.NextBackOff()
}

// Spent reports whether the budget has no attempts left
func (b *RetryBudget) Spent() bool {
	return b.AttemptsMade >= b.MaxAttempts
}

// Governor schedules inter-request delays and drives bounded retries.
// One governor serves one session; it holds no shared mutable state
// beyond the optional block cache.
type Governor struct {
	opts    Options
	limiter *rate.Limiter
	rng     *rand.Rand
}

// New creates a governor from options
func New(opts Options) *Governor {
	if opts.EscalationFactor <= 1 {
		opts.EscalationFactor = 4
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	return &Governor{
		opts:    opts,
		limiter: limiter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Throttle blocks for a jittered delay before any navigation or
// extraction call. It is never skipped, even on the first call of a
// session, so request timing stays uniform from the start.
func (g *Governor) Throttle(ctx context.Context) error {
	delay := g.opts.MinDelay
	if span := g.opts.MaxDelay - g.opts.MinDelay; span > 0 {
		delay += time.Duration(g.rng.Int63n(int64(span)))
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}
	if g.limiter != nil {
		return g.limiter.Wait(ctx)
	}
	return nil
}

// Execute runs op under the retry policy. Failures are classified:
// transient errors retry with exponential backoff up to MaxAttempts and
// surface exhausted_retries; blocked errors escalate delays past the
// normal cap and retry at most BlockedAttempts times, never trying to
// defeat the challenge; everything else propagates immediately.
func (g *Governor) Execute(ctx context.Context, scope string, op func(context.Context) error) error {
	log := logger.ForGovernor(scope)

	if err := g.checkBlockMarker(scope); err != nil {
		return err
	}

	budget := g.newBudget(g.opts.MaxAttempts)
	blockedBudget := g.newBudget(g.opts.BlockedAttempts)

	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		budget.AttemptsMade++
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		switch harvesterrors.Classify(lastErr) {
		case harvesterrors.ClassTransient:
			if budget.Spent() {
				log.Warn().
					Int("attempts", budget.AttemptsMade).
					Err(lastErr).
					Msg("retry budget exhausted")
				return harvesterrors.NewExhaustedRetries(scope, budget.AttemptsMade, lastErr)
			}
			delay := budget.NextDelay()
			log.Debug().
				Int("attempt", budget.AttemptsMade).
				Dur("delay", delay).
				Err(lastErr).
				Msg("transient failure, retrying")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}

		case harvesterrors.ClassBlocked:
			blockedBudget.AttemptsMade++
			if blockedBudget.Spent() {
				log.Warn().
					Int("attempts", blockedBudget.AttemptsMade).
					Msg("blocked, giving up on scope")
				g.setBlockMarker(scope)
				return lastErr
			}
			delay := g.escalatedDelay(blockedBudget.AttemptsMade)
			log.Warn().
				Int("attempt", blockedBudget.AttemptsMade).
				Dur("delay", delay).
				Msg("blocked classification, escalating delay")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}

		default:
			return lastErr
		}
	}
}

func (g *Governor) newBudget(maxAttempts int) *RetryBudget {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.opts.BackoffBase
	bo.MaxInterval = g.opts.BackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &RetryBudget{MaxAttempts: maxAttempts, backoff: bo}
}

// escalatedDelay stretches the blocked cool-off multiplicatively beyond
// the transient cap.
func (g *Governor) escalatedDelay(attempt int) time.Duration {
	factor := math.Pow(g.opts.EscalationFactor, float64(attempt))
	return time.Duration(float64(g.opts.BackoffCap) * factor)
}

func (g *Governor) checkBlockMarker(scope string) error {
	if g.opts.BlockCache == nil {
		return nil
	}
	if _, err := g.opts.BlockCache.Get(blockKey(scope)); err == nil {
		return harvesterrors.NewBlocked(scope, "scope is cooling down after a block", nil)
	}
	return nil
}

func (g *Governor) setBlockMarker(scope string) {
	if g.opts.BlockCache == nil {
		return
	}
	cooldown := g.opts.BlockCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	if err := g.opts.BlockCache.Set(blockKey(scope), []byte("1"), cooldown); err != nil {
		logger.ForGovernor(scope).Warn().Err(err).Msg("failed to set block marker")
	}
}

func blockKey(scope string) string {
	return "blocked:" + scope
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
