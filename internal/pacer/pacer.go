// Package pacer spaces browser actions so the bot's interaction rhythm
// resembles a human operator: jittered waits, occasional think pauses,
// per-character typing delays, and a hard minimum gap between any two
// consecutive actions.
//
// Pacer is the only component allowed to sleep longer than 200ms inside a
// stage. Every delay is context-aware; cancellation interrupts any wait.
package pacer

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"marketbot/internal/clock"
	"marketbot/internal/config"
)

// Pacer mediates every externally-observable browser action. Not safe for
// concurrent use; the orchestrator drives the browser single-threaded.
type Pacer struct {
	cfg     config.PacingConfig
	clock   clock.Clock
	limiter *rate.Limiter
	rng     *rand.Rand
}

// New builds a Pacer from the pacing config. The rate limiter enforces the
// ActionMinGap floor between consecutive actions.
func New(cfg config.PacingConfig, clk clock.Clock) *Pacer {
	seed := uint64(time.Now().UnixNano())
	return newWithRand(cfg, clk, rand.New(rand.NewPCG(seed, seed>>32)))
}

func newWithRand(cfg config.PacingConfig, clk clock.Clock, rng *rand.Rand) *Pacer {
	return &Pacer{
		cfg:     cfg,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Every(cfg.ActionMinGap), 1),
		rng:     rng,
	}
}

// Action blocks until the minimum inter-action gap has elapsed since the
// previous action. Call before every browser command that touches the game.
func (p *Pacer) Action(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Jitter sleeps a uniform-random duration inside the configured bracket.
func (p *Pacer) Jitter(ctx context.Context) error {
	return p.clock.Sleep(ctx, p.uniform(p.cfg.JitterMin, p.cfg.JitterMax))
}

// JitterRange sleeps a uniform-random duration in [lo, hi].
func (p *Pacer) JitterRange(ctx context.Context, lo, hi time.Duration) error {
	return p.clock.Sleep(ctx, p.uniform(lo, hi))
}

// ThinkPause sleeps a longer "reading the page" pause with the configured
// probability; most calls return immediately.
func (p *Pacer) ThinkPause(ctx context.Context) error {
	if p.rng.Float64() >= p.cfg.ThinkProbability {
		return ctx.Err()
	}
	return p.clock.Sleep(ctx, p.uniform(p.cfg.ThinkMin, p.cfg.ThinkMax))
}

// BeforeClick inserts the short mouse-travel delay that precedes a click.
func (p *Pacer) BeforeClick(ctx context.Context) error {
	return p.clock.Sleep(ctx, p.uniform(p.cfg.JitterMin/2, p.cfg.JitterMax/2))
}

// AfterNavigation waits out the post-navigation settle window plus a little
// jitter before the DOM is touched.
func (p *Pacer) AfterNavigation(ctx context.Context) error {
	if err := p.clock.Sleep(ctx, p.cfg.SettleWindow); err != nil {
		return err
	}
	return p.clock.Sleep(ctx, p.uniform(0, p.cfg.JitterMin))
}

// TypingDelays returns one delay per character of text, each drawn from the
// typing bracket, with occasional longer hesitations mixed in. The browser
// adapter applies them between keystrokes.
func (p *Pacer) TypingDelays(text string) []time.Duration {
	runes := []rune(text)
	delays := make([]time.Duration, len(runes))
	for i := range runes {
		d := p.uniform(p.cfg.TypingMin, p.cfg.TypingMax)
		if p.rng.Float64() < p.cfg.TypingPauseChance {
			d += p.uniform(300*time.Millisecond, 900*time.Millisecond)
		}
		delays[i] = d
	}
	return delays
}

func (p *Pacer) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.rng.Int64N(int64(hi-lo)))
}
