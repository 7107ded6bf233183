// Package browser defines the session capability the core trades through,
// and implements it on headless Chrome via chromedp.
//
// The core never sees a DOM selector's meaning: selectors are data loaded
// with the configuration (selectors.go), and a change in the game's HTML is
// absorbed here without touching strategy or state-machine code.
//
//	browser.go   — Session/Element interfaces, failure kinds, classification
//	selectors.go — the selector catalog with game defaults and file override
//	chromedp.go  — Chrome implementation of Session (CDP via chromedp)
//	retry.go     — failsafe-go policies for transient browser failures
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"marketbot/pkg/types"
)

// Failure kinds. Every Session and Element call that fails wraps one of
// these (or returns a context error); the core treats all three as
// transient by default.
var (
	ErrTimeout    = errors.New("browser: timeout")
	ErrNotFound   = errors.New("browser: element not found")
	ErrNavigation = errors.New("browser: navigation failed")
)

// Session is a borrowed handle to the one browser the orchestrator owns.
// Modules receive it for the duration of a single call and must not retain
// it. All methods honor context cancellation.
type Session interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Close(ctx context.Context) error

	// Query returns the first match or ErrNotFound. QueryAll returns an
	// empty slice, not an error, when nothing matches.
	Query(ctx context.Context, sel string) (Element, error)
	QueryAll(ctx context.Context, sel string) ([]Element, error)

	// Evaluate runs a script in the page. Core callers are restricted to
	// read probes and overlay suppression.
	Evaluate(ctx context.Context, js string, out any) error

	Cookies(ctx context.Context) ([]types.Cookie, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error

	ClickXY(ctx context.Context, x, y float64) error
	MoveXY(ctx context.Context, x, y float64) error
}

// Element addresses one DOM node. Elements re-resolve on every call, so a
// node that left the DOM surfaces as ErrNotFound rather than a stale handle.
type Element interface {
	Click(ctx context.Context, force bool) error
	RightClick(ctx context.Context) error

	// Type emits text one character at a time with the given inter-key
	// delays (typically pacer.TypingDelays). Fill sets the value directly.
	Type(ctx context.Context, text string, delays []time.Duration) error
	Fill(ctx context.Context, text string) error

	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, bool, error)
	IsDisabled(ctx context.Context) (bool, error)
	IsVisible(ctx context.Context) (bool, error)
	Box(ctx context.Context) (Box, error)

	// Scoped lookups relative to this element.
	Query(ctx context.Context, sel string) (Element, error)
	QueryAll(ctx context.Context, sel string) ([]Element, error)
}

// Box is an element's bounding rectangle in page coordinates.
type Box struct {
	X, Y          float64
	Width, Height float64
}

// Center returns the midpoint, where clicks land.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Classify maps a browser failure to the result kind the orchestrator
// switches on. Context errors and an open navigation breaker are not
// retryable; everything the page can transiently do is.
func Classify(err error) types.Outcome {
	switch {
	case err == nil:
		return types.OutcomeOK
	case errors.Is(err, context.Canceled):
		return types.OutcomeFatal
	case errors.Is(err, circuitbreaker.ErrOpen):
		return types.OutcomeFatal
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrNotFound), errors.Is(err, ErrNavigation),
		errors.Is(err, context.DeadlineExceeded):
		return types.OutcomeTransient
	default:
		return types.OutcomeFatal
	}
}
