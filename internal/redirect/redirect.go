// Package redirect resolves short codes to their live targets and records
// scans on the way through.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/store"
)

// State is a step of the redirect state machine.
type State string

const (
	StateResolving   State = "resolving"
	StateFound       State = "found"
	StateRedirecting State = "redirecting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Failure reasons shown to the visitor.
const (
	ReasonNotFound    = "QR code does not exist or is no longer active"
	ReasonEmptyTarget = "target URL is empty"
	ReasonNoState     = "no QR code data found, create a code first"
)

// Link builds the payload encoded into a code: origin + prefix + code.
func Link(origin, prefix, code string) string {
	return strings.TrimRight(origin, "/") + prefix + code
}

// Classify maps a user agent to a device class. The tokens are matched as
// case-sensitive substrings.
func Classify(userAgent string) string {
	for _, token := range []string{"Mobile", "Android", "iPhone", "iPad"} {
		if strings.Contains(userAgent, token) {
			return model.DeviceMobile
		}
	}
	return model.DeviceDesktop
}

// NormalizeTarget prefixes https:// to targets that do not already start with
// an http or https scheme. Schemes compare case-insensitively.
func NormalizeTarget(target string) string {
	if hasSchemePrefix(target, "http://") || hasSchemePrefix(target, "https://") {
		return target
	}
	return "https://" + target
}

func hasSchemePrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Outcome is the terminal result of one resolution.
type Outcome struct {
	State  State
	Record model.Record
	Target string
	Reason string
	// Trace lists the steps taken, shown in the page's debug section.
	Trace []string
}

// Options tunes a Resolver. Zero values fall back to defaults.
type Options struct {
	Attempts int
	Backoff  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Resolver runs the redirect state machine against a store.
type Resolver struct {
	store    store.Store
	attempts int
	step     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewResolver builds a Resolver. Defaults: 3 attempts, 200ms backoff step.
func NewResolver(s store.Store, opts Options) *Resolver {
	r := &Resolver{
		store:    s,
		attempts: opts.Attempts,
		step:     opts.Backoff,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if r.attempts <= 0 {
		r.attempts = 3
	}
	if r.step <= 0 {
		r.step = 200 * time.Millisecond
	}
	if r.now == nil {
		r.now = model.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

var errMiss = errors.New("short code not found")

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Resolve looks code up, retrying with a store reload before each retry, and
// on success appends a scan for userAgent before returning the normalized
// target. The scan is recorded even if the caller never navigates.
func (r *Resolver) Resolve(ctx context.Context, code, userAgent string) Outcome {
	out := Outcome{State: StateResolving}
	trace := func(format string, args ...any) {
		out.Trace = append(out.Trace, fmt.Sprintf(format, args...))
	}
	trace("resolving short code %s", code)

	var (
		rec     model.Record
		attempt int
	)
	op := func() error {
		attempt++
		if attempt > 1 {
			if err := r.store.Reload(ctx); err != nil {
				r.logger.WarnContext(ctx, "reload before retry failed", "code", code, "attempt", attempt, "error", err)
				trace("attempt %d: reload failed", attempt)
				return errMiss
			}
		}
		found, ok := r.store.FindByShortCode(code)
		if !ok {
			trace("attempt %d: no match among %d codes", attempt, len(r.store.List()))
			return errMiss
		}
		rec = found
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: r.step}, uint64(r.attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		out.State = StateFailed
		out.Reason = ReasonNotFound
		if len(r.store.List()) == 0 {
			out.Reason = ReasonNoState
		}
		trace("giving up: %s", out.Reason)
		return out
	}

	out.State = StateFound
	out.Record = rec
	trace("found %q targeting %s", rec.Name, rec.CurrentURL)
	if strings.TrimSpace(rec.CurrentURL) == "" {
		out.State = StateFailed
		out.Reason = ReasonEmptyTarget
		trace("giving up: %s", out.Reason)
		return out
	}

	scan := model.Scan{
		Timestamp: r.now(),
		UserAgent: userAgent,
		IP:        model.Unknown,
		Country:   model.Unknown,
		City:      model.Unknown,
		Device:    Classify(userAgent),
	}
	if err := r.store.AppendScan(ctx, rec.ID, scan); err != nil {
		// The scan is in memory; only its persistence failed.
		r.logger.WarnContext(ctx, "recording scan failed", "code", code, "error", err)
		trace("scan not persisted: %s", apperr.Message(err))
	} else {
		trace("scan recorded (%s)", scan.Device)
	}

	out.State = StateRedirecting
	out.Target = NormalizeTarget(rec.CurrentURL)
	if out.Target != rec.CurrentURL {
		trace("target normalized to %s", out.Target)
	}
	return out
}
