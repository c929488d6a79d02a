package geocode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"safeagent/internal/address"
	appLog "safeagent/internal/log"
	"safeagent/internal/model"
)

const (
	defaultAttemptTimeout = 10 * time.Second
	limiterKey            = "geocoder"
)

// Pipeline is the address-to-coordinate ladder: cleanup, override table,
// primary attempt, numeric-fragment retry. It makes at most two provider
// calls per address.
type Pipeline struct {
	provider  Provider
	overrides *Overrides
	timeout   time.Duration
	limiter   *limiter.Limiter
}

type Option func(*Pipeline)

// WithOverrides installs the override table consulted before the provider.
func WithOverrides(o *Overrides) Option {
	return func(p *Pipeline) { p.overrides = o }
}

// WithTimeout sets the ceiling of a single provider attempt.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLimiter throttles provider calls. A nil limiter means unlimited.
func WithLimiter(l *limiter.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// NewLimiter builds an in-memory limiter from a formatted rate such as
// "1-S". An empty rate returns nil.
func NewLimiter(rate string) (*limiter.Limiter, error) {
	if strings.TrimSpace(rate) == "" {
		return nil, nil
	}
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("geocoder rate %q: %w", rate, err)
	}
	return limiter.New(memory.NewStore(), r), nil
}

func NewPipeline(provider Provider, opts ...Option) *Pipeline {
	p := &Pipeline{provider: provider, timeout: defaultAttemptTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve geocodes raw. It returns ErrUnresolved (possibly joined with the
// context error) when every tier failed.
func (p *Pipeline) Resolve(ctx context.Context, raw string) (model.Coordinate, error) {
	cleaned := strings.TrimSpace(address.Clean(raw))
	if cleaned == "" {
		return model.Sentinel, fmt.Errorf("%w: empty address", ErrUnresolved)
	}

	if c, ok := p.overrides.Lookup(cleaned); ok {
		appLog.Debug("geocode override hit", "address", cleaned)
		return c, nil
	}

	c, err := p.attempt(ctx, cleaned)
	if err == nil {
		return c, nil
	}
	appLog.Debug("geocode primary attempt failed", "address", cleaned, "err", err)
	if ctx.Err() != nil {
		return model.Sentinel, fmt.Errorf("%w: %w", ErrUnresolved, ctx.Err())
	}

	fragment := address.NumericFragment(cleaned)
	if fragment == "" || strings.EqualFold(fragment, cleaned) {
		return model.Sentinel, fmt.Errorf("%w: %q", ErrUnresolved, cleaned)
	}
	if c, ok := p.overrides.Lookup(fragment); ok {
		return c, nil
	}

	c, err = p.attempt(ctx, fragment)
	if err != nil {
		appLog.Debug("geocode fragment retry failed", "address", cleaned, "fragment", fragment, "err", err)
		return model.Sentinel, fmt.Errorf("%w: %q", ErrUnresolved, cleaned)
	}
	appLog.Debug("geocode resolved via fragment", "address", cleaned, "fragment", fragment)
	return c, nil
}

type attemptResult struct {
	marks []Placemark
	err   error
}

// attempt is one provider call bounded by the attempt timeout. The ceiling
// holds even for providers that ignore ctx.
func (p *Pipeline) attempt(ctx context.Context, addr string) (model.Coordinate, error) {
	if err := p.wait(ctx); err != nil {
		return model.Sentinel, err
	}

	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		marks, err := p.provider.Geocode(actx, addr)
		done <- attemptResult{marks: marks, err: err}
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-actx.Done():
		return model.Sentinel, fmt.Errorf("geocode %q: %w", addr, actx.Err())
	}
	if res.err != nil {
		return model.Sentinel, res.err
	}
	c, ok := Choose(res.marks)
	if !ok {
		return model.Sentinel, fmt.Errorf("geocode %q: no usable candidate among %d", addr, len(res.marks))
	}
	return c, nil
}

// wait blocks until the limiter admits one more provider call.
func (p *Pipeline) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	for {
		lctx, err := p.limiter.Get(ctx, limiterKey)
		if err != nil {
			return fmt.Errorf("geocode limiter: %w", err)
		}
		if !lctx.Reached {
			return nil
		}
		delay := time.Until(time.Unix(lctx.Reset, 0))
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
