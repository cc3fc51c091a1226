package health

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/keithlinneman/secwatch/internal/xerrors"
)

// Probe is evaluated at request time, a non-nil error is the failure reason
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always passes, or always fails with reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every probe passes. Every probe is checked so the response
// names all failing reasons, not just the first. nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Condition is a Probe backed by a flag. The zero value passes.
//
// The shutdown drain uses one to fail readiness so load balancers stop routing
// before listeners close, and startup uses one to hold readiness until the
// policy table has loaded.
type Condition struct {
	reason atomic.Pointer[string]
}

// Failing returns a Condition that fails with reason until Pass is called
func Failing(reason string) *Condition {
	c := &Condition{}
	c.Fail(reason)
	return c
}

func (c *Condition) Fail(reason string) {
	if reason == "" {
		reason = "unavailable"
	}
	c.reason.Store(&reason)
}

func (c *Condition) Pass() { c.reason.Store(nil) }

func (c *Condition) Check(context.Context) error {
	if r := c.reason.Load(); r != nil {
		return errors.New(*r)
	}
	return nil
}
