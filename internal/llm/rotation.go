package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// Rotation tries its providers in order, starting from the last one that
// succeeded, and moves on when a failure might not repeat elsewhere.
// Providers that failed recently are skipped while in cooldown unless every
// provider is cooling down.
type Rotation struct {
	name      string
	providers []Provider

	mu        sync.Mutex
	current   int
	cooldowns map[int]*providerCooldown
	now       func() time.Time
}

type providerCooldown struct {
	until      time.Time
	errorCount int
	reason     ErrorType
}

// NewRotation wraps providers, primary first
func NewRotation(name string, providers ...Provider) *Rotation {
	return &Rotation{
		name:      name,
		providers: providers,
		cooldowns: make(map[int]*providerCooldown),
		now:       time.Now,
	}
}

// Name implements Provider
func (r *Rotation) Name() string {
	return r.name
}

// Len returns the number of wrapped providers
func (r *Rotation) Len() int {
	return len(r.providers)
}

// Complete implements Provider
func (r *Rotation) Complete(ctx context.Context, prompt, system string) (string, error) {
	if len(r.providers) == 0 {
		return "", ErrNotConfigured
	}

	order := r.order()
	var errs []error
	var lastType ErrorType

	for n, idx := range order {
		p := r.providers[idx]
		text, err := p.Complete(ctx, prompt, system)
		if err == nil {
			r.succeeded(idx, n > 0)
			return text, nil
		}

		pe := NewProviderError(p.Name(), err)
		errs = append(errs, pe)
		lastType = pe.Type

		if ctx.Err() != nil {
			break
		}
		if !IsFailoverError(pe.Type) {
			L_warn("llm: non-failover error, stopping", "provider", p.Name(), "type", pe.Type, "error", err)
			break
		}
		r.markCooldown(idx, pe.Type)

		if n+1 < len(order) {
			L_warn("llm: rotating to next credential",
				"failed", p.Name(),
				"next", r.providers[order[n+1]].Name(),
				"type", pe.Type)
		}
	}

	if len(errs) == 1 {
		return "", errs[0]
	}
	return "", &ProviderError{
		Provider: r.name,
		Type:     lastType,
		Err:      fmt.Errorf("all %d credentials failed: %w", len(errs), errors.Join(errs...)),
	}
}

// order returns provider indexes starting at the sticky current one, with
// providers in cooldown moved to the back
func (r *Rotation) order() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ready := make([]int, 0, len(r.providers))
	cooling := make([]int, 0)
	for i := range r.providers {
		idx := (r.current + i) % len(r.providers)
		if cd := r.cooldowns[idx]; cd != nil && now.Before(cd.until) {
			cooling = append(cooling, idx)
			continue
		}
		ready = append(ready, idx)
	}
	return append(ready, cooling...)
}

func (r *Rotation) succeeded(idx int, rotated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cd := r.cooldowns[idx]; cd != nil {
		L_info("llm: provider cooldown cleared", "provider", r.providers[idx].Name(), "wasReason", cd.reason)
		delete(r.cooldowns, idx)
	}
	if rotated || r.current != idx {
		L_info("llm: using fallback credential", "provider", r.providers[idx].Name())
	}
	r.current = idx
}

func (r *Rotation) markCooldown(idx int, errType ErrorType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cd := r.cooldowns[idx]
	if cd == nil {
		cd = &providerCooldown{}
		r.cooldowns[idx] = cd
	}
	cd.errorCount++
	cd.reason = errType
	cd.until = r.now().Add(cooldownDuration(cd.errorCount, errType == ErrorTypeBilling))

	L_debug("llm: provider cooldown",
		"provider", r.providers[idx].Name(),
		"until", cd.until.Format("15:04:05"),
		"reason", errType,
		"errorCount", cd.errorCount)
}

// cooldownDuration grows 1m, 5m, 25m, capped at 1h. Billing failures
// start at 5h and cap at 24h.
func cooldownDuration(errorCount int, isBilling bool) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}

	if isBilling {
		exponent := min(errorCount-1, 2)
		dur := time.Duration(float64(5*time.Hour) * math.Pow(2, float64(exponent)))
		return min(dur, 24*time.Hour)
	}

	exponent := min(errorCount-1, 3)
	dur := time.Duration(float64(time.Minute) * math.Pow(5, float64(exponent)))
	return min(dur, time.Hour)
}
