package segment

import "time"

// Rotation triggers reported in logs and metrics.
const (
	TriggerLines = "lines"
	TriggerAge   = "age"
	TriggerDrain = "drain"
)

// ActiveState is an immutable snapshot of the active segment at write time.
// It carries everything a policy needs; no files, no locks, no writer.
type ActiveState struct {
	Index    uint64
	OpenedAt time.Time
	Lines    uint64
}

// RotationPolicy decides whether the active segment is closed before the
// next accepted record is written. Policies are pure: no IO, no mutation.
//
// ShouldRotate returns the trigger name, or nil to keep writing.
type RotationPolicy interface {
	ShouldRotate(state ActiveState) *string
}

// RotationPolicyFunc adapts an ordinary function to RotationPolicy.
type RotationPolicyFunc func(state ActiveState) *string

func (f RotationPolicyFunc) ShouldRotate(state ActiveState) *string {
	return f(state)
}

func trigger(name string) *string {
	return &name
}

// CompositePolicy rotates if any sub-policy does. The first match names
// the trigger.
type CompositePolicy struct {
	policies []RotationPolicy
}

func NewCompositePolicy(policies ...RotationPolicy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldRotate(state ActiveState) *string {
	for _, p := range c.policies {
		if t := p.ShouldRotate(state); t != nil {
			return t
		}
	}
	return nil
}

// LineCountPolicy rotates once the segment holds maxLines records, so the
// record being written lands in the next segment. Zero disables it.
type LineCountPolicy struct {
	maxLines uint64
}

func NewLineCountPolicy(maxLines uint64) *LineCountPolicy {
	return &LineCountPolicy{maxLines: maxLines}
}

func (p *LineCountPolicy) ShouldRotate(state ActiveState) *string {
	if p.maxLines == 0 {
		return nil
	}
	if state.Lines >= p.maxLines {
		return trigger(TriggerLines)
	}
	return nil
}

// AgePolicy rotates once now-OpenedAt reaches maxAge. It is evaluated per
// accepted record, so the effective granularity is the inter-record gap.
// Zero disables it.
type AgePolicy struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewAgePolicy creates an age policy. If now is nil, time.Now is used.
func NewAgePolicy(maxAge time.Duration, now func() time.Time) *AgePolicy {
	if now == nil {
		now = time.Now
	}
	return &AgePolicy{maxAge: maxAge, now: now}
}

func (p *AgePolicy) ShouldRotate(state ActiveState) *string {
	if p.maxAge <= 0 || state.OpenedAt.IsZero() {
		return nil
	}
	if p.now().Sub(state.OpenedAt) >= p.maxAge {
		return trigger(TriggerAge)
	}
	return nil
}

// NeverRotatePolicy keeps one segment for the whole run.
type NeverRotatePolicy struct{}

func (NeverRotatePolicy) ShouldRotate(ActiveState) *string { return nil }

// DefaultPolicy combines the line and age bounds, whichever fires first.
func DefaultPolicy(maxLines uint64, maxAge time.Duration, now func() time.Time) RotationPolicy {
	return NewCompositePolicy(
		NewLineCountPolicy(maxLines),
		NewAgePolicy(maxAge, now),
	)
}
