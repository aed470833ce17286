package poll

// overrideState distinguishes "not provided" from "explicitly cleared".
type overrideState int

const (
	overrideUnset overrideState = iota
	overrideClear
	overrideSet
)

// Override is a per-channel override for one field. Unset keeps the
// instance default, Clear removes the value entirely, Set replaces it.
type Override[T any] struct {
	state overrideState
	value T
}

// SetOverride returns an override carrying a value.
func SetOverride[T any](v T) Override[T] {
	return Override[T]{state: overrideSet, value: v}
}

// ClearOverride returns an override that removes the default.
func ClearOverride[T any]() Override[T] {
	return Override[T]{state: overrideClear}
}

// IsSet reports whether the override carries a value.
func (o Override[T]) IsSet() bool { return o.state == overrideSet }

// IsClear reports whether the override removes the default.
func (o Override[T]) IsClear() bool { return o.state == overrideClear }

// Resolve merges the override over a default. The boolean is false when
// the field ends up cleared.
func (o Override[T]) Resolve(def T, hasDefault bool) (T, bool) {
	switch o.state {
	case overrideSet:
		return o.value, true
	case overrideClear:
		var zero T
		return zero, false
	default:
		return def, hasDefault
	}
}

// ChannelOverrides are per-channel adjustments applied at dispatch time.
type ChannelOverrides struct {
	PointsAmount    Override[int]
	DurationSeconds Override[int]
}

// EffectivePoints resolves the points amount for a channel. The second
// return is false when points voting is disabled for this channel.
func (o ChannelOverrides) EffectivePoints(instance *Instance) (int, bool) {
	def := 0
	hasDefault := instance.Points.Requested()
	if hasDefault {
		def = instance.Points.AmountPerVote
	}

	amount, ok := o.PointsAmount.Resolve(def, hasDefault)
	if !ok || amount <= 0 {
		return 0, false
	}
	return amount, true
}

// EffectiveDuration resolves the poll duration for a channel.
func (o ChannelOverrides) EffectiveDuration(instance *Instance) int {
	d, ok := o.DurationSeconds.Resolve(instance.DurationSeconds, true)
	if !ok || d <= 0 {
		return instance.DurationSeconds
	}
	return d
}
