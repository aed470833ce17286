package poll

import "testing"

func TestOverrideResolve(t *testing.T) {
	var unset Override[int]

	if v, ok := unset.Resolve(30, true); !ok || v != 30 {
		t.Errorf("unset must keep the default, got (%d, %v)", v, ok)
	}
	if _, ok := unset.Resolve(0, false); ok {
		t.Error("unset with no default must resolve to nothing")
	}

	if v, ok := SetOverride(45).Resolve(30, true); !ok || v != 45 {
		t.Errorf("set must replace the default, got (%d, %v)", v, ok)
	}

	if _, ok := ClearOverride[int]().Resolve(30, true); ok {
		t.Error("clear must remove the default")
	}
}

func TestEffectivePoints(t *testing.T) {
	instance := validInstance()
	instance.Points = &PointsConfig{Enabled: true, AmountPerVote: 500}

	// No override keeps the instance default.
	amount, ok := ChannelOverrides{}.EffectivePoints(instance)
	if !ok || amount != 500 {
		t.Errorf("expected (500, true), got (%d, %v)", amount, ok)
	}

	// Override replaces the default.
	o := ChannelOverrides{PointsAmount: SetOverride(250)}
	amount, ok = o.EffectivePoints(instance)
	if !ok || amount != 250 {
		t.Errorf("expected (250, true), got (%d, %v)", amount, ok)
	}

	// Clear disables points for this channel only.
	o = ChannelOverrides{PointsAmount: ClearOverride[int]()}
	if _, ok := o.EffectivePoints(instance); ok {
		t.Error("cleared override must disable points")
	}

	// No instance default and no override means no points.
	instance.Points = nil
	if _, ok := (ChannelOverrides{}).EffectivePoints(instance); ok {
		t.Error("expected no points without a default")
	}
}

func TestEffectiveDuration(t *testing.T) {
	instance := validInstance()

	if d := (ChannelOverrides{}).EffectiveDuration(instance); d != 30 {
		t.Errorf("expected default duration 30, got %d", d)
	}

	o := ChannelOverrides{DurationSeconds: SetOverride(120)}
	if d := o.EffectiveDuration(instance); d != 120 {
		t.Errorf("expected overridden duration 120, got %d", d)
	}

	// Clearing a duration falls back to the instance value; a poll always
	// needs one.
	o = ChannelOverrides{DurationSeconds: ClearOverride[int]()}
	if d := o.EffectiveDuration(instance); d != 30 {
		t.Errorf("expected fallback duration 30, got %d", d)
	}
}
