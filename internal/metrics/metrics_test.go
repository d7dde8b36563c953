package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTickAccumulates(t *testing.T) {
	r := New()
	r.RecordTick(3, 1, false)
	r.RecordTick(0, 0, true)

	if got := testutil.ToFloat64(r.ticksTotal); got != 2 {
		t.Errorf("ticksTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.actionsTakenTotal); got != 3 {
		t.Errorf("actionsTakenTotal = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.actionsFailedTotal); got != 1 {
		t.Errorf("actionsFailedTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.convergedTicksTotal); got != 1 {
		t.Errorf("convergedTicksTotal = %v, want 1", got)
	}
}

func TestSetTimersPendingOverwrites(t *testing.T) {
	r := New()
	r.SetTimersPending(5)
	r.SetTimersPending(2)

	if got := testutil.ToFloat64(r.timersPending); got != 2 {
		t.Errorf("timersPending = %v, want 2", got)
	}
}

func TestGathererExposesRegisteredMetrics(t *testing.T) {
	r := New()
	r.RecordTimerFired()

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, fam := range families {
		if strings.Contains(fam.GetName(), "timers_fired_total") {
			found = true
		}
	}
	if !found {
		t.Error("expected orchestrator_timers_fired_total in gathered families")
	}
}
