package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"pkt.systems/evalfleet/internal/harness"
	"pkt.systems/evalfleet/internal/shipohoy"
)

func TestMetricsTrackRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	rt := newFakeRuntime(7)
	eval := evalFunc(func(_ context.Context, req harness.Request) (harness.Outcome, error) {
		out := exitWith(req, 0)
		if req.Identity == "bad" {
			out = exitWith(req, 2)
		}
		out.Elapsed = 2 * time.Second
		return out, nil
	})
	coord, err := New(Config{
		RunID:        "m",
		BasePort:     7000,
		InternalPort: 8000,
		Admission:    AdmissionConfig{MemoryBudget: 1000, MaxContainers: 3, PollInterval: 5 * time.Millisecond},
	}, Deps{
		Yard:    shipohoy.Commission(shipohoy.YardPlan{}, rt),
		Prober:  fakeProber{},
		Harness: eval,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := coord.Run(context.Background(), specs("good", "bad")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := testutil.ToFloat64(metrics.terminal.WithLabelValues(string(StateCompleted))); got != 1 {
		t.Fatalf("expected 1 completed, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.terminal.WithLabelValues(string(StateEvalFailed))); got != 1 {
		t.Fatalf("expected 1 eval_failed, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.memoryBudget); got != 1000 {
		t.Fatalf("expected budget gauge 1000, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.evalDuration); got != 1 {
		t.Fatalf("expected one duration histogram, got %d", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.observeSample(1, 2)
	m.setBudget(3)
	m.admissionWait()
	m.samplingError()
	m.terminalState(StateCompleted)
	m.probed(1)
	m.evaluated(time.Second)
}
