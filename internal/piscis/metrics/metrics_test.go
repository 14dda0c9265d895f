package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/acuicola/piscis/internal/piscis/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.IncSubmission("EDIT", "created")
	m.IncSubmission("EDIT", "created")
	m.IncVerification("EDIT", "mismatch")
	m.ObserveHTTP("GET", "/health", 200, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.Submissions.WithLabelValues("EDIT", "created")); got != 2 {
		t.Errorf("submissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Verifications.WithLabelValues("EDIT", "mismatch")); got != 1 {
		t.Errorf("verifications = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "2xx")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances on distinct registries must not collide.
	_ = metrics.New(prometheus.NewRegistry())
	_ = metrics.New(prometheus.NewRegistry())
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	m.IncSubmission("EDIT", "created")
	m.IncDecision("EDIT", "approve")
	m.IncGateCheck("EDIT", "denied")
	m.IncMutation("especies", "UPDATE")
	m.IncNotification("email", "sent")
	m.ObserveHTTP("GET", "/", 500, time.Second)
}
