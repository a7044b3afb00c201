package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("host", "1.0.0", "abc", "2024-01-01")
	RecordRequest("inpage", "getBalance", "ok", 100*time.Millisecond)
	PendingInc("inpage")
	PendingInc("inpage")
	PendingDec("inpage")
	RecordDropped("jsbridge", "unknown_id")
	RecordForwarded("inpage_to_host")
	SessionOpened()
	SessionOpened()
	SessionClosed()

	if v := testutil.ToFloat64(bridgeRequests.WithLabelValues("inpage", "getBalance", "ok")); v != 1 {
		t.Fatalf("bridge requests: %v", v)
	}
	if v := testutil.ToFloat64(bridgePending.WithLabelValues("inpage")); v != 1 {
		t.Fatalf("pending: %v", v)
	}
	if v := testutil.ToFloat64(droppedMessages.WithLabelValues("jsbridge", "unknown_id")); v != 1 {
		t.Fatalf("dropped: %v", v)
	}
	if v := testutil.ToFloat64(relayForwarded.WithLabelValues("inpage_to_host")); v != 1 {
		t.Fatalf("forwarded: %v", v)
	}
	if v := testutil.ToFloat64(hostSessions); v != 1 {
		t.Fatalf("sessions: %v", v)
	}
	if v := testutil.ToFloat64(hostSessionsTotal); v != 2 {
		t.Fatalf("sessions total: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("host", "2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
}
