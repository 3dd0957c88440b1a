package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/vai-callbridge/pkg/core/turn"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/pacer"
)

func TestMetrics_CallLifecycle(t *testing.T) {
	m := New("test")

	m.CallStarted(call.DirectionInbound)
	m.CallStarted(call.DirectionOutbound)
	if got := testutil.ToFloat64(m.callsActive.WithLabelValues("inbound")); got != 1 {
		t.Fatalf("calls_active{inbound} = %v, want 1", got)
	}

	m.CallEnded(call.DirectionInbound, "ai_goodbye", 42*time.Second)
	if got := testutil.ToFloat64(m.callsActive.WithLabelValues("inbound")); got != 0 {
		t.Fatalf("calls_active{inbound} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.callsTotal.WithLabelValues("inbound", "ai_goodbye")); got != 1 {
		t.Fatalf("calls_total = %v, want 1", got)
	}

	m.ConfigResends(0)
	m.ConfigResends(1)
	if got := testutil.ToFloat64(m.configResends); got != 1 {
		t.Fatalf("config resends = %v, want 1", got)
	}
}

func TestMetrics_PacerAndTurn(t *testing.T) {
	m := New("test")

	m.FrameSent(0)
	m.FrameSent(20 * time.Millisecond)
	m.FramesDropped(pacer.DropQueueFull, 3)
	m.FramesDropped(pacer.DropCancelFlush, 0)
	m.Backpressure()
	m.QueueDepth(140)
	m.BargeIn(180 * time.Millisecond)
	m.Rejected(turn.RejectEcho)

	if got := testutil.ToFloat64(m.framesSent); got != 2 {
		t.Fatalf("frames sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.framesDropped.WithLabelValues("queue_full")); got != 3 {
		t.Fatalf("dropped{queue_full} = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(m.framesDropped); got != 1 {
		t.Fatalf("dropped series = %d, want 1 (zero drops are not recorded)", got)
	}
	if got := testutil.ToFloat64(m.backpressure); got != 1 {
		t.Fatalf("backpressure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.turnsRejected.WithLabelValues("echo_window")); got != 1 {
		t.Fatalf("rejected{echo_window} = %v, want 1", got)
	}
}

func TestMetrics_Dialer(t *testing.T) {
	m := New("test")

	m.ClaimResult("acme", "claimed")
	m.ClaimResult("acme", "no_capacity")
	m.SlotsInUse("acme", 3)
	m.SlotsInUse("acme", 2)
	m.Reaped(2)

	if got := testutil.ToFloat64(m.slotsInUse.WithLabelValues("acme")); got != 2 {
		t.Fatalf("slots in use = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.claimsTotal.WithLabelValues("acme", "no_capacity")); got != 1 {
		t.Fatalf("claims{no_capacity} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.leasesReaped); got != 2 {
		t.Fatalf("reaped = %v, want 2", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New("")
	m.RecordRequest("/v1/media", http.StatusSwitchingProtocols, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `callbridge_http_requests_total{route="/v1/media",status="101"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}
