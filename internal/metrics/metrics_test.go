package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/icejuk/sipeksdk/internal/calllog"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/marshal"
	"github.com/icejuk/sipeksdk/internal/routing"
	"github.com/icejuk/sipeksdk/internal/session"
)

type fakeProviders struct {
	calls    int
	accounts []session.AccountStatus
	buddies  int
	counts   map[calllog.Type]int
	countErr error
}

func (f *fakeProviders) ActiveCallCount() int                     { return f.calls }
func (f *fakeProviders) AccountStatuses() []session.AccountStatus { return f.accounts }
func (f *fakeProviders) BuddyCount() int                          { return f.buddies }

func (f *fakeProviders) CountByType(context.Context) (map[calllog.Type]int, error) {
	return f.counts, f.countErr
}

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	out := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func newTestCollector(p *fakeProviders) *Collector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCollector(p, p, p, p, time.Now().Add(-time.Minute), logger)
}

func TestCollectProviders(t *testing.T) {
	p := &fakeProviders{
		calls: 2,
		accounts: []session.AccountStatus{
			{ID: 0, URI: "sip:1000@example.com", Status: 200},
			{ID: 1, URI: "sip:2000@example.com", Status: 403},
		},
		buddies: 3,
		counts:  map[calllog.Type]int{calllog.Dialed: 4, calllog.Missed: 1},
	}
	families := gather(t, newTestCollector(p))

	if got := families["sipek_active_calls"].GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("sipek_active_calls = %v, want 2", got)
	}
	if got := families["sipek_buddies"].GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("sipek_buddies = %v, want 3", got)
	}

	accounts := families["sipek_account_registered"].GetMetric()
	if len(accounts) != 2 {
		t.Fatalf("sipek_account_registered has %d series, want 2", len(accounts))
	}
	for _, m := range accounts {
		want := 0.0
		if labelValue(m, "status") == "200" {
			want = 1
		}
		if got := m.GetGauge().GetValue(); got != want {
			t.Errorf("account %s = %v, want %v", labelValue(m, "uri"), got, want)
		}
	}

	byType := make(map[string]float64)
	for _, m := range families["sipek_call_log_entries"].GetMetric() {
		byType[labelValue(m, "type")] = m.GetGauge().GetValue()
	}
	want := map[string]float64{"dialed": 4, "received": 0, "missed": 1}
	for typ, n := range want {
		if byType[typ] != n {
			t.Errorf("sipek_call_log_entries{type=%s} = %v, want %v", typ, byType[typ], n)
		}
	}

	if got := families["sipek_uptime_seconds"].GetMetric()[0].GetGauge().GetValue(); got < 60 {
		t.Errorf("sipek_uptime_seconds = %v, want >= 60", got)
	}
}

func TestCollectCallLogError(t *testing.T) {
	p := &fakeProviders{countErr: errors.New("database is locked")}
	families := gather(t, newTestCollector(p))

	if _, ok := families["sipek_call_log_entries"]; ok {
		t.Error("sipek_call_log_entries reported despite provider error")
	}
	if _, ok := families["sipek_uptime_seconds"]; !ok {
		t.Error("sipek_uptime_seconds missing")
	}
}

func TestNilProviders(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	families := gather(t, NewCollector(nil, nil, nil, nil, time.Now(), logger))
	if _, ok := families["sipek_active_calls"]; ok {
		t.Error("sipek_active_calls reported without a provider")
	}
	if _, ok := families["sipek_uptime_seconds"]; !ok {
		t.Error("sipek_uptime_seconds missing")
	}
}

func TestObservers(t *testing.T) {
	c := newTestCollector(&fakeProviders{})

	c.ObserveNotification(marshal.KindCallState)
	c.ObserveNotification(marshal.KindCallState)
	c.ObserveConnect(routing.Connection{Src: 1, Dst: 0}, nil)
	c.ObserveConnect(routing.Connection{Src: 1, Dst: 2}, errors.New("no port"))
	c.ObserveDispatch(feature.DoNotDisturb, nil)
	c.ObserveEvent(engine.CallStateChanged{})
	c.ObserveCallLogWrite(calllog.Entry{}, nil)

	families := gather(t, c)

	tests := []struct {
		family string
		label  string
		value  string
		want   float64
	}{
		{"sipek_notifications_total", "kind", "call_state", 2},
		{"sipek_media_connects_total", "result", "ok", 1},
		{"sipek_media_connects_total", "result", "error", 1},
		{"sipek_service_requests_total", "service", feature.DoNotDisturb.String(), 1},
		{"sipek_engine_events_total", "type", "CallStateChanged", 1},
		{"sipek_call_log_writes_total", "result", "ok", 1},
	}
	for _, tt := range tests {
		var got float64
		for _, m := range families[tt.family].GetMetric() {
			if labelValue(m, tt.label) == tt.value {
				got = m.GetCounter().GetValue()
			}
		}
		if got != tt.want {
			t.Errorf("%s{%s=%q} = %v, want %v", tt.family, tt.label, tt.value, got, tt.want)
		}
	}
}

func TestEventType(t *testing.T) {
	if got := EventType(engine.TimerFired{}); got != "TimerFired" {
		t.Errorf("EventType() = %q, want TimerFired", got)
	}
	if got := EventType(&engine.RegStateChanged{}); got != "RegStateChanged" {
		t.Errorf("EventType(pointer) = %q, want RegStateChanged", got)
	}
}
