package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister(t *testing.T) {
	counter := func(help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_total", Help: help})
	}
	shared := counter("jobs")

	cases := []struct {
		name    string
		first   []prometheus.Collector
		second  []prometheus.Collector
		wantErr bool
	}{
		{"fresh", nil, []prometheus.Collector{shared}, false},
		{"same collector twice", []prometheus.Collector{shared}, []prometheus.Collector{shared}, false},
		{"equal descriptor", []prometheus.Collector{counter("jobs")}, []prometheus.Collector{counter("jobs")}, false},
		{"conflicting help", []prometheus.Collector{counter("jobs")}, []prometheus.Collector{counter("other")}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			if err := Register(reg, c.first...); err != nil {
				t.Fatalf("first Register: %v", err)
			}
			err := Register(reg, c.second...)
			if (err != nil) != c.wantErr {
				t.Errorf("Register err = %v; wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestMustRegisterPanicsOnConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth", Help: "a"}))
	defer func() {
		if recover() == nil {
			t.Error("expected panic on conflicting registration")
		}
	}()
	MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth", Help: "b"}))
}

func TestRegistererDefault(t *testing.T) {
	if Registerer(nil) != prometheus.DefaultRegisterer {
		t.Error("nil must resolve to the default registerer")
	}
	reg := prometheus.NewRegistry()
	if Registerer(reg) != reg {
		t.Error("explicit registerer replaced")
	}
}

func TestHandlerServesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "handled_total", Help: "h"})
	MustRegister(reg, c)
	c.Add(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "handled_total 3") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
}
