package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Activity("Create", "ok")
	c.Delivery("ok")
	c.Job("deliver", "done")
	c.CacheLookup("actor", "memory", true)
	c.QueueDepth("deliver", 3)
}

func TestHandlerExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.Activity("Follow", "ok")
	c.QueueDepth("deliver", 4)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `fedengine_activities_total{kind="Follow",result="ok"} 1`) {
		t.Errorf("Expected activity counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, `fedengine_queue_depth{class="deliver"} 4`) {
		t.Errorf("Expected queue depth gauge in output")
	}
}
