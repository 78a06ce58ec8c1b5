package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitAndHandlerExposesCounters(t *testing.T) {
	m := Init("lambdo_test")
	m.RecordVMBooted()
	m.RecordVMCrashed()
	m.RecordIPAllocated()
	m.RecordExecuteTimeout()
	m.RecordExecuteDuration(42)
	m.SetFleetSize("ready", 3)
	m.SetWarmPoolDepth("node/1.0", 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"lambdo_test_vms_booted_total 1",
		"lambdo_test_vms_crashed_total 1",
		"lambdo_test_ip_allocations_total 1",
		"lambdo_test_execute_timeouts_total 1",
		`lambdo_test_fleet_size{status="ready"} 3`,
		`lambdo_test_warm_pool_depth{language="node/1.0"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestGlobalInitializesOnFirstUse(t *testing.T) {
	global = nil
	if Global() == nil {
		t.Fatalf("expected Global to lazily initialize")
	}
}
