package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorsRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("vtree_test")
	c.MustRegister(reg)

	c.VersionsCreated.Inc()
	c.GCSlotsReclaimed.Add(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var gotVersions, gotReclaimed float64
	for _, mf := range families {
		switch mf.GetName() {
		case "vtree_test_mvcc_versions_created_total":
			gotVersions = counterValue(mf)
		case "vtree_test_mvcc_gc_slots_reclaimed_total":
			gotReclaimed = counterValue(mf)
		}
	}
	if gotVersions != 1 {
		t.Fatalf("versions_created_total = %v, want 1", gotVersions)
	}
	if gotReclaimed != 3 {
		t.Fatalf("gc_slots_reclaimed_total = %v, want 3", gotReclaimed)
	}
}

func counterValue(mf *dto.MetricFamily) float64 {
	if len(mf.Metric) == 0 {
		return 0
	}
	return mf.Metric[0].GetCounter().GetValue()
}
