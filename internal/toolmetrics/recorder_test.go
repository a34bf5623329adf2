package toolmetrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"modelgate/internal/clock"
	"modelgate/internal/config"
	"modelgate/internal/toolmetrics"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestForService_UnknownServiceReturnsZeroValue(t *testing.T) {
	r := toolmetrics.New(clock.RealClock{}, nil)
	snap := r.ForService("ghost")
	assert.Equal(t, toolmetrics.Snapshot{}, snap)
}

func TestRecordEnd_ComputesAverageResponseTimeOverLast10Samples(t *testing.T) {
	fc := &fakeClock{now: time.Unix(1700000000, 0)}
	r := toolmetrics.New(fc, []config.ToolServiceCfg{{Name: "svc", QPSThreshold: 50}})

	for i := 0; i < 15; i++ {
		r.RecordStart("svc")
		r.RecordEnd("svc", 100, false)
	}

	snap := r.ForService("svc")
	assert.InDelta(t, 100.0, snap.AvgResponseTimeMs, 0.01)
}

func TestForService_QPSCountsRequestsWithinOneSecondWindow(t *testing.T) {
	fc := &fakeClock{now: time.Unix(1700000000, 0)}
	r := toolmetrics.New(fc, []config.ToolServiceCfg{{Name: "svc", QPSThreshold: 10}})

	for i := 0; i < 5; i++ {
		r.RecordStart("svc")
	}

	snap := r.ForService("svc")
	assert.Equal(t, 5.0, snap.QPS)
	assert.InDelta(t, 0.5, snap.LoadRate, 0.001)
}

func TestForService_OldRequestsPrunedFromQPSWindow(t *testing.T) {
	fc := &fakeClock{now: time.Unix(1700000000, 0)}
	r := toolmetrics.New(fc, []config.ToolServiceCfg{{Name: "svc", QPSThreshold: 10}})

	r.RecordStart("svc")
	fc.now = fc.now.Add(2 * time.Second)

	snap := r.ForService("svc")
	assert.Equal(t, 0.0, snap.QPS)
}

func TestUpdateServices_PreservesStateForSurvivingService(t *testing.T) {
	fc := &fakeClock{now: time.Unix(1700000000, 0)}
	r := toolmetrics.New(fc, []config.ToolServiceCfg{{Name: "svc", QPSThreshold: 10}})
	r.RecordStart("svc")

	r.UpdateServices([]config.ToolServiceCfg{
		{Name: "svc", QPSThreshold: 20},
		{Name: "new", QPSThreshold: 5},
	})

	snap := r.ForService("svc")
	assert.Equal(t, 1.0, snap.QPS, "pre-reload recent request must still count")
}
