package poolstats

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var _ stat = (*statMock)(nil)

type statMock struct {
	acquireCount         int64
	acquireDuration      time.Duration
	acquiredConns        int32
	canceledAcquireCount int64
	constructingConns    int32
	emptyAcquireCount    int64
	idleConns            int32
	maxConns             int32
	totalConns           int32
}

func (m *statMock) AcquireCount() int64            { return m.acquireCount }
func (m *statMock) AcquireDuration() time.Duration { return m.acquireDuration }
func (m *statMock) AcquiredConns() int32           { return m.acquiredConns }
func (m *statMock) CanceledAcquireCount() int64    { return m.canceledAcquireCount }
func (m *statMock) ConstructingConns() int32       { return m.constructingConns }
func (m *statMock) EmptyAcquireCount() int64       { return m.emptyAcquireCount }
func (m *statMock) IdleConns() int32               { return m.idleConns }
func (m *statMock) MaxConns() int32                { return m.maxConns }
func (m *statMock) TotalConns() int32              { return m.totalConns }

func TestDescribe(t *testing.T) {
	t.Parallel()
	c := newCollector(func() stat { return &statMock{} }, t.Name())

	ch := make(chan *prometheus.Desc)
	go func() {
		c.Describe(ch)
		close(ch)
	}()

	descs := make(map[string]struct{})
	for d := range ch {
		descs[d.String()] = struct{}{}
	}
	if got, want := len(descs), 9; got != want {
		t.Errorf("distinct descriptors: got %d, want %d", got, want)
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()
	want := map[string]float64{
		"pgxpool_acquire_count":                  1,
		"pgxpool_acquire_duration_seconds_total": 2,
		"pgxpool_acquired_conns":                 3,
		"pgxpool_canceled_acquire_count":         4,
		"pgxpool_constructing_conns":             5,
		"pgxpool_empty_acquire":                  6,
		"pgxpool_idle_conns":                     7,
		"pgxpool_max_conns":                      8,
		"pgxpool_total_conns":                    9,
	}
	mock := &statMock{
		acquireCount:         1,
		acquireDuration:      2 * time.Second,
		acquiredConns:        3,
		canceledAcquireCount: 4,
		constructingConns:    5,
		emptyAcquireCount:    6,
		idleConns:            7,
		maxConns:             8,
		totalConns:           9,
	}
	c := newCollector(func() stat { return mock }, t.Name())

	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	seen := 0
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatal(err)
		}
		var got float64
		switch {
		case pb.GetCounter() != nil:
			got = pb.GetCounter().GetValue()
		case pb.GetGauge() != nil:
			got = pb.GetGauge().GetValue()
		}
		desc := m.Desc().String()
		matched := false
		for name, v := range want {
			if strings.Contains(desc, name) {
				if got != v {
					t.Errorf("%s: got %g, want %g", name, got, v)
				}
				matched = true
				break
			}
		}
		if !matched {
			t.Errorf("unexpected metric: %s", desc)
		}
		seen++
	}
	if seen != len(want) {
		t.Errorf("metrics emitted: got %d, want %d", seen, len(want))
	}
}
