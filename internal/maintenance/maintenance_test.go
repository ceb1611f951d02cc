package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amibaren/essaygrader/internal/domain"
)

type fakePruner struct {
	cutoff  time.Time
	deleted int64
	err     error
}

func (f *fakePruner) DeleteReportsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, f.err
}

type fakeCache struct{ purged int }

func (f *fakeCache) PurgeCache() int {
	f.purged++
	return 7
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New("every tuesday", nil, nil)
	var ce *domain.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestSweeper_RunOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := New("0 3 * * *", NewMetrics(reg), nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 5, 20, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	pruner := &fakePruner{deleted: 4}
	cache := &fakeCache{}
	s.RetainReports(pruner, 30)
	s.RetainReports(pruner, 0) // ignored
	s.PurgeCache(cache)

	if got := s.Tasks(); len(got) != 2 || got[0] != "report_retention" || got[1] != "cache_purge" {
		t.Fatalf("tasks = %v", got)
	}
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if want := now.AddDate(0, 0, -30); !pruner.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", pruner.cutoff, want)
	}
	if cache.purged != 1 {
		t.Errorf("cache purged %d times", cache.purged)
	}

	families, _ := reg.Gather()
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[f.GetName()] += c.GetValue()
			}
		}
	}
	if values["essaygrader_maintenance_reports_deleted_total"] != 4 || values["essaygrader_maintenance_cache_entries_purged_total"] != 7 {
		t.Errorf("metrics = %v", values)
	}
}

func TestSweeper_ContinuesPastFailures(t *testing.T) {
	s, err := New("@hourly", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("database is locked")
	cache := &fakeCache{}
	s.RetainReports(&fakePruner{err: boom}, 7)
	s.PurgeCache(cache)

	err = s.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if cache.purged != 1 {
		t.Error("later tasks should still run")
	}
}

func TestSweeper_Next(t *testing.T) {
	s, err := New("30 2 * * 1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC) // Wednesday
	want := time.Date(2026, 5, 25, 2, 30, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := New("@every 1h", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())
	stop()
	stop()
}
