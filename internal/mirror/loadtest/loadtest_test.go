package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

func seed(t testing.TB, numTabs, rootsPerTab int) *Fixture {
	t.Helper()
	f, err := Seed(filepath.Join(t.TempDir(), "mirror.db"), numTabs, rootsPerTab)
	if err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSeed(t *testing.T) {
	f := seed(t, 3, 4)
	ctx := context.Background()

	if len(f.TabIDs) != 3 {
		t.Errorf("TabIDs = %d, want 3", len(f.TabIDs))
	}
	if len(f.RootIDs) != 12 {
		t.Errorf("RootIDs = %d, want 12", len(f.RootIDs))
	}
	if len(f.TaskIDs) != 60 {
		t.Errorf("TaskIDs = %d, want 60", len(f.TaskIDs))
	}

	tasks, err := f.Store.TasksByTab(ctx, nil)
	if err != nil {
		t.Fatalf("TasksByTab() failed: %v", err)
	}
	if len(tasks) != 60 {
		t.Errorf("TasksByTab(nil) = %d tasks, want 60", len(tasks))
	}
	if err := CheckHierarchy(tasks); err != nil {
		t.Errorf("CheckHierarchy() on seeded mirror: %v", err)
	}

	// Children inherit the root's tab.
	perTab, err := f.Store.TasksByTab(ctx, &f.TabIDs[0])
	if err != nil {
		t.Fatalf("TasksByTab() failed: %v", err)
	}
	if len(perTab) != 20 {
		t.Errorf("TasksByTab(tab 0) = %d tasks, want 20", len(perTab))
	}

	due, err := f.Store.TasksDueToday(ctx)
	if err != nil {
		t.Fatalf("TasksDueToday() failed: %v", err)
	}
	if len(due) != f.DueToday {
		t.Errorf("TasksDueToday() = %d, want %d", len(due), f.DueToday)
	}

	stats, err := f.Store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.Pending == 0 {
		t.Error("seeded entities should be pending until synced")
	}
}

func TestRunConcurrentReads(t *testing.T) {
	f := seed(t, 2, 5)

	stats, err := f.RunConcurrentReads(10, 8)
	if err != nil {
		t.Fatalf("RunConcurrentReads() failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during reads", stats.Errors)
	}
	if stats.TotalQueries != 80 {
		t.Errorf("TotalQueries = %d, want 80", stats.TotalQueries)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P99 || stats.P99 > stats.Max {
		t.Errorf("percentiles out of order: %s", stats)
	}
	t.Logf("Latency: %s", stats)
}

func TestVerifyConsistency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping consistency run in short mode")
	}
	f := seed(t, 2, 5)

	if err := f.VerifyConsistency(8, 3, 500*time.Millisecond); err != nil {
		t.Errorf("VerifyConsistency() failed: %v", err)
	}

	tasks, err := f.Store.TasksByTab(context.Background(), nil)
	if err != nil {
		t.Fatalf("TasksByTab() failed: %v", err)
	}
	if err := CheckHierarchy(tasks); err != nil {
		t.Errorf("CheckHierarchy() after run: %v", err)
	}
}

func TestCheckHierarchy(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*schema.Task
		wantErr bool
	}{
		{
			name: "valid tree",
			tasks: []*schema.Task{
				{ClientID: "a", IsCompleted: true},
				{ClientID: "b", ParentClientID: "a", Depth: 1, IsCompleted: true},
				{ClientID: "c", ParentClientID: "b", Depth: 2, IsCompleted: true},
			},
		},
		{
			name: "open parent with completed child",
			tasks: []*schema.Task{
				{ClientID: "a"},
				{ClientID: "b", ParentClientID: "a", Depth: 1, IsCompleted: true},
			},
		},
		{
			name: "missing parent",
			tasks: []*schema.Task{
				{ClientID: "b", ParentClientID: "a", Depth: 1},
			},
			wantErr: true,
		},
		{
			name: "wrong depth",
			tasks: []*schema.Task{
				{ClientID: "a"},
				{ClientID: "b", ParentClientID: "a", Depth: 2},
			},
			wantErr: true,
		},
		{
			name: "too deep",
			tasks: []*schema.Task{
				{ClientID: "a", Depth: 3},
			},
			wantErr: true,
		},
		{
			name: "completed parent with open child",
			tasks: []*schema.Task{
				{ClientID: "a", IsCompleted: true},
				{ClientID: "b", ParentClientID: "a", Depth: 1},
			},
			wantErr: true,
		},
		{
			name: "tombstone in listing",
			tasks: []*schema.Task{
				{ClientID: "a", IsDeleted: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckHierarchy(tt.tasks)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckHierarchy() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v, want 1ms/100ms", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}
	if stats.TotalQueries != 100 {
		t.Errorf("TotalQueries = %d, want 100", stats.TotalQueries)
	}
	if got := computeLatencyStats(nil); got.TotalQueries != 0 {
		t.Errorf("empty stats TotalQueries = %d", got.TotalQueries)
	}
}

func BenchmarkTasksByTab(b *testing.B) {
	f := seed(b, 4, 50)
	ctx := context.Background()
	tab := f.TabIDs[0]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Store.TasksByTab(ctx, &tab); err != nil {
			b.Fatalf("TasksByTab() failed: %v", err)
		}
	}
}

func BenchmarkPendingChanges(b *testing.B) {
	f := seed(b, 4, 50)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Store.PendingChanges(ctx); err != nil {
			b.Fatalf("PendingChanges() failed: %v", err)
		}
	}
}

func BenchmarkConcurrentReads(b *testing.B) {
	f := seed(b, 4, 50)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.RunConcurrentReads(20, 5); err != nil {
			b.Fatalf("RunConcurrentReads() failed: %v", err)
		}
	}
}
