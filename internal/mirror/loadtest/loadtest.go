// Package loadtest exercises the mirror store under concurrent access.
//
// It seeds a mirror with task trees spread over several tabs, then runs
// reader goroutines (the CLI, the dashboard's statistics, the sync engine's
// pending scan) against it, optionally while writer goroutines mutate the
// hierarchy. Readers check that every result they see is a consistent
// snapshot of the hierarchy.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Fixture is a populated mirror.
type Fixture struct {
	Store *db.DB

	TabIDs  []string
	RootIDs []string
	TaskIDs []string

	// DueToday counts the open tasks dated today at seeding time.
	DueToday int
}

// LatencyStats captures performance metrics from a load run.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// Seed creates a mirror at path holding rootsPerTab full-depth trees under
// each of numTabs tabs. Every root has two children and every child one
// grandchild, so each tree has five tasks. Roughly a third of the roots are
// due today.
func Seed(path string, numTabs, rootsPerTab int) (*Fixture, error) {
	store, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	f := &Fixture{Store: store}
	if err := f.populate(context.Background(), numTabs, rootsPerTab); err != nil {
		_ = store.Close()
		return nil, err
	}
	return f, nil
}

func (f *Fixture) populate(ctx context.Context, numTabs, rootsPerTab int) error {
	if err := f.Store.EnsureSystemTabs(ctx); err != nil {
		return err
	}

	// Deterministic so runs are comparable.
	rng := rand.New(rand.NewSource(42))
	today := time.Now().Format(schema.DateLayout)
	later := time.Now().AddDate(0, 0, 7).Format(schema.DateLayout)

	for i := 0; i < numTabs; i++ {
		tab, err := f.Store.CreateTab(ctx, fmt.Sprintf("Tab %d", i))
		if err != nil {
			return fmt.Errorf("failed to create tab %d: %w", i, err)
		}
		f.TabIDs = append(f.TabIDs, tab.ClientID)

		for j := 0; j < rootsPerTab; j++ {
			in := schema.TaskInput{
				TabClientID: tab.ClientID,
				Title:       fmt.Sprintf("Root %d.%d", i, j),
				DueDate:     later,
			}
			if rng.Intn(3) == 0 {
				in.DueDate = today
				f.DueToday++
			}
			root, err := f.Store.CreateTask(ctx, in)
			if err != nil {
				return fmt.Errorf("failed to create root %d.%d: %w", i, j, err)
			}
			f.RootIDs = append(f.RootIDs, root.ClientID)
			f.TaskIDs = append(f.TaskIDs, root.ClientID)

			for k := 0; k < 2; k++ {
				child, err := f.Store.CreateTask(ctx, schema.TaskInput{
					ParentClientID: root.ClientID,
					Title:          fmt.Sprintf("Child %d.%d.%d", i, j, k),
					DueDate:        later,
				})
				if err != nil {
					return fmt.Errorf("failed to create child of %s: %w", root.ClientID, err)
				}
				grand, err := f.Store.CreateTask(ctx, schema.TaskInput{
					ParentClientID: child.ClientID,
					Title:          fmt.Sprintf("Grandchild %d.%d.%d", i, j, k),
					DueDate:        later,
				})
				if err != nil {
					return fmt.Errorf("failed to create grandchild of %s: %w", child.ClientID, err)
				}
				f.TaskIDs = append(f.TaskIDs, child.ClientID, grand.ClientID)
			}
		}
	}
	return nil
}

// Close closes the store.
func (f *Fixture) Close() error {
	if f.Store != nil {
		return f.Store.Close()
	}
	return nil
}

// query is one read a client of the mirror performs.
func (f *Fixture) query(ctx context.Context, reader, n int) error {
	switch n % 4 {
	case 0:
		tab := f.TabIDs[(reader+n)%len(f.TabIDs)]
		_, err := f.Store.TasksByTab(ctx, &tab)
		return err
	case 1:
		_, err := f.Store.TasksDueToday(ctx)
		return err
	case 2:
		_, err := f.Store.PendingChanges(ctx)
		return err
	default:
		_, err := f.Store.GetStats(ctx)
		return err
	}
}

// RunConcurrentReads runs numReaders goroutines performing queriesPerReader
// reads each and returns aggregated latency statistics.
func (f *Fixture) RunConcurrentReads(numReaders, queriesPerReader int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, numReaders)
	errs := make(chan error, numReaders)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, queriesPerReader)
			ctx := context.Background()
			for j := 0; j < queriesPerReader; j++ {
				start := time.Now()
				err := f.query(ctx, reader, j)
				durations = append(durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("reader %d query %d failed: %w", reader, j, err)
					return
				}
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	close(results)
	close(errs)

	errorCount := 0
	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
		errorCount++
	}

	var all []time.Duration
	for durations := range results {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConsistency runs numReaders readers against numWriters writers for
// duration. Writers toggle completion on roots and add and delete subtasks;
// readers check every full task listing with CheckHierarchy. The first
// violation or store error is returned.
func (f *Fixture) VerifyConsistency(numReaders, numWriters int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, numReaders+numWriters)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				tasks, err := f.Store.TasksByTab(ctx, nil)
				if err != nil {
					if ctx.Err() == nil {
						errs <- fmt.Errorf("reader %d: %w", reader, err)
					}
					return
				}
				if err := CheckHierarchy(tasks); err != nil {
					errs <- fmt.Errorf("reader %d: %w", reader, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(writer)))
			for n := 0; ctx.Err() == nil; n++ {
				root := f.RootIDs[rng.Intn(len(f.RootIDs))]
				var err error
				switch n % 3 {
				case 0:
					_, err = f.Store.CompleteTask(ctx, root, rng.Intn(2) == 0)
				case 1:
					var child *schema.Task
					child, err = f.Store.CreateTask(ctx, schema.TaskInput{
						ParentClientID: root,
						Title:          fmt.Sprintf("Extra %d.%d", writer, n),
					})
					if err == nil {
						err = f.Store.DeleteTask(ctx, child.ClientID)
					}
				default:
					title := fmt.Sprintf("Root edited by %d", writer)
					_, err = f.Store.UpdateTask(ctx, root, schema.TaskPatch{Title: &title})
				}
				if err != nil && ctx.Err() == nil {
					errs <- fmt.Errorf("writer %d: %w", writer, err)
					return
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

// CheckHierarchy validates a listing of live tasks: every parent is present
// and live, depth is one more than the parent's and within schema.MaxDepth,
// and no completed task has an incomplete child.
func CheckHierarchy(tasks []*schema.Task) error {
	byID := make(map[string]*schema.Task, len(tasks))
	for _, task := range tasks {
		if task.IsDeleted {
			return fmt.Errorf("deleted task %s in live listing", task.ClientID)
		}
		byID[task.ClientID] = task
	}
	for _, task := range tasks {
		if task.Depth < 0 || task.Depth > schema.MaxDepth {
			return fmt.Errorf("task %s has depth %d", task.ClientID, task.Depth)
		}
		if task.ParentClientID == "" {
			if task.Depth != 0 {
				return fmt.Errorf("root task %s has depth %d", task.ClientID, task.Depth)
			}
			continue
		}
		parent, ok := byID[task.ParentClientID]
		if !ok {
			return fmt.Errorf("task %s has missing parent %s", task.ClientID, task.ParentClientID)
		}
		if task.Depth != parent.Depth+1 {
			return fmt.Errorf("task %s has depth %d under parent at depth %d", task.ClientID, task.Depth, parent.Depth)
		}
		if parent.IsCompleted && !task.IsCompleted {
			return fmt.Errorf("completed task %s has incomplete child %s", parent.ClientID, task.ClientID)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
	}
}

// String formats the statistics on one line.
func (s *LatencyStats) String() string {
	return fmt.Sprintf("queries=%d errors=%d min=%v p50=%v mean=%v p95=%v p99=%v max=%v",
		s.TotalQueries, s.Errors, s.Min, s.P50, s.Mean, s.P95, s.P99, s.Max)
}
