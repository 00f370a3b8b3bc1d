// Package daemon schedules sync cycles for a mirror.
//
// Every automatic trigger funnels into a single worker goroutine that calls
// the orchestrator's Sync, so the orchestrator's single-flight guard is the
// only coordination needed:
//
//   - Timer: a ticker fires every Config.SyncInterval (default 5m).
//   - Lifecycle: Lifecycle(ctx, Background) queues a sync; Lifecycle(ctx,
//     Inactive) runs one synchronously before the process goes away.
//   - Change signal: a ChangeWatcher follows a marker file that other
//     processes touch after local mutations, and queues a sync once writes
//     have been quiet for Config.DebounceInterval.
//   - Manual: TriggerSync queues a sync on demand.
//
// Triggers that arrive while one is already queued are coalesced.
//
// # Usage
//
//	d, err := daemon.New(engine, &daemon.Config{
//	    SyncInterval:     5 * time.Minute,
//	    DebounceInterval: 2 * time.Second,
//	    SignalPath:       filepath.Join(dataDir, "changed"),
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// Mutating processes call Touch(signalPath) after each committed change.
//
// # Shutdown
//
// Stop cancels the timer and the watcher and waits for the worker; no
// automatic trigger fires afterwards. It does not close the orchestrator,
// which belongs to whoever composed the two.
package daemon
