// Package sync drives replication between the local mirror and the remote
// authority.
//
// An Engine runs pull-then-push cycles. Pull applies every entity the
// authority changed since the last watermark, and the watermark only moves
// once the whole response is applied. Push then sends each pending entity.
// Accepted pushes mark the row synced. Rejected pushes mark it conflicted and
// join the pending-conflict set, which is published to listeners once the
// push pass is over.
//
// At most one cycle runs at a time. A Sync call made while another is in
// flight returns immediately with Result.Skipped set. When a lock file is
// configured the guard also spans processes, so the CLI and the daemon never
// sync the same mirror concurrently.
//
// Conflicts are resolved one entity at a time with Resolve:
//
//	engine, err := sync.New(store, client, sync.Config{})
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	if _, err := engine.Sync(ctx); err != nil {
//	    return err
//	}
//	for _, c := range engine.Conflicts() {
//	    err := engine.Resolve(ctx, c.EntityType, c.ClientID, schema.KeepServer)
//	    ...
//	}
//
// State transitions and conflict-set changes are delivered to listeners
// registered with Subscribe. Listeners run synchronously on the goroutine
// that caused the change.
package sync
