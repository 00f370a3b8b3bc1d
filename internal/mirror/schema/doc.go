// Package schema defines the entities mirrored between a device and the remote authority.
//
// # Overview
//
// Two entity kinds are synchronized: Tab (a named view over tasks) and Task
// (a node in a tree that is at most three levels deep). Both carry a
// client-generated ClientID, which is the durable identity used to correlate
// the local row with the authority's copy. The integer ID is assigned by the
// authority and is absent until the entity has been pushed once.
//
// # Sync Status
//
// Every local row carries a SyncStatus:
//
//	pending  --push accepted-->   synced
//	pending  --push diverged-->   conflict
//	conflict --resolution-->      synced (or pending again on a later edit)
//
// Any local field mutation resets the status to pending. Rows materialized
// from an authority snapshot are always synced.
//
// # Wire Format
//
// The request and response bodies of the sync protocol (pull, push,
// batch-push, resolve) are declared in wire.go. Entities travel as the same
// JSON documents stored locally, minus the local-only sync bookkeeping
// fields (see Tab.Payload and Task.Payload).
//
// # Errors
//
// errors.go holds the sentinel errors shared by the store, the remote client
// and the sync engine. Check them with errors.Is.
package schema
