// Package heartbeat keeps held leases alive.
//
// Each held lease gets one Beat: a goroutine that renews the liveness key every
// interval and, on the first refused or failed renewal, cancels the beat's
// context with lease.ErrLeaseLost. Work bound to the beat must call Check before
// any side-effecting write; the driver cannot interrupt arbitrary work.
//
// The interval may be at most a third of the lease TTL so two beats can be
// missed before the liveness key expires.
package heartbeat
