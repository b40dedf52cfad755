package lease

import "errors"

var (
	// ErrLeaseConflict means a live lease already exists. Back off and retry later.
	ErrLeaseConflict = errors.New("lease conflict")
	// ErrLeaseLost means renewal was refused. The current epoch is dead; abort without retrying it.
	ErrLeaseLost = errors.New("lease lost")
	// ErrQuarantined means the job crossed the crash threshold and needs an operator reset.
	ErrQuarantined = errors.New("job quarantined")
	// ErrCrashPending means crash evidence for the job has not been consumed yet.
	ErrCrashPending = errors.New("crash evidence pending")
	// ErrInvalidTTL means the requested lease ttl is not positive or would
	// outlive the crash evidence written alongside it.
	ErrInvalidTTL = errors.New("invalid lease ttl")
	// ErrStoreUnavailable wraps transport failures talking to the lease store.
	ErrStoreUnavailable = errors.New("lease store unavailable")
)
