package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/telemetry"
)

var (
	ErrIntervalTooLong = errors.New("heartbeat interval must be at most a third of the lease ttl")
	ErrAlreadyBeating  = errors.New("lease already has an active heartbeat")
	ErrBeatStopped     = errors.New("heartbeat stopped")
)

// Renewer is the slice of the lease manager a heartbeat needs.
type Renewer interface {
	Renew(ctx context.Context, jobID, workerID string, epoch uint64, ttl time.Duration) (bool, error)
}

// Driver starts and tracks beats for the leases held by one process.
type Driver struct {
	renewer  Renewer
	interval time.Duration
	ttl      time.Duration
	beats    *xsync.Map[string, *Beat]
	log      *slog.Logger
}

// NewDriver validates the one-third rule and returns a driver.
func NewDriver(r Renewer, cfg config.Config, log *slog.Logger) (*Driver, error) {
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval*3 > cfg.LeaseTTL {
		return nil, fmt.Errorf("%w: interval=%s ttl=%s", ErrIntervalTooLong, cfg.HeartbeatInterval, cfg.LeaseTTL)
	}
	return &Driver{
		renewer:  r,
		interval: cfg.HeartbeatInterval,
		ttl:      cfg.LeaseTTL,
		beats:    xsync.NewMap[string, *Beat](),
		log:      logging.OrNop(log),
	}, nil
}

// Start begins renewing l. The beat's context derives from parent and is
// cancelled with lease.ErrLeaseLost when a renewal is refused or fails.
func (d *Driver) Start(parent context.Context, l models.Lease) (*Beat, error) {
	ctx, cancel := context.WithCancelCause(parent)
	b := &Beat{
		lease:  l,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if _, loaded := d.beats.LoadOrStore(l.JobID, b); loaded {
		cancel(ErrAlreadyBeating)
		return nil, fmt.Errorf("start heartbeat for %s: %w", l.JobID, ErrAlreadyBeating)
	}
	telemetry.HeartbeatsActive.Inc()
	go d.loop(b)
	return b, nil
}

// Get returns the active beat for jobID.
func (d *Driver) Get(jobID string) (*Beat, bool) {
	return d.beats.Load(jobID)
}

// Active reports how many beats are running.
func (d *Driver) Active() int {
	return d.beats.Size()
}

// StopAll stops every beat. Used on shutdown.
func (d *Driver) StopAll() {
	d.beats.Range(func(_ string, b *Beat) bool {
		b.Stop()
		return true
	})
}

func (d *Driver) loop(b *Beat) {
	defer func() {
		d.beats.Delete(b.lease.JobID)
		telemetry.HeartbeatsActive.Dec()
		close(b.done)
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			b.cancel(ErrBeatStopped)
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}

		// The renewal must not be cut short by the work context; its own
		// timeout comes from the manager.
		ok, err := d.renewer.Renew(context.WithoutCancel(b.ctx), b.lease.JobID, b.lease.WorkerID, b.lease.Epoch, d.ttl)
		if ok && err == nil {
			continue
		}
		cause := fmt.Errorf("%w: job %s epoch %d", lease.ErrLeaseLost, b.lease.JobID, b.lease.Epoch)
		if err != nil {
			cause = fmt.Errorf("%w: job %s epoch %d: %w", lease.ErrLeaseLost, b.lease.JobID, b.lease.Epoch, err)
		}
		telemetry.LeaseLost.Inc()
		d.log.Warn("lease lost, aborting work",
			"job_id", b.lease.JobID, "worker_id", b.lease.WorkerID, "epoch", b.lease.Epoch, "err", err)
		b.cancel(cause)
		return
	}
}

// Beat is the renewal loop bound to one held lease.
type Beat struct {
	lease    models.Lease
	ctx      context.Context
	cancel   context.CancelCauseFunc
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Lease returns the lease this beat keeps alive.
func (b *Beat) Lease() models.Lease { return b.lease }

// Context is cancelled when the lease is lost, the beat is stopped, or the
// parent context ends. context.Cause reports which.
func (b *Beat) Context() context.Context { return b.ctx }

// Check returns nil while the lease is believed held. Call it before every
// ledger write made on behalf of this lease.
func (b *Beat) Check() error {
	return context.Cause(b.ctx)
}

// Lost reports whether the beat ended because renewal failed.
func (b *Beat) Lost() bool {
	return errors.Is(context.Cause(b.ctx), lease.ErrLeaseLost)
}

// Done is closed once the renewal goroutine has exited.
func (b *Beat) Done() <-chan struct{} { return b.done }

// Stop ends renewals and waits for the goroutine to exit. Safe to call twice.
func (b *Beat) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}
