package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// Archiver is the downstream sink for detached batch snapshots.
type Archiver interface {
	Write(ctx context.Context, batch models.ArchiveBatch) (string, error)
}

// Accumulator owns the open batch. The receive path appends via Accept; a
// single upload worker drains detached snapshots, so at most one archive
// write is in flight and snapshots reach storage in flush order.
//
// On a failed flush the snapshot's messages are put back in front of the live
// batch, so nothing is dropped and receipt order is preserved across retries.
type Accumulator struct {
	cfg     *appconfig.Config
	stream  models.StreamIdentity
	archive Archiver

	mu           sync.Mutex
	batch        *models.Batch
	inFlight     bool
	pendingFlush bool

	flushCh chan models.ArchiveBatch
	ctx     context.Context
	wg      *sync.WaitGroup
	running bool
	log     *logger.Log

	// alarm throttles the sustained-backpressure escalation so a stuck
	// storage backend does not flood the log on every append.
	alarm *rate.Limiter

	now func() time.Time
}

func NewAccumulator(cfg *appconfig.Config, stream models.StreamIdentity, archive Archiver) *Accumulator {
	now := func() time.Time { return time.Now().UTC() }
	return &Accumulator{
		cfg:     cfg,
		stream:  stream,
		archive: archive,
		batch:   models.NewBatch(now()),
		flushCh: make(chan models.ArchiveBatch, 1),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		alarm:   rate.NewLimiter(rate.Every(time.Minute), 1),
		now:     now,
	}
}

// Start launches the upload worker.
func (a *Accumulator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("accumulator already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.wg.Add(1)
	go a.uploadWorker()

	a.log.WithComponent("accumulator").WithFields(logger.Fields{
		"window":       a.cfg.Batch.Window.String(),
		"max_messages": a.cfg.Batch.MaxMessages,
	}).Info("accumulator started")
	return nil
}

// Stop waits for the upload worker, letting an in-flight write finish rather
// than aborting an already-serialized batch.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("accumulator").Info("stopping accumulator")
	a.wg.Wait()
	a.log.WithComponent("accumulator").Info("accumulator stopped")
}

// Accept appends one message to the open batch and evaluates the flush
// policy. It is called from the receive path only; appends and flush
// triggers are serialized on that path.
func (a *Accumulator) Accept(msg models.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.batch.Append(msg)

	n := a.batch.Len()
	maxMessages := a.cfg.Batch.MaxMessages
	eligible := a.batch.Age(a.now()) >= a.cfg.Batch.Window || n >= maxMessages
	forced := n >= 2*maxMessages

	if n >= 3*maxMessages && a.alarm.Allow() {
		a.log.WithComponent("accumulator").WithFields(logger.Fields{
			"batch_size":   n,
			"max_messages": maxMessages,
		}).Error("sustained storage backpressure, batch at critical size")
	}

	if !eligible && !forced {
		return
	}

	if a.inFlight {
		// One write in flight at a time; remember the trigger and flush
		// as soon as the outstanding attempt resolves.
		if forced && !a.pendingFlush {
			a.pendingFlush = true
			a.log.WithComponent("accumulator").WithFields(logger.Fields{
				"batch_size": n,
			}).Warn("force flush queued behind outstanding upload")
		}
		return
	}

	a.detachLocked()
}

// detachLocked swaps the live batch for a fresh empty one and queues the
// snapshot for upload. Caller must hold a.mu, and a.inFlight must be false:
// the queue has capacity one and is empty whenever nothing is in flight.
func (a *Accumulator) detachLocked() {
	snapshot := a.batch
	a.batch = models.NewBatch(a.now())
	a.inFlight = true
	a.pendingFlush = false

	ab := models.ArchiveBatch{
		BatchID:     uuid.New().String(),
		Stream:      a.stream,
		Messages:    snapshot.Messages,
		RecordCount: snapshot.Len(),
		OpenedAt:    snapshot.OpenedAt,
		FlushTime:   a.now(),
	}

	a.log.WithComponent("accumulator").WithFields(logger.Fields{
		"batch_id":     ab.BatchID,
		"record_count": ab.RecordCount,
	}).Info("flushing batch")
	logger.IncrementFlush()

	a.flushCh <- ab
}

func (a *Accumulator) uploadWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("accumulator").WithFields(logger.Fields{"worker": "upload"})
	log.Info("starting upload worker")

	for {
		select {
		case batch := <-a.flushCh:
			a.process(batch)
		case <-a.ctx.Done():
			// Drain a snapshot queued just before cancellation.
			select {
			case batch := <-a.flushCh:
				a.process(batch)
			default:
			}
			log.Info("upload worker stopped due to context cancellation")
			return
		}
	}
}

// process runs one archive write and applies the retention policy. The write
// itself is detached from cancellation so an in-flight upload completes or
// exhausts its retries during shutdown.
func (a *Accumulator) process(batch models.ArchiveBatch) {
	key, err := a.archive.Write(context.WithoutCancel(a.ctx), batch)
	a.completeFlush(batch, key, err)
}

func (a *Accumulator) completeFlush(batch models.ArchiveBatch, key string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inFlight = false

	log := a.log.WithComponent("accumulator").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
	})

	if err != nil {
		// Retain everything: the failed snapshot goes back in front of
		// whatever arrived while the upload was outstanding.
		a.batch.Messages = append(batch.Messages, a.batch.Messages...)
		if batch.OpenedAt.Before(a.batch.OpenedAt) {
			a.batch.OpenedAt = batch.OpenedAt
		}
		logger.IncrementBatchRetained()
		log.WithError(err).WithFields(logger.Fields{
			"retained": a.batch.Len(),
		}).Error("flush failed, batch retained for next attempt")
	} else {
		log.WithFields(logger.Fields{"s3_key": key}).Debug("flush confirmed")
	}

	if a.ctx.Err() != nil {
		return
	}

	// Fire a queued or already-due flush now that the slot is free.
	n := a.batch.Len()
	if n == 0 {
		a.pendingFlush = false
		return
	}
	if a.pendingFlush || n >= a.cfg.Batch.MaxMessages || a.batch.Age(a.now()) >= a.cfg.Batch.Window {
		a.detachLocked()
	}
}

// FinalFlush archives whatever remains in the open batch. It is called once
// during shutdown, after the receive path and the upload worker have stopped;
// failures are logged and not retried further.
func (a *Accumulator) FinalFlush(ctx context.Context) {
	a.mu.Lock()

	// A snapshot detached after the upload worker exited is still sitting in
	// the queue with no receiver. Fold it back in front of the live batch so
	// the final write covers it.
	select {
	case orphan := <-a.flushCh:
		a.batch.Messages = append(orphan.Messages, a.batch.Messages...)
		if orphan.OpenedAt.Before(a.batch.OpenedAt) {
			a.batch.OpenedAt = orphan.OpenedAt
		}
		a.inFlight = false
	default:
	}

	snapshot := a.batch
	a.batch = models.NewBatch(a.now())
	flushTime := a.now()
	a.mu.Unlock()

	log := a.log.WithComponent("accumulator").WithFields(logger.Fields{"operation": "final_flush"})

	if snapshot.Len() == 0 {
		log.Info("no messages to flush at shutdown")
		return
	}

	ab := models.ArchiveBatch{
		BatchID:     uuid.New().String(),
		Stream:      a.stream,
		Messages:    snapshot.Messages,
		RecordCount: snapshot.Len(),
		OpenedAt:    snapshot.OpenedAt,
		FlushTime:   flushTime,
	}

	log.WithFields(logger.Fields{"record_count": ab.RecordCount}).Info("final flush")
	logger.IncrementFlush()

	key, err := a.archive.Write(ctx, ab)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"record_count": ab.RecordCount,
		}).Error("final flush failed, messages not archived")
		return
	}
	log.WithFields(logger.Fields{"s3_key": key}).Info("final flush archived")
}

// Len reports the size of the open batch.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batch.Len()
}
