package finalize

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/queue"
	"github.com/blocktimefinancial/refractor-sub000/storage"
)

const (
	// DefaultTickInterval paces the claim loop.
	DefaultTickInterval = 3 * time.Second
	// DefaultSweepInterval paces the expiration sweep.
	DefaultSweepInterval = 60 * time.Second
	// DefaultTargetQueueSize is how many claimed tasks the loop keeps queued.
	DefaultTargetQueueSize = 10
)

// Callbacker posts a record to a callback URL. Satisfied by CallbackClient.
type Callbacker interface {
	Post(ctx context.Context, url string, rec *storage.TransactionRecord) error
}

// Config tunes the finalizer loops. Zero fields take defaults.
type Config struct {
	TickInterval    time.Duration
	SweepInterval   time.Duration
	TargetQueueSize int
	Logger          log.Logger
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.TargetQueueSize <= 0 {
		c.TargetQueueSize = DefaultTargetQueueSize
	}
	if c.Logger == nil {
		c.Logger = log.New("module", "finalize")
	}
	return c
}

// Finalizer claims ready records and turns them into queue tasks. The CAS
// on status is the only claim mechanism; a lost CAS means another claimant
// won and the record is dropped.
type Finalizer struct {
	registry  *chain.Registry
	store     storage.Provider
	queue     *queue.Queue
	submitter Submitter
	callback  Callbacker
	cfg       Config
	log       log.Logger
	now       func() int64

	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	meterClaimed   metrics.Meter
	meterProcessed metrics.Meter
	meterFailed    metrics.Meter
	meterExpired   metrics.Meter
}

// New builds a finalizer. Call Start to launch its loops.
func New(registry *chain.Registry, store storage.Provider, q *queue.Queue, submitter Submitter, callback Callbacker, cfg Config) *Finalizer {
	cfg = cfg.withDefaults()
	return &Finalizer{
		registry:  registry,
		store:     store,
		queue:     q,
		submitter: submitter,
		callback:  callback,
		cfg:       cfg,
		log:       cfg.Logger,
		now:       func() int64 { return time.Now().Unix() },
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),

		meterClaimed:   metrics.GetOrRegisterMeter("refractor/finalize/claimed", nil),
		meterProcessed: metrics.GetOrRegisterMeter("refractor/finalize/processed", nil),
		meterFailed:    metrics.GetOrRegisterMeter("refractor/finalize/failed", nil),
		meterExpired:   metrics.GetOrRegisterMeter("refractor/finalize/expired", nil),
	}
}

// Start launches the claim loop and the expiration sweep.
func (f *Finalizer) Start() {
	f.wg.Add(2)
	go f.claimLoop()
	go f.sweepLoop()
}

// Stop halts both loops. Queued tasks are left to the queue's drain.
func (f *Finalizer) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
}

// Trigger requests an immediate tick, coalescing with any pending one. The
// engine calls this when a submission flips a record to ready.
func (f *Finalizer) Trigger(hash string) {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

func (f *Finalizer) claimLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.tick()
		case <-f.trigger:
			f.tick()
		case <-f.stop:
			return
		}
	}
}

func (f *Finalizer) sweepLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.sweep()
		case <-f.stop:
			return
		}
	}
}

// tick claims up to the queue deficit of due ready records.
func (f *Finalizer) tick() {
	deficit := f.cfg.TargetQueueSize - f.queue.Len()
	if deficit <= 0 {
		return
	}
	ctx := context.Background()
	now := f.now()
	recs, err := f.store.ListTransactions(ctx, storage.Filter{
		Status:     storage.StatusReady,
		MinTimeLTE: now,
		MaxTimeGT:  now,
		Limit:      deficit,
	})
	if err != nil {
		f.log.Error("Listing ready records failed", "err", err)
		return
	}
	for _, rec := range recs {
		ok, err := f.store.UpdateTransaction(ctx, rec.Hash, storage.Patch{Status: storage.StatusProcessing}, storage.StatusReady)
		if err != nil {
			f.log.Error("Claim failed", "hash", rec.Hash, "err", err)
			continue
		}
		if !ok {
			// Another claimant won the CAS.
			continue
		}
		f.meterClaimed.Mark(1)
		hash := rec.Hash
		f.queue.Enqueue(&queue.Task{
			Name:        "finalize " + hash,
			Run:         func(ctx context.Context) error { return f.finalize(ctx, hash) },
			OnExhausted: func(err error) { f.fail(hash, err) },
		})
	}
}

func (f *Finalizer) sweep() {
	n, err := f.store.CleanupExpired(context.Background(), f.now())
	if err != nil {
		f.log.Error("Expiration sweep failed", "err", err)
		return
	}
	if n > 0 {
		f.meterExpired.Mark(int64(n))
		f.log.Info("Expired records failed", "count", n)
	}
}

// finalize is one task attempt: submit, callback, then the terminal CAS.
// Retryable errors bump retryCount and bubble to the queue unchanged; the
// record stays in processing between attempts.
func (f *Finalizer) finalize(ctx context.Context, hash string) error {
	rec, err := f.store.FindTransaction(ctx, hash)
	if err != nil {
		return err
	}
	if rec.Status != storage.StatusProcessing {
		// A crash or a concurrent claimant already moved it on.
		return nil
	}
	if rec.Submit {
		// The store holds the unsigned payload; the broadcast copy carries
		// the recorded signatures re-attached through the chain handler.
		signed, err := f.assemble(rec)
		if err != nil {
			f.noteAttempt(ctx, hash)
			return err
		}
		wire := rec.Clone()
		wire.Payload = signed
		if err := f.submitter.Submit(ctx, wire); err != nil {
			f.noteAttempt(ctx, hash)
			return err
		}
	}
	if rec.CallbackURL != "" {
		body := rec.Clone()
		body.Status = storage.StatusProcessed
		body.SubmittedAt = f.now()
		storage.ApplyLegacyEcho(body)
		if err := f.callback.Post(ctx, rec.CallbackURL, body); err != nil {
			f.noteAttempt(ctx, hash)
			return err
		}
	}
	ok, err := f.store.UpdateTransaction(ctx, hash, storage.Patch{
		Status:      storage.StatusProcessed,
		SubmittedAt: f.now(),
	}, storage.StatusProcessing)
	if err != nil {
		return err
	}
	if ok {
		f.meterProcessed.Mark(1)
		f.log.Info("Record finalized", "hash", hash)
	}
	return nil
}

// assemble rebuilds the signed serialization from the stored unsigned
// payload and the record's signatures.
func (f *Finalizer) assemble(rec *storage.TransactionRecord) (string, error) {
	handler, err := f.registry.Handler(rec.Blockchain)
	if err != nil {
		return "", err
	}
	tx, err := handler.ParseTransaction(rec.Payload, rec.Encoding, rec.NetworkName)
	if err != nil {
		return "", err
	}
	for _, p := range rec.Signatures {
		tx, err = handler.AddSignature(tx, p.Signer, p.Signature)
		if err != nil {
			return "", err
		}
	}
	return handler.SerializeTransaction(tx, rec.Encoding)
}

// noteAttempt records a failed attempt on the record.
func (f *Finalizer) noteAttempt(ctx context.Context, hash string) {
	if _, err := f.store.UpdateTransaction(ctx, hash, storage.Patch{RetryDelta: 1}, storage.StatusProcessing); err != nil {
		f.log.Warn("Recording failed attempt", "hash", hash, "err", err)
	}
}

// fail moves a record to failed after its retry budget ran out or a
// permanent error.
func (f *Finalizer) fail(hash string, cause error) {
	msg := "finalization failed"
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := f.store.UpdateTransaction(context.Background(), hash, storage.Patch{
		Status:    storage.StatusFailed,
		LastError: msg,
	}, storage.StatusProcessing)
	if err != nil {
		f.log.Error("Failing record", "hash", hash, "err", err)
		return
	}
	if ok {
		f.meterFailed.Mark(1)
		f.log.Warn("Record failed", "hash", hash, "err", msg)
	}
}
