// Package syncer drives the replication pipeline: change reader -> decoder ->
// target writer -> checkpoint store, under a small run/stop state machine.
package syncer

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/rocks2redis/rocks2redis/decoder"
	"github.com/rocks2redis/rocks2redis/storage"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// DecodePolicy selects how the pipeline reacts to undecodable records.
type DecodePolicy int

const (
	// PolicyHalt stops the pipeline, preserving the checkpoint at the last
	// good batch for operator intervention.
	PolicyHalt DecodePolicy = iota
	// PolicySkip logs, drops the unresolvable records and keeps replicating.
	PolicySkip
)

func ParseDecodePolicy(s string) (DecodePolicy, error) {
	switch s {
	case "halt":
		return PolicyHalt, nil
	case "skip":
		return PolicySkip, nil
	}
	return PolicyHalt, errors.Errorf("unknown decode policy %q, want halt or skip", s)
}

// TargetWriter is the downstream half of the pipeline. *writer.Writer
// implements it; tests substitute fakes.
type TargetWriter interface {
	Connect(ctx context.Context) error
	SendBatch(ctx context.Context, ops []decoder.Operation) error
	Close() error
}

// CheckpointStore persists replication progress. *checkpoint.Store implements
// it; tests substitute fakes.
type CheckpointStore interface {
	Load() (seq uint64, ok bool, err error)
	Save(seq uint64) error
}

// Syncer runs the pump loop on the calling goroutine; Stop and IsStopped are
// safe from any other goroutine, and cancellation is observed between units
// of work, never mid-flight.
type Syncer struct {
	source storage.ChangeSource
	dec    *decoder.Decoder
	writer TargetWriter
	ckpt   CheckpointStore
	policy DecodePolicy

	state  *atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(source storage.ChangeSource, dec *decoder.Decoder, w TargetWriter, ckpt CheckpointStore, policy DecodePolicy) *Syncer {
	return &Syncer{
		source: source,
		dec:    dec,
		writer: w,
		ckpt:   ckpt,
		policy: policy,
		state:  atomic.NewInt32(int32(StateStopped)),
	}
}

func (s *Syncer) State() State { return State(s.state.Load()) }

func (s *Syncer) IsStopped() bool { return s.State() == StateStopped }

// Start resumes from the checkpoint and blocks pumping batches until Stop is
// called or a fatal error occurs. Valid only from the stopped state.
func (s *Syncer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	// The state transition and the cancel registration must be one atomic
	// step: a Stop that observes Starting has to find this run's cancel func.
	s.mu.Lock()
	if !s.state.CAS(int32(StateStopped), int32(StateStarting)) {
		s.mu.Unlock()
		cancel()
		return errors.Errorf("cannot start syncer in state %s", s.State())
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.state.Store(int32(StateStopped))
		log.Info("syncer stopped")
	}()

	last, ok, err := s.ckpt.Load()
	if err != nil {
		return errors.Annotate(err, "load checkpoint")
	}
	from := last + 1
	if ok {
		log.Info("resuming from checkpoint", zap.Uint64("last-applied", last))
	} else {
		from = s.source.LatestSequence() + 1
		log.Warn("no checkpoint found, tailing from the end of the change log; "+
			"run fullsync first if the target needs existing data",
			zap.Uint64("from", from))
	}

	if err := s.writer.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Annotate(err, "connect target")
	}
	defer s.writer.Close()

	cursor, err := s.source.OpenChangeCursor(from)
	if err != nil {
		return errors.Annotatef(err, "open change cursor at %d", from)
	}
	defer cursor.Close()

	if !s.state.CAS(int32(StateStarting), int32(StateRunning)) {
		// Stop arrived during startup.
		return nil
	}
	log.Info("pipeline running", zap.Uint64("from", from))
	return s.pump(ctx, cursor)
}

// Stop requests a cooperative shutdown; the in-flight batch finishes first.
// Safe to call from a signal handler goroutine, and a no-op when already
// stopped.
func (s *Syncer) Stop() {
	for {
		st := s.state.Load()
		if State(st) != StateStarting && State(st) != StateRunning {
			return
		}
		if s.state.CAS(st, int32(StateStopping)) {
			s.mu.Lock()
			if s.cancel != nil {
				s.cancel()
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *Syncer) pump(ctx context.Context, cursor storage.ChangeCursor) error {
	for {
		batch, err := cursor.Next(ctx)
		if err != nil {
			if shutdownErr(ctx, err) {
				return nil
			}
			return errors.Annotate(err, "read change log")
		}
		done, err := s.apply(ctx, batch)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}
}

// apply replicates one batch end to end. The checkpoint advances only after
// every operation of the batch has been acknowledged, so a crash re-delivers
// at most this batch. done is false on cooperative shutdown.
func (s *Syncer) apply(ctx context.Context, batch *storage.RawBatch) (done bool, err error) {
	ops, derr := s.dec.DecodeBatch(batch)
	if derr != nil {
		if s.policy == PolicyHalt {
			return false, errors.Annotatef(derr, "decode batch %d", batch.Sequence)
		}
		decodeSkipCounter.Inc()
		log.Warn("skipping undecodable records",
			zap.Uint64("seq", batch.Sequence),
			zap.Error(derr))
	}
	if len(ops) > 0 {
		if err := s.writer.SendBatch(ctx, ops); err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, errors.Annotatef(err, "send batch %d", batch.Sequence)
		}
	}
	applied := batch.EndSequence()
	if err := s.ckpt.Save(applied); err != nil {
		// Progress is retained in the cursor position; the next batch's save
		// covers this one. Restart may re-apply, which at-least-once allows.
		checkpointErrorCounter.Inc()
		log.Warn("checkpoint write failed, keeping progress in memory",
			zap.Uint64("seq", applied),
			zap.Error(err))
	} else {
		checkpointGauge.Set(float64(applied))
	}
	batchCounter.Inc()
	opsCounter.Add(float64(len(ops)))
	log.Debug("applied batch",
		zap.Uint64("seq", batch.Sequence),
		zap.Int("operations", len(ops)))
	return true, nil
}

func shutdownErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	cause := errors.Cause(err)
	return cause == storage.ErrCursorClosed || cause == context.Canceled
}
