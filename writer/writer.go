// Package writer owns the connection to the target redis-protocol server and
// replays decoded operations as a pipelined command stream.
package writer

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/go-redis/redis/v9"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/rocks2redis/rocks2redis/decoder"
)

const (
	defaultPipelineSize     = 128
	defaultDialTimeout      = 5 * time.Second
	defaultMaxRetryInterval = 30 * time.Second
	initialRetryInterval    = 100 * time.Millisecond
)

type Config struct {
	Addr             string
	Password         string
	DB               int
	DialTimeout      time.Duration
	MaxRetryInterval time.Duration
	PipelineSize     int
}

func (c *Config) fillDefaults() {
	if c.PipelineSize <= 0 {
		c.PipelineSize = defaultPipelineSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = defaultMaxRetryInterval
	}
}

// Client is the slice of the redis client the writer needs; tests substitute
// a fake.
type Client interface {
	Ping(ctx context.Context) error
	// Exec pipelines the operations in order and returns the per-command
	// reply errors alongside the transport error, if any.
	Exec(ctx context.Context, ops []decoder.Operation) ([]error, error)
	Close() error
}

// redisClient adapts go-redis to the Client seam.
type redisClient struct {
	rdb *goredis.Client
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *redisClient) Exec(ctx context.Context, ops []decoder.Operation) ([]error, error) {
	pipe := c.rdb.Pipeline()
	for _, op := range ops {
		pipe.Do(ctx, op.CommandArgs()...)
	}
	cmds, err := pipe.Exec(ctx)
	replies := make([]error, len(cmds))
	for i, cmd := range cmds {
		replies[i] = cmd.Err()
	}
	return replies, err
}

func (c *redisClient) Close() error { return c.rdb.Close() }

// Writer sends operations in submission order over one logical connection.
// Transient failures are retried with capped exponential backoff and no
// retry limit: the target is treated as eventually reachable, and stalling
// is preferred over dropping data.
type Writer struct {
	cfg    Config
	client Client
	dial   func(Config) Client
}

func New(cfg Config) *Writer {
	cfg.fillDefaults()
	return &Writer{
		cfg: cfg,
		dial: func(cfg Config) Client {
			return &redisClient{rdb: goredis.NewClient(&goredis.Options{
				Addr:        cfg.Addr,
				Password:    cfg.Password,
				DB:          cfg.DB,
				DialTimeout: cfg.DialTimeout,
				// The writer drives its own unbounded retry loop.
				MaxRetries: -1,
			})}
		},
	}
}

// Connect establishes and verifies the session, retrying until the target
// answers or ctx is canceled.
func (w *Writer) Connect(ctx context.Context) error {
	w.client = w.dial(w.cfg)
	err := backoff.RetryNotify(
		func() error { return w.client.Ping(ctx) },
		w.newBackOff(ctx),
		func(err error, next time.Duration) {
			reconnectCounter.Inc()
			log.Warn("target not reachable, retrying",
				zap.String("addr", w.cfg.Addr),
				zap.Duration("next-attempt-in", next),
				zap.Error(err))
		})
	if err != nil {
		return errors.Annotatef(err, "connect to %s", w.cfg.Addr)
	}
	log.Info("connected to target", zap.String("addr", w.cfg.Addr), zap.Int("db", w.cfg.DB))
	return nil
}

// SendBatch pipelines the operations in order and consumes acknowledgements
// in the same order. On I/O failure the whole remaining chunk is re-sent
// after backoff; the emitted command set is overwrite-style, so re-sending
// is safe for every command class except list pushes/pops, which can only
// double-apply across a crash (at-least-once).
func (w *Writer) SendBatch(ctx context.Context, ops []decoder.Operation) error {
	for start := 0; start < len(ops); start += w.cfg.PipelineSize {
		end := start + w.cfg.PipelineSize
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]
		err := backoff.RetryNotify(
			func() error { return w.sendChunk(ctx, chunk) },
			w.newBackOff(ctx),
			func(err error, next time.Duration) {
				sendRetryCounter.Inc()
				log.Warn("target send failed, retrying",
					zap.String("addr", w.cfg.Addr),
					zap.Duration("next-attempt-in", next),
					zap.Error(err))
			})
		if err != nil {
			return errors.Annotate(err, "send batch")
		}
		sentOpsCounter.Add(float64(len(chunk)))
	}
	return nil
}

func (w *Writer) sendChunk(ctx context.Context, ops []decoder.Operation) error {
	replies, err := w.client.Exec(ctx, ops)
	if err != nil && err != goredis.Nil && !isServerReply(err) {
		// Connection-level failure: partial application is unknown, so the
		// whole chunk is re-sent after backoff.
		return err
	}
	// The pipeline completed; reply-level rejections will not succeed on
	// replay, so they are surfaced in the log instead of stalling the stream.
	for i, rerr := range replies {
		if rerr != nil && rerr != goredis.Nil {
			commandErrorCounter.Inc()
			log.Error("target rejected command",
				zap.String("cmd", ops[i].Cmd),
				zap.String("key", ops[i].Key),
				zap.Error(rerr))
		}
	}
	return nil
}

func (w *Writer) Close() error {
	if w.client == nil {
		return nil
	}
	return w.client.Close()
}

func (w *Writer) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryInterval
	b.MaxInterval = w.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0 // retry until canceled
	return backoff.WithContext(b, ctx)
}

// isServerReply distinguishes an error the target answered with from a
// failure to talk to the target at all.
func isServerReply(err error) bool {
	var replyErr goredis.Error
	return stderrors.As(err, &replyErr)
}
