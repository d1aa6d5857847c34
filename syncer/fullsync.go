package syncer

import (
	"bytes"
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/rocks2redis/rocks2redis/decoder"
	"github.com/rocks2redis/rocks2redis/storage"
)

// FullSync copies the engine's current state into the target by walking a
// consistent snapshot, then records the snapshot's sequence number as the
// checkpoint so an incremental sync picks up exactly where the snapshot ends.
// Writes committed while the dump runs are not lost: they carry sequence
// numbers above the checkpoint and replay during the following sync.
func FullSync(ctx context.Context, src storage.SnapshotSource, dec *decoder.Decoder, w TargetWriter, ckpt CheckpointStore) error {
	if err := w.Connect(ctx); err != nil {
		return errors.Annotate(err, "connect target")
	}
	defer w.Close()

	snap := src.GetSnapshot()
	defer snap.Close()
	now := uint64(time.Now().UnixMilli())

	prefix := dec.NamespacePrefix()
	it := snap.NewIterator(storage.CfMetadata, prefix)
	defer it.Close()

	var dumped, skipped int
	for ; it.Valid() && bytes.HasPrefix(it.Key(), prefix); it.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ops, err := dec.EntityDumpOperations(snap, it.Key(), it.Value(), now)
		if err != nil {
			return errors.Annotate(err, "decode entity")
		}
		if len(ops) == 0 {
			skipped++
			continue
		}
		if err := w.SendBatch(ctx, ops); err != nil {
			return errors.Annotate(err, "send entity")
		}
		dumped++
		fullsyncKeyCounter.Inc()
	}
	if err := ckpt.Save(snap.Sequence()); err != nil {
		return errors.Annotate(err, "write checkpoint")
	}
	log.Info("full sync finished",
		zap.Int("keys", dumped),
		zap.Int("skipped", skipped),
		zap.Uint64("checkpoint", snap.Sequence()))
	return nil
}
