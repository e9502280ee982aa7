// internal/infra/etcd/etcd_queue.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"batchops/internal/domain"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// QueueReadyDir holds every message not yet permanently removed by Ack,
	// whether it has never been claimed or its claim's visibility window has
	// lapsed. A message never leaves this directory until it is acked; a
	// claim only hides it from other claimants until VisibleAt.
	QueueReadyDir = "/batchops/queue/ready/"
	// QueueDelayedDir holds messages not yet due, keyed by their fire time
	// so Promote can range-scan the prefix for everything due at or before
	// now.
	QueueDelayedDir = "/batchops/queue/delayed/"
)

type queueEntry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	UploadID   string    `json:"upload_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
	VisibleAt  time.Time `json:"visible_at,omitempty"`
}

type etcdQueue struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdQueue creates the shared work queue backed by etcd, mirroring the
// distributed job store's key-per-item layout but split across ready and
// delayed prefixes instead of a single job directory.
func NewEtcdQueue(client *clientv3.Client, logger *slog.Logger) domain.Queue {
	return &etcdQueue{
		client: client,
		logger: logger.With("component", "etcd-queue"),
		tracer: otel.Tracer("batchops-etcd-queue"),
	}
}

func (q *etcdQueue) Enqueue(ctx context.Context, jobID, uploadID string) error {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Enqueue")
	defer span.End()

	entry := queueEntry{
		ID:         newMessageID(),
		JobID:      jobID,
		UploadID:   uploadID,
		EnqueuedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("queue.message_id", entry.ID), attribute.String("job.id", jobID))

	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	key := path.Join(QueueReadyDir, entry.ID)
	if _, err := q.client.Put(ctx, key, string(buf)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put ready message")
		return fmt.Errorf("failed to enqueue message %s: %w", entry.ID, err)
	}
	return nil
}

// EnqueueAt puts a delayed entry keyed deterministically on (jobID, at) so a
// caller that retries the same fire after a crash — before it can durably
// record that the fire was dispatched — lands on the same key instead of
// inserting a second entry for it. The entry's ID is set to the key's
// basename so Promote and Ack always agree on which etcd key represents it.
func (q *etcdQueue) EnqueueAt(ctx context.Context, jobID, uploadID string, at time.Time) error {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.EnqueueAt")
	defer span.End()

	// Keying by fire-time-then-jobID lets Promote range-scan the delayed
	// prefix in fire order and stop at the first key past now, while making
	// the Put idempotent under retry for the same (jobID, at) pair.
	id := strconv.FormatInt(at.UTC().UnixNano(), 10) + "-" + jobID
	entry := queueEntry{
		ID:         id,
		JobID:      jobID,
		UploadID:   uploadID,
		EnqueuedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("queue.message_id", entry.ID), attribute.String("job.id", jobID))

	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	key := path.Join(QueueDelayedDir, id)
	if _, err := q.client.Put(ctx, key, string(buf)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put delayed message")
		return fmt.Errorf("failed to enqueue delayed message %s: %w", entry.ID, err)
	}
	return nil
}

func (q *etcdQueue) Promote(ctx context.Context, now time.Time) (int, error) {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Promote")
	defer span.End()

	resp, err := q.client.Get(ctx, QueueDelayedDir, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list delayed messages")
		return 0, fmt.Errorf("failed to list delayed messages: %w", err)
	}

	nowNanos := now.UTC().UnixNano()
	promoted := 0
	for _, kv := range resp.Kvs {
		keyBase := path.Base(string(kv.Key))
		fireAt, ok := parseFireTimePrefix(keyBase)
		if !ok || fireAt > nowNanos {
			break // keys are sorted ascending: nothing further is due yet
		}

		// Rewrite the entry's ID to the ready-dir key's basename so a later
		// Ack (which deletes by msg.ID alone) targets the key this message
		// actually lands on rather than whatever ID it carried in the
		// delayed dir.
		var entry queueEntry
		value := kv.Value
		if err := json.Unmarshal(kv.Value, &entry); err == nil {
			entry.ID = keyBase
			if buf, err := json.Marshal(entry); err == nil {
				value = buf
			}
		}

		newKey := path.Join(QueueReadyDir, keyBase)
		txn := q.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(string(kv.Key)), "=", kv.CreateRevision)).
			Then(
				clientv3.OpPut(newKey, string(value)),
				clientv3.OpDelete(string(kv.Key)),
			)
		txResp, err := txn.Commit()
		if err != nil {
			span.RecordError(err)
			return promoted, fmt.Errorf("failed to promote message %s: %w", string(kv.Key), err)
		}
		if txResp.Succeeded {
			promoted++
		}
	}
	span.SetAttributes(attribute.Int("queue.promoted", promoted))
	return promoted, nil
}

// Claim scans the ready directory for the oldest message whose VisibleAt has
// passed (unclaimed, or a prior claim's lease has lapsed without an Ack) and
// atomically advances its VisibleAt to now+leaseTTL, so a worker that
// crashes after claiming a message never loses it — the message simply
// becomes visible to another claimant once its lease runs out, instead of
// being deleted along with an expired etcd lease.
func (q *etcdQueue) Claim(ctx context.Context, leaseTTL time.Duration) (*domain.QueueMessage, error) {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Claim")
	defer span.End()

	resp, err := q.client.Get(ctx, QueueReadyDir, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list ready messages")
		return nil, fmt.Errorf("failed to list ready messages: %w", err)
	}

	now := time.Now().UTC()
	for _, kv := range resp.Kvs {
		var entry queueEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			q.logger.Warn("dropping unparsable queue entry", "key", string(kv.Key), "error", err)
			_, _ = q.client.Delete(ctx, string(kv.Key))
			continue
		}
		if entry.VisibleAt.After(now) {
			continue // still claimed by someone else
		}

		entry.Attempt++
		entry.VisibleAt = now.Add(leaseTTL)
		buf, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal claimed entry: %w", err)
		}

		txn := q.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpPut(string(kv.Key), string(buf)))
		txResp, err := txn.Commit()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to claim message %s: %w", entry.ID, err)
		}
		if !txResp.Succeeded {
			// Another worker claimed it first between our Get and Txn; try
			// the next candidate rather than failing the whole Claim.
			continue
		}

		span.SetAttributes(attribute.String("queue.message_id", entry.ID))
		return &domain.QueueMessage{
			ID:         entry.ID,
			JobID:      entry.JobID,
			UploadID:   entry.UploadID,
			EnqueuedAt: entry.EnqueuedAt,
			Attempt:    entry.Attempt,
		}, nil
	}
	return nil, domain.ErrQueueEmpty
}

func (q *etcdQueue) Ack(ctx context.Context, msg *domain.QueueMessage) error {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Ack")
	defer span.End()
	span.SetAttributes(attribute.String("queue.message_id", msg.ID))

	key := path.Join(QueueReadyDir, msg.ID)
	if _, err := q.client.Delete(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete acked message")
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return nil
}

func newMessageID() string {
	return uuid.NewString()
}

func parseFireTimePrefix(key string) (int64, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			v, err := strconv.ParseInt(key[:i], 10, 64)
			return v, err == nil
		}
	}
	v, err := strconv.ParseInt(key, 10, 64)
	return v, err == nil
}
