// internal/infra/etcd/etcd_schedule_registry.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"batchops/internal/clock"
	"batchops/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScheduleDir roots the durable per-job cron bookkeeping shared by every
// scheduler instance.
const ScheduleDir = "/batchops/schedules/"

type scheduleRecord struct {
	JobID          string     `json:"job_id"`
	CronExpr       string     `json:"cron_expr"`
	NextFireAt     time.Time  `json:"next_fire_at"`
	LastDispatched *time.Time `json:"last_dispatched,omitempty"`
}

type etcdScheduleRegistry struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
	zone   *time.Location
}

// NewEtcdScheduleRegistry creates the durable schedule store, laid out the
// same way the job store keys one record per job but under its own prefix
// so schedule state and job definitions can evolve independently.
func NewEtcdScheduleRegistry(client *clientv3.Client, logger *slog.Logger, zone *time.Location) domain.ScheduleRegistry {
	return &etcdScheduleRegistry{
		client: client,
		logger: logger.With("component", "etcd-schedule-registry"),
		tracer: otel.Tracer("batchops-etcd-schedule-registry"),
		zone:   zone,
	}
}

func (r *etcdScheduleRegistry) Register(ctx context.Context, jobID, cronExpr string, now time.Time) error {
	ctx, span := r.tracer.Start(ctx, "schedule_registry.etcd.Register")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	next, err := clock.NextFireAfter(cronExpr, now, r.zone)
	if err != nil {
		span.RecordError(err)
		return err
	}

	rec := scheduleRecord{JobID: jobID, CronExpr: cronExpr, NextFireAt: next}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule record: %w", err)
	}

	key := path.Join(ScheduleDir, jobID)
	if _, err := r.client.Put(ctx, key, string(buf)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put schedule record")
		return fmt.Errorf("failed to register schedule for job %s: %w", jobID, err)
	}
	return nil
}

func (r *etcdScheduleRegistry) Unregister(ctx context.Context, jobID string) error {
	ctx, span := r.tracer.Start(ctx, "schedule_registry.etcd.Unregister")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	key := path.Join(ScheduleDir, jobID)
	if _, err := r.client.Delete(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete schedule record")
		return fmt.Errorf("failed to unregister schedule for job %s: %w", jobID, err)
	}
	return nil
}

func (r *etcdScheduleRegistry) Due(ctx context.Context, now time.Time) ([]*domain.ScheduleState, error) {
	ctx, span := r.tracer.Start(ctx, "schedule_registry.etcd.Due")
	defer span.End()

	resp, err := r.client.Get(ctx, ScheduleDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list schedule records")
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	var due []*domain.ScheduleState
	for _, kv := range resp.Kvs {
		var rec scheduleRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			r.logger.Warn("dropping unparsable schedule record", "key", string(kv.Key), "error", err)
			continue
		}
		if rec.NextFireAt.After(now) {
			continue
		}
		due = append(due, &domain.ScheduleState{
			JobID:          rec.JobID,
			CronExpr:       rec.CronExpr,
			NextFireAt:     rec.NextFireAt,
			LastDispatched: rec.LastDispatched,
			Version:        kv.ModRevision,
		})
	}
	span.SetAttributes(attribute.Int("schedule_registry.due_count", len(due)))
	return due, nil
}

func (r *etcdScheduleRegistry) MarkDispatched(ctx context.Context, jobID string, firedAt time.Time, expectedVersion int64) error {
	ctx, span := r.tracer.Start(ctx, "schedule_registry.etcd.MarkDispatched")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	key := path.Join(ScheduleDir, jobID)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read schedule for job %s: %w", jobID, err)
	}
	if len(resp.Kvs) == 0 {
		return domain.ErrJobNotFound
	}

	var rec scheduleRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal schedule for job %s: %w", jobID, err)
	}

	next, err := clock.NextFireAfter(rec.CronExpr, firedAt, r.zone)
	if err != nil {
		return err
	}
	rec.NextFireAt = next
	rec.LastDispatched = &firedAt

	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule record: %w", err)
	}

	// Optimistic concurrency: only advance the schedule if no other
	// scheduler instance dispatched (and advanced) it since we last read.
	txn := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expectedVersion)).
		Then(clientv3.OpPut(key, string(buf)))
	txResp, err := txn.Commit()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark job %s dispatched: %w", jobID, err)
	}
	if !txResp.Succeeded {
		return fmt.Errorf("schedule for job %s was concurrently modified", jobID)
	}
	return nil
}

func (r *etcdScheduleRegistry) Reconcile(ctx context.Context, jobs []*domain.Job, now time.Time) error {
	ctx, span := r.tracer.Start(ctx, "schedule_registry.etcd.Reconcile")
	defer span.End()

	resp, err := r.client.Get(ctx, ScheduleDir, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list schedules for reconcile: %w", err)
	}
	existing := make(map[string]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		existing[path.Base(string(kv.Key))] = struct{}{}
	}

	wanted := make(map[string]string, len(jobs))
	for _, job := range jobs {
		if job.HasSchedule() {
			wanted[job.ID] = job.ScheduleCron
		}
	}

	for jobID, cronExpr := range wanted {
		if err := r.Register(ctx, jobID, cronExpr, now); err != nil {
			r.logger.Warn("failed to register schedule during reconcile", "job_id", jobID, "error", err)
		}
	}
	for jobID := range existing {
		if _, ok := wanted[jobID]; ok {
			continue
		}
		if err := r.Unregister(ctx, jobID); err != nil {
			r.logger.Warn("failed to unregister stale schedule during reconcile", "job_id", jobID, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("schedule_registry.wanted", len(wanted)), attribute.Int("schedule_registry.existing", len(existing)))
	return nil
}
