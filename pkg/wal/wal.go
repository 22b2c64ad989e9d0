// Package wal implements the Write-Ahead Log (C3): a durable, at-least-once
// FIFO of PipelineJobs between the Activity Tracker and the Supervisor
// (§4.3). Redis's BRPOPLPUSH gives the reservation-lease semantics for
// free: a reserved job sits invisibly in a processing list until ack
// removes it or the lease key expires and nack (or a sweep) returns it to
// the head.
package wal

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WAL is the durable FIFO described in §4.3.
type WAL struct {
	kv *kv.Client
}

func New(kvc *kv.Client) *WAL {
	return &WAL{kv: kvc}
}

// Enqueue persists job and returns once it is durable. job_id is assigned
// here if the caller didn't set one, so downstream dedup always has a key.
func (w *WAL) Enqueue(ctx context.Context, job *domain.PipelineJob) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling pipeline job: %w", err)
	}

	rdb := w.kv.Raw()
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, kv.WALJobKey(job.JobID), raw, 0)
	pipe.LPush(ctx, kv.WALStream(), job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing wal job: %w", err)
	}
	return nil
}

// Reservation is a leased job handle; the caller must Ack or Nack it.
type Reservation struct {
	Job     *domain.PipelineJob
	leaseID string
}

// Reserve blocks up to a 5-second poll window (less if ctx ends first) for
// the next job, returning nil, nil when none arrives, and moves the job's
// ID into the processing list and setting a visibility-timeout key for
// leaseMS. The job is invisible to other reservers until Ack/Nack or lease
// expiry (reconciled by Sweep).
func (w *WAL) Reserve(ctx context.Context, workerID string, leaseMS int64) (*Reservation, error) {
	rdb := w.kv.Raw()

	jobID, err := rdb.BRPopLPush(ctx, kv.WALStream(), kv.WALProcessingList(), 5*time.Second).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // no job available within the poll window
		}
		return nil, fmt.Errorf("reserving wal job: %w", err)
	}

	leaseKey := kv.WALLeaseKey(jobID)
	if err := rdb.Set(ctx, leaseKey, workerID, time.Duration(leaseMS)*time.Millisecond).Err(); err != nil {
		return nil, fmt.Errorf("setting wal lease: %w", err)
	}

	raw, err := rdb.Get(ctx, kv.WALJobKey(jobID)).Result()
	if err != nil {
		if err == redis.Nil {
			// Job body missing (already acked elsewhere); drop the dangling
			// processing entry and report no job this round.
			rdb.LRem(ctx, kv.WALProcessingList(), 1, jobID)
			return nil, nil
		}
		return nil, fmt.Errorf("reading wal job body: %w", err)
	}

	var job domain.PipelineJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding wal job body: %w", err)
	}

	return &Reservation{Job: &job, leaseID: jobID}, nil
}

// Ack deletes the job permanently: its body, lease, and processing-list
// entry.
func (w *WAL) Ack(ctx context.Context, r *Reservation) error {
	rdb := w.kv.Raw()
	pipe := rdb.TxPipeline()
	pipe.Del(ctx, kv.WALJobKey(r.leaseID))
	pipe.Del(ctx, kv.WALLeaseKey(r.leaseID))
	pipe.LRem(ctx, kv.WALProcessingList(), 1, r.leaseID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("acking wal job: %w", err)
	}
	return nil
}

// Nack returns the job to the head of the queue immediately, for a worker
// that knows it cannot complete the job right now (e.g. shutdown).
func (w *WAL) Nack(ctx context.Context, r *Reservation) error {
	rdb := w.kv.Raw()
	pipe := rdb.TxPipeline()
	pipe.LRem(ctx, kv.WALProcessingList(), 1, r.leaseID)
	pipe.Del(ctx, kv.WALLeaseKey(r.leaseID))
	pipe.RPush(ctx, kv.WALStream(), r.leaseID) // RPush + right-popping BRPopLPush == head-of-queue re-delivery
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("nacking wal job: %w", err)
	}
	return nil
}

// Sweep reconciles processing-list entries whose lease key has expired
// (a worker crashed mid-job) by returning them to the queue. Intended to
// run on a low-frequency ticker alongside the Supervisor pool.
func (w *WAL) Sweep(ctx context.Context) (int, error) {
	rdb := w.kv.Raw()
	ids, err := rdb.LRange(ctx, kv.WALProcessingList(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("listing processing wal entries: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		exists, err := rdb.Exists(ctx, kv.WALLeaseKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			pipe := rdb.TxPipeline()
			pipe.LRem(ctx, kv.WALProcessingList(), 1, id)
			pipe.RPush(ctx, kv.WALStream(), id)
			if _, err := pipe.Exec(ctx); err == nil {
				recovered++
			}
		}
	}
	return recovered, nil
}
