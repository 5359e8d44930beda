// Package jobs implements the durable sync job engine: a leased job queue
// in the store fed by webhooks, a fixed worker pool that claims jobs with
// lease/heartbeat semantics, and the repo sync action performing detached
// checkouts at exact commit SHAs.
package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue selects which job table an op touches. The two queues share shape:
// index_jobs carries indexing work, repo_sync_jobs carries checkouts.
type Queue string

const (
	QueueIndex    Queue = "index_jobs"
	QueueRepoSync Queue = "repo_sync_jobs"
)

// sqlTimeLayout is fixed-width so lease and backoff comparisons done as
// string comparisons in SQL order correctly.
const sqlTimeLayout = "2006-01-02 15:04:05.000"

// Status values for jobs.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusDone       = "done"
	StatusDeadLetter = "dead_letter"
)

// Event types.
const (
	EventPush         = "push"
	EventMergeRequest = "merge_request"
	EventManual       = "manual"
)

// Job is one row in a job queue.
type Job struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	RepoID      string          `json:"repo_id"`
	ContextID   string          `json:"context_id,omitempty"`
	Ref         string          `json:"ref,omitempty"`
	EventType   string          `json:"event_type"`
	EventSHA    string          `json:"event_sha,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LeaseUntil  time.Time       `json:"lease_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Spec describes a job to enqueue. The idempotency key is
// (workspace_id, repo_id, ref, context_id, event_sha, event_type);
// duplicate deliveries collapse onto the existing row.
type Spec struct {
	WorkspaceID string
	RepoID      string
	ContextID   string
	Ref         string
	EventType   string
	EventSHA    string
	MaxAttempts int
	Payload     interface{}
}

// --- writer ops ---

// EnqueueOp inserts a job unless its idempotency key already exists.
// Apply returns the job id (existing or new).
type EnqueueOp struct {
	Queue Queue
	Spec  Spec
}

func (op EnqueueOp) Name() string { return "enqueue_" + string(op.Queue) }

func (op EnqueueOp) Apply(tx *sql.Tx) (interface{}, error) {
	maxAttempts := op.Spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	var payload interface{}
	if op.Spec.Payload != nil {
		data, err := json.Marshal(op.Spec.Payload)
		if err != nil {
			return nil, err
		}
		payload = string(data)
	}

	id := "job-" + uuid.NewString()
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO `+string(op.Queue)+`
		 (id, workspace_id, repo_id, context_id, ref, event_type, event_sha,
		  status, max_attempts, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		id, op.Spec.WorkspaceID, op.Spec.RepoID, op.Spec.ContextID, op.Spec.Ref,
		op.Spec.EventType, op.Spec.EventSHA, maxAttempts, payload)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate delivery: hand back the existing job id.
		var existing string
		err := tx.QueryRow(
			`SELECT id FROM `+string(op.Queue)+`
			 WHERE workspace_id = ? AND repo_id = ? AND IFNULL(ref,'') = IFNULL(?,'')
			   AND IFNULL(context_id,'') = IFNULL(?,'')
			   AND IFNULL(event_sha,'') = IFNULL(?,'') AND event_type = ?`,
			op.Spec.WorkspaceID, op.Spec.RepoID, op.Spec.Ref, op.Spec.ContextID,
			op.Spec.EventSHA, op.Spec.EventType).Scan(&existing)
		if err != nil {
			return nil, fmt.Errorf("duplicate lookup failed: %w", err)
		}
		return existing, nil
	}
	return id, nil
}

// ClaimOp pops the oldest runnable job: pending past its backoff delay, or
// running with an expired lease (a crashed worker's job is reclaimable).
// Apply returns *Job or nil when the queue is idle.
type ClaimOp struct {
	Queue    Queue
	LeaseTTL time.Duration
	Now      time.Time
}

func (op ClaimOp) Name() string { return "claim_" + string(op.Queue) }

func (op ClaimOp) Apply(tx *sql.Tx) (interface{}, error) {
	now := op.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	nowStr := now.Format(sqlTimeLayout)

	row := tx.QueryRow(
		`SELECT id, workspace_id, repo_id, IFNULL(context_id,''), IFNULL(ref,''),
		        event_type, IFNULL(event_sha,''), status, attempts, max_attempts,
		        IFNULL(last_error,''), IFNULL(payload,'')
		 FROM `+string(op.Queue)+`
		 WHERE (status = 'pending' AND (not_before IS NULL OR not_before <= ?))
		    OR (status = 'running' AND lease_until < ?)
		 ORDER BY created_at LIMIT 1`, nowStr, nowStr)

	var j Job
	var payload string
	err := row.Scan(&j.ID, &j.WorkspaceID, &j.RepoID, &j.ContextID, &j.Ref,
		&j.EventType, &j.EventSHA, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &payload)
	if err == sql.ErrNoRows {
		return (*Job)(nil), nil
	}
	if err != nil {
		return nil, err
	}
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}

	lease := now.Add(op.LeaseTTL)
	if _, err := tx.Exec(
		`UPDATE `+string(op.Queue)+`
		 SET status = 'running', lease_until = ?, updated_at = ?
		 WHERE id = ?`,
		lease.Format(sqlTimeLayout), nowStr, j.ID); err != nil {
		return nil, err
	}
	j.Status = StatusRunning
	j.LeaseUntil = lease
	return &j, nil
}

// HeartbeatOp extends a running job's lease.
type HeartbeatOp struct {
	Queue    Queue
	JobID    string
	LeaseTTL time.Duration
}

func (op HeartbeatOp) Name() string { return "heartbeat_" + string(op.Queue) }

func (op HeartbeatOp) Apply(tx *sql.Tx) (interface{}, error) {
	now := time.Now().UTC()
	_, err := tx.Exec(
		`UPDATE `+string(op.Queue)+`
		 SET lease_until = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		now.Add(op.LeaseTTL).Format(sqlTimeLayout), now.Format(sqlTimeLayout), op.JobID)
	return nil, err
}

// CompleteOp marks a job done.
type CompleteOp struct {
	Queue Queue
	JobID string
}

func (op CompleteOp) Name() string { return "complete_" + string(op.Queue) }

func (op CompleteOp) Apply(tx *sql.Tx) (interface{}, error) {
	now := time.Now().UTC().Format(sqlTimeLayout)
	_, err := tx.Exec(
		`UPDATE `+string(op.Queue)+`
		 SET status = 'done', lease_until = NULL, updated_at = ?
		 WHERE id = ?`, now, op.JobID)
	return nil, err
}

// FailOp records a failure: increment attempts, clear the lease, and either
// return the job to pending with an exponential backoff delay or move it to
// dead_letter once attempts reach max_attempts. Apply returns the new
// status.
type FailOp struct {
	Queue   Queue
	JobID   string
	Message string
	Backoff time.Duration // base delay, doubled per attempt
}

func (op FailOp) Name() string { return "fail_" + string(op.Queue) }

func (op FailOp) Apply(tx *sql.Tx) (interface{}, error) {
	var attempts, maxAttempts int
	if err := tx.QueryRow(
		`SELECT attempts, max_attempts FROM `+string(op.Queue)+` WHERE id = ?`,
		op.JobID).Scan(&attempts, &maxAttempts); err != nil {
		return nil, err
	}

	attempts++
	now := time.Now().UTC()
	nowStr := now.Format(sqlTimeLayout)

	if attempts >= maxAttempts {
		_, err := tx.Exec(
			`UPDATE `+string(op.Queue)+`
			 SET status = 'dead_letter', attempts = ?, lease_until = NULL,
			     last_error = ?, updated_at = ?
			 WHERE id = ?`, attempts, op.Message, nowStr, op.JobID)
		return StatusDeadLetter, err
	}

	base := op.Backoff
	if base <= 0 {
		base = 2 * time.Second
	}
	delay := base << uint(attempts-1)
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	_, err := tx.Exec(
		`UPDATE `+string(op.Queue)+`
		 SET status = 'pending', attempts = ?, lease_until = NULL,
		     not_before = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		attempts, now.Add(delay).Format(sqlTimeLayout), op.Message, nowStr, op.JobID)
	return StatusPending, err
}

// UpsertSyncStateOp records the last synced SHA for a repo.
type UpsertSyncStateOp struct {
	WorkspaceID string
	RepoID      string
	SHA         string
	CompileDB   bool // whether the compile db was refreshed
}

func (op UpsertSyncStateOp) Name() string { return "upsert_sync_state" }

func (op UpsertSyncStateOp) Apply(tx *sql.Tx) (interface{}, error) {
	now := time.Now().UTC().Format(sqlTimeLayout)
	var compileRefreshed interface{}
	if op.CompileDB {
		compileRefreshed = now
	}
	_, err := tx.Exec(
		`INSERT INTO repo_sync_state
		 (workspace_id, repo_id, last_synced_sha, last_synced_at, compile_db_refreshed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id, repo_id) DO UPDATE SET
		   last_synced_sha = excluded.last_synced_sha,
		   last_synced_at = excluded.last_synced_at,
		   compile_db_refreshed_at = COALESCE(excluded.compile_db_refreshed_at, repo_sync_state.compile_db_refreshed_at)`,
		op.WorkspaceID, op.RepoID, op.SHA, now, compileRefreshed)
	return nil, err
}

// PutDiffSummaryOp caches the changed-file list between two SHAs so overlay
// materialisation can skip re-running git diff.
type PutDiffSummaryOp struct {
	WorkspaceID string
	RepoID      string
	BaseSHA     string
	HeadSHA     string
	Files       interface{}
}

func (op PutDiffSummaryOp) Name() string { return "put_diff_summary" }

func (op PutDiffSummaryOp) Apply(tx *sql.Tx) (interface{}, error) {
	data, err := json.Marshal(op.Files)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO commit_diff_summaries
		 (workspace_id, repo_id, base_sha, head_sha, files_json)
		 VALUES (?, ?, ?, ?, ?)`,
		op.WorkspaceID, op.RepoID, op.BaseSHA, op.HeadSHA, string(data))
	return nil, err
}

// GetJob reads a job by id from either queue. Read-only; lives outside the
// writer.
func GetJob(db *sql.DB, queue Queue, jobID string) (*Job, error) {
	row := db.QueryRow(
		`SELECT id, workspace_id, repo_id, IFNULL(context_id,''), IFNULL(ref,''),
		        event_type, IFNULL(event_sha,''), status, attempts, max_attempts,
		        IFNULL(last_error,''), IFNULL(payload,'')
		 FROM `+string(queue)+` WHERE id = ?`, jobID)

	var j Job
	var payload string
	err := row.Scan(&j.ID, &j.WorkspaceID, &j.RepoID, &j.ContextID, &j.Ref,
		&j.EventType, &j.EventSHA, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	return &j, nil
}

// OldestPendingAge returns the age of the oldest pending job across both
// queues, for the health surface.
func OldestPendingAge(db *sql.DB) time.Duration {
	var oldest time.Duration
	for _, queue := range []Queue{QueueIndex, QueueRepoSync} {
		var created string
		err := db.QueryRow(
			`SELECT created_at FROM ` + string(queue) +
				` WHERE status = 'pending' ORDER BY created_at LIMIT 1`).Scan(&created)
		if err != nil {
			continue
		}
		for _, layout := range []string{sqlTimeLayout, "2006-01-02 15:04:05"} {
			if t, perr := time.Parse(layout, created); perr == nil {
				if age := time.Since(t); age > oldest {
					oldest = age
				}
				break
			}
		}
	}
	return oldest
}
