package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/reentry/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// Foreign keys are enforced, so a batch must write parents before children.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Summaries ---

const instanceColumns = `id, workflow_version_id, title, state, is_complete, result_json, fail_category,
	technical_message, friendly_message, started_at, finished_at, cancelled_at, etag, updated_at`

func (s *LibSQLStore) ReadSummary(ctx context.Context, instanceID string) (*WorkflowSummary, error) {
	inst, err := s.getInstance(ctx, s.db, instanceID)
	if err != nil {
		return nil, err
	}

	sum := NewWorkflowSummary()
	sum.Instance = *inst

	var major, minor int
	err = s.db.QueryRowContext(ctx,
		`SELECT v.id, v.workflow_form_id, v.major_version, v.minor_version, v.etag, v.created_at,
		        f.id, f.capability_name, f.title, f.etag, f.created_at
		 FROM workflow_versions v JOIN workflow_forms f ON f.id = v.workflow_form_id
		 WHERE v.id = ?`, inst.WorkflowVersionID,
	).Scan(&sum.Version.ID, &sum.Version.WorkflowFormID, &major, &minor, &sum.Version.Etag, &sum.Version.CreatedAt,
		&sum.Form.ID, &sum.Form.CapabilityName, nullStringDest(&sum.Form.Title), &sum.Form.Etag, &sum.Form.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_version", inst.WorkflowVersionID)
	}
	if err != nil {
		return nil, err
	}
	sum.Version.MajorVersion, sum.Version.MinorVersion = major, minor

	if err := s.readActivityForms(ctx, sum); err != nil {
		return nil, err
	}
	if err := s.readActivityVersions(ctx, sum); err != nil {
		return nil, err
	}
	if err := s.readActivityInstances(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (s *LibSQLStore) readActivityForms(ctx context.Context, sum *WorkflowSummary) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_form_id, kind, title, etag, created_at FROM activity_forms WHERE workflow_form_id = ?`,
		sum.Form.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var af ActivityForm
		var title sql.NullString
		if err := rows.Scan(&af.ID, &af.WorkflowFormID, &af.Kind, &title, &af.Etag, &af.CreatedAt); err != nil {
			return err
		}
		af.Title = title.String
		sum.ActivityForms[af.ID] = af
	}
	return rows.Err()
}

func (s *LibSQLStore) readActivityVersions(ctx context.Context, sum *WorkflowSummary) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_version_id, activity_form_id, parent_activity_version_id, position, fail_urgency, etag, created_at
		 FROM activity_versions WHERE workflow_version_id = ?`, sum.Version.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var av ActivityVersion
		var parent sql.NullString
		if err := rows.Scan(&av.ID, &av.WorkflowVersionID, &av.ActivityFormID, &parent, &av.Position,
			&av.FailUrgency, &av.Etag, &av.CreatedAt); err != nil {
			return err
		}
		av.ParentActivityVersionID = parent.String
		sum.ActivityVersions[av.ID] = av
	}
	return rows.Err()
}

func (s *LibSQLStore) readActivityInstances(ctx context.Context, sum *WorkflowSummary) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_instance_id, activity_version_id, parent_activity_instance_id, parent_iteration, state,
		        result_json, fail_category, technical_message, friendly_message, alert_handled,
		        async_request_id, async_priority, started_at, finished_at, etag
		 FROM activity_instances WHERE workflow_instance_id = ?`, sum.Instance.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ai ActivityInstance
		var parent, result, category, technical, friendly, asyncID sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&ai.ID, &ai.WorkflowInstanceID, &ai.ActivityVersionID, &parent, &ai.ParentIteration,
			&ai.State, &result, &category, &technical, &friendly, &ai.AlertHandled,
			&asyncID, &ai.AsyncPriority, &started, &finished, &ai.Etag); err != nil {
			return err
		}
		ai.ParentActivityInstanceID = parent.String
		ai.ResultJSON = result.String
		ai.FailCategory = schemaCategory(category)
		ai.TechnicalMessage = technical.String
		ai.FriendlyMessage = friendly.String
		ai.AsyncRequestID = asyncID.String
		ai.StartedAt = timeOrZero(started)
		ai.FinishedAt = timeOrZero(finished)
		sum.ActivityInstances[ai.ID] = ai
	}
	return rows.Err()
}

func (s *LibSQLStore) GetWorkflowForm(ctx context.Context, id string) (*WorkflowForm, error) {
	f := &WorkflowForm{}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, capability_name, title, etag, created_at FROM workflow_forms WHERE id = ?`, id,
	).Scan(&f.ID, &f.CapabilityName, &title, &f.Etag, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_form", id)
	}
	if err != nil {
		return nil, err
	}
	f.Title = title.String
	return f, nil
}

func (s *LibSQLStore) FindWorkflowVersion(ctx context.Context, formID string, major int) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_form_id, major_version, minor_version, etag, created_at
		 FROM workflow_versions WHERE workflow_form_id = ? AND major_version = ?`, formID, major,
	).Scan(&v.ID, &v.WorkflowFormID, &v.MajorVersion, &v.MinorVersion, &v.Etag, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_version", fmt.Sprintf("%s/%d", formID, major))
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// SaveBatch writes the batch in one transaction. Etags are only assigned to the
// caller's records after the commit succeeds.
func (s *LibSQLStore) SaveBatch(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	etags := make(map[*string]string)

	if b.Form != nil {
		etag, err := s.createTemplate(ctx, tx, "workflow_forms", b.Form.ID,
			`INSERT INTO workflow_forms (id, capability_name, title, etag, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			b.Form.ID, b.Form.CapabilityName, nullStr(b.Form.Title), newEtag(), timeOrNow(b.Form.CreatedAt))
		if err != nil {
			return err
		}
		etags[&b.Form.Etag] = etag
	}
	if b.Version != nil {
		etag, err := s.createTemplate(ctx, tx, "workflow_versions", b.Version.ID,
			`INSERT INTO workflow_versions (id, workflow_form_id, major_version, minor_version, etag, created_at)
			 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			b.Version.ID, b.Version.WorkflowFormID, b.Version.MajorVersion, b.Version.MinorVersion, newEtag(),
			timeOrNow(b.Version.CreatedAt))
		if err != nil {
			return err
		}
		etags[&b.Version.Etag] = etag
	}
	if b.Instance != nil {
		etag, err := s.writeInstance(ctx, tx, b.Instance)
		if err != nil {
			return err
		}
		etags[&b.Instance.Etag] = etag
	}
	for _, af := range b.ActivityForms {
		etag, err := s.createTemplate(ctx, tx, "activity_forms", af.ID,
			`INSERT INTO activity_forms (id, workflow_form_id, kind, title, etag, created_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			af.ID, af.WorkflowFormID, string(af.Kind), nullStr(af.Title), newEtag(), timeOrNow(af.CreatedAt))
		if err != nil {
			return err
		}
		etags[&af.Etag] = etag
	}
	for _, av := range b.ActivityVersions {
		etag, err := s.createTemplate(ctx, tx, "activity_versions", av.ID,
			`INSERT INTO activity_versions (id, workflow_version_id, activity_form_id, parent_activity_version_id, position, fail_urgency, etag, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			av.ID, av.WorkflowVersionID, av.ActivityFormID, nullStr(av.ParentActivityVersionID), av.Position,
			string(av.FailUrgency), newEtag(), timeOrNow(av.CreatedAt))
		if err != nil {
			return err
		}
		etags[&av.Etag] = etag
	}
	for _, ai := range b.ActivityInstances {
		etag, err := s.writeActivityInstance(ctx, tx, ai)
		if err != nil {
			return err
		}
		etags[&ai.Etag] = etag
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	for dst, etag := range etags {
		*dst = etag
	}
	return nil
}

// createTemplate inserts an immutable template record unless it already exists
// and returns the stored etag.
func (s *LibSQLStore) createTemplate(ctx context.Context, tx querier, table, id, insert string, args ...any) (string, error) {
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return "", classify(err, table, id)
	}
	var etag string
	if err := tx.QueryRowContext(ctx, "SELECT etag FROM "+table+" WHERE id = ?", id).Scan(&etag); err != nil {
		return "", err
	}
	return etag, nil
}

func (s *LibSQLStore) writeInstance(ctx context.Context, tx querier, inst *WorkflowInstance) (string, error) {
	etag := newEtag()
	args := []any{
		inst.WorkflowVersionID, nullStr(inst.Title), string(inst.State), inst.IsComplete, nullStr(inst.ResultJSON),
		nullStr(string(inst.FailCategory)), nullStr(inst.TechnicalMessage), nullStr(inst.FriendlyMessage),
		nullTime(inst.StartedAt), nullTime(inst.FinishedAt), nullTime(inst.CancelledAt), etag, time.Now().UTC(),
	}
	if inst.Etag == "" {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_instances (workflow_version_id, title, state, is_complete, result_json, fail_category,
			   technical_message, friendly_message, started_at, finished_at, cancelled_at, etag, updated_at, id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, append(args, inst.ID)...)
		if err != nil {
			return "", classify(err, "workflow_instance", inst.ID)
		}
		return etag, nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET workflow_version_id = ?, title = ?, state = ?, is_complete = ?, result_json = ?,
		   fail_category = ?, technical_message = ?, friendly_message = ?, started_at = ?, finished_at = ?,
		   cancelled_at = ?, etag = ?, updated_at = ?
		 WHERE id = ? AND etag = ?`, append(args, inst.ID, inst.Etag)...)
	if err != nil {
		return "", classify(err, "workflow_instance", inst.ID)
	}
	return etag, checkUpdated(res, "workflow_instance", inst.ID)
}

func (s *LibSQLStore) writeActivityInstance(ctx context.Context, tx querier, ai *ActivityInstance) (string, error) {
	etag := newEtag()
	args := []any{
		ai.WorkflowInstanceID, ai.ActivityVersionID, nullStr(ai.ParentActivityInstanceID), ai.ParentIteration,
		string(ai.State), nullStr(ai.ResultJSON), nullStr(string(ai.FailCategory)), nullStr(ai.TechnicalMessage),
		nullStr(ai.FriendlyMessage), ai.AlertHandled, nullStr(ai.AsyncRequestID), ai.AsyncPriority,
		nullTime(ai.StartedAt), nullTime(ai.FinishedAt), etag,
	}
	if ai.Etag == "" {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO activity_instances (workflow_instance_id, activity_version_id, parent_activity_instance_id,
			   parent_iteration, state, result_json, fail_category, technical_message, friendly_message, alert_handled,
			   async_request_id, async_priority, started_at, finished_at, etag, id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, append(args, ai.ID)...)
		if err != nil {
			return "", classify(err, "activity_instance", ai.ID)
		}
		return etag, nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE activity_instances SET workflow_instance_id = ?, activity_version_id = ?, parent_activity_instance_id = ?,
		   parent_iteration = ?, state = ?, result_json = ?, fail_category = ?, technical_message = ?,
		   friendly_message = ?, alert_handled = ?, async_request_id = ?, async_priority = ?, started_at = ?,
		   finished_at = ?, etag = ?
		 WHERE id = ? AND etag = ?`, append(args, ai.ID, ai.Etag)...)
	if err != nil {
		return "", classify(err, "activity_instance", ai.ID)
	}
	return etag, checkUpdated(res, "activity_instance", ai.ID)
}

// --- Instances ---

func (s *LibSQLStore) getInstance(ctx context.Context, q querier, id string) (*WorkflowInstance, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, storeNotFound("workflow_instance", id)
	}
	return scanInstance(rows)
}

func scanInstance(rows *sql.Rows) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var title, result, category, technical, friendly sql.NullString
	var started, finished, cancelled sql.NullTime
	if err := rows.Scan(&inst.ID, &inst.WorkflowVersionID, &title, &inst.State, &inst.IsComplete, &result,
		&category, &technical, &friendly, &started, &finished, &cancelled, &inst.Etag, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Title = title.String
	inst.ResultJSON = result.String
	inst.FailCategory = schemaCategory(category)
	inst.TechnicalMessage = technical.String
	inst.FriendlyMessage = friendly.String
	inst.StartedAt = timeOrZero(started)
	inst.FinishedAt = timeOrZero(finished)
	inst.CancelledAt = timeOrZero(cancelled)
	return inst, nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	var where []string
	var args []any

	if len(filter.IDs) > 0 {
		marks := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.WorkflowVersionID != "" {
		where = append(where, "workflow_version_id = ?")
		args = append(args, filter.WorkflowVersionID)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC())
	}

	query := "SELECT " + instanceColumns + " FROM workflow_instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	if inst.Etag == "" {
		return storeNotFound("workflow_instance", inst.ID)
	}
	etag, err := s.writeInstance(ctx, s.db, inst)
	if err != nil {
		return err
	}
	inst.Etag = etag
	return nil
}

// --- Semaphores ---

func (s *LibSQLStore) CreateSemaphore(ctx context.Context, sem *Semaphore) error {
	if sem.ID == "" {
		sem.ID = uuid.NewString()
	}
	holders, err := json.Marshal(holdersOrEmpty(sem.Holders))
	if err != nil {
		return fmt.Errorf("marshal holders: %w", err)
	}
	etag := newEtag()
	sem.CreatedAt = timeOrNow(sem.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO semaphores (id, workflow_form_id, resource_identifier, max_holders, holders, etag, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sem.ID, sem.WorkflowFormID, sem.ResourceIdentifier, sem.Limit, string(holders), etag, sem.CreatedAt)
	if err != nil {
		return classify(err, "semaphore", sem.ResourceIdentifier)
	}
	sem.Etag = etag
	return nil
}

func (s *LibSQLStore) GetSemaphoreByResource(ctx context.Context, formID, resource string) (*Semaphore, error) {
	sem := &Semaphore{}
	var holders string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_form_id, resource_identifier, max_holders, holders, etag, created_at
		 FROM semaphores WHERE workflow_form_id = ? AND resource_identifier = ?`, formID, resource,
	).Scan(&sem.ID, &sem.WorkflowFormID, &sem.ResourceIdentifier, &sem.Limit, &holders, &sem.Etag, &sem.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("semaphore", resource)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(holders), &sem.Holders); err != nil {
		return nil, fmt.Errorf("unmarshal holders: %w", err)
	}
	return sem, nil
}

func (s *LibSQLStore) UpdateSemaphore(ctx context.Context, sem *Semaphore) error {
	holders, err := json.Marshal(holdersOrEmpty(sem.Holders))
	if err != nil {
		return fmt.Errorf("marshal holders: %w", err)
	}
	etag := newEtag()
	res, err := s.db.ExecContext(ctx,
		`UPDATE semaphores SET max_holders = ?, holders = ?, etag = ? WHERE id = ? AND etag = ?`,
		sem.Limit, string(holders), etag, sem.ID, sem.Etag)
	if err != nil {
		return err
	}
	if err := checkUpdated(res, "semaphore", sem.ID); err != nil {
		return err
	}
	sem.Etag = etag
	return nil
}

func (s *LibSQLStore) ListSemaphores(ctx context.Context) ([]*Semaphore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_form_id, resource_identifier, max_holders, holders, etag, created_at
		 FROM semaphores ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Semaphore
	for rows.Next() {
		sem := &Semaphore{}
		var holders string
		if err := rows.Scan(&sem.ID, &sem.WorkflowFormID, &sem.ResourceIdentifier, &sem.Limit, &holders,
			&sem.Etag, &sem.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(holders), &sem.Holders); err != nil {
			return nil, fmt.Errorf("unmarshal holders: %w", err)
		}
		out = append(out, sem)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Enqueue(ctx context.Context, semaphoreID, instanceID string) (*SemaphoreQueueItem, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO semaphore_queue (semaphore_id, workflow_instance_id, enqueued_at) VALUES (?, ?, ?)
		 ON CONFLICT(semaphore_id, workflow_instance_id) DO NOTHING`,
		semaphoreID, instanceID, time.Now().UTC())
	if err != nil {
		return nil, classify(err, "semaphore_queue", semaphoreID)
	}
	item := &SemaphoreQueueItem{SemaphoreID: semaphoreID, WorkflowInstanceID: instanceID}
	err = s.db.QueryRowContext(ctx,
		`SELECT sequence, enqueued_at FROM semaphore_queue WHERE semaphore_id = ? AND workflow_instance_id = ?`,
		semaphoreID, instanceID,
	).Scan(&item.Sequence, &item.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *LibSQLStore) ListQueue(ctx context.Context, semaphoreID string) ([]*SemaphoreQueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, semaphore_id, workflow_instance_id, enqueued_at FROM semaphore_queue
		 WHERE semaphore_id = ? ORDER BY sequence`, semaphoreID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SemaphoreQueueItem
	for rows.Next() {
		item := &SemaphoreQueueItem{}
		if err := rows.Scan(&item.Sequence, &item.SemaphoreID, &item.WorkflowInstanceID, &item.EnqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Dequeue(ctx context.Context, semaphoreID, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM semaphore_queue WHERE semaphore_id = ? AND workflow_instance_id = ?`, semaphoreID, instanceID)
	return err
}

func (s *LibSQLStore) PurgeQueue(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM semaphore_queue WHERE enqueued_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Helpers ---

// classify maps driver constraint violations to store error codes.
func classify(err error, resource, id string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"), strings.Contains(msg, "PRIMARY KEY"):
		return storeConflict(resource, id).WithCause(err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return foreignKey(resource, id).WithCause(err)
	default:
		return err
	}
}

func checkUpdated(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeConflict(resource, id)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeOrZero(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func schemaCategory(ns sql.NullString) schema.FailCategory {
	return schema.FailCategory(ns.String)
}

func holdersOrEmpty(h []SemaphoreHolder) []SemaphoreHolder {
	if h == nil {
		return []SemaphoreHolder{}
	}
	return h
}

// nullStringDest scans a nullable TEXT column into a plain string.
type nullStringScanner struct{ dst *string }

func (n nullStringScanner) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return err
	}
	*n.dst = ns.String
	return nil
}

func nullStringDest(dst *string) nullStringScanner { return nullStringScanner{dst: dst} }
