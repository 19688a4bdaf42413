package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/me/pipekit/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrEndpointExists is returned when publishing under an endpoint name that
// is taken and adding a version was not requested.
var ErrEndpointExists = errors.New("endpoint already exists")

// ErrRunExists is returned by CreateRun when the run id is already recorded.
var ErrRunExists = errors.New("run already exists")

// maxLogChunk bounds one ReadLog response.
const maxLogChunk = 1 << 20

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}

func parseTime(v *string) *time.Time {
	if v == nil || *v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *v)
	if err != nil {
		return nil
	}
	return &t
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.RunRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	reqJSON, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	status := run.Status
	if status == "" {
		status = model.RunStatusNotStarted
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment, status, status_detail, request, pipeline_id, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		run.ID, run.Experiment, string(status), run.StatusDetail, string(reqJSON), run.PipelineID,
		run.CreatedAt.UTC().Format(time.RFC3339Nano), formatTime(run.StartTime), formatTime(run.EndTime),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	return nil
}

const runColumns = `id, experiment, status, status_detail, request, pipeline_id, created_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.RunRecord, error) {
	var run model.RunRecord
	var status, reqJSON, createdAt string
	var startedAt, endedAt *string
	if err := row.Scan(&run.ID, &run.Experiment, &status, &run.StatusDetail, &reqJSON, &run.PipelineID,
		&createdAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	run.Status = model.ParseRunStatus(status)
	if err := json.Unmarshal([]byte(reqJSON), &run.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.StartTime = parseTime(startedAt)
	run.EndTime = parseTime(endedAt)
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.RunRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset, "status", opts.Status)
	opts = opts.Normalized()

	where, args := "", []any{}
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// UpdateRunStatus records the run's status and the status of every node.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, st *model.RunStatusEntity) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", st.RunID, "status", st.Status)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE runs SET status=?, status_detail=?, started_at=?, ended_at=? WHERE id=?`,
		string(st.Status), st.StatusDetail, formatTime(st.StartTime), formatTime(st.EndTime), st.RunID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", st.RunID)
	}
	for nodeID, ns := range st.NodeStatus {
		if err := upsertStep(ctx, tx, st.RunID, nodeID, ns); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStep(ctx context.Context, db execer, runID, nodeID string, ns model.NodeStatus) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO steps (run_id, node_id, name, status, status_code, status_detail, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   name=excluded.name, status=excluded.status, status_code=excluded.status_code,
		   status_detail=excluded.status_detail, started_at=excluded.started_at, ended_at=excluded.ended_at`,
		runID, nodeID, ns.Name, string(ns.Status), ns.StatusCode, ns.StatusDetail,
		formatTime(ns.StartTime), formatTime(ns.EndTime),
	)
	return err
}

// UpsertStep records the status of one node.
func (s *SQLiteStore) UpsertStep(ctx context.Context, runID, nodeID string, ns model.NodeStatus) error {
	s.logger.Debug("sql", "op", "upsert", "table", "steps", "run_id", runID, "node_id", nodeID, "status", ns.Status)
	return upsertStep(ctx, s.db, runID, nodeID, ns)
}

// GetRunStatus assembles the status entity of a run from its step rows.
func (s *SQLiteStore) GetRunStatus(ctx context.Context, id string) (*model.RunStatusEntity, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	st := &model.RunStatusEntity{
		RunID:        run.ID,
		Experiment:   run.Experiment,
		Status:       run.Status,
		StatusDetail: run.StatusDetail,
		StartTime:    run.StartTime,
		EndTime:      run.EndTime,
		NodeStatus:   map[string]model.NodeStatus{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, name, status, status_code, status_detail, started_at, ended_at FROM steps WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var nodeID, status string
		var ns model.NodeStatus
		var code *int
		var startedAt, endedAt *string
		if err := rows.Scan(&nodeID, &ns.Name, &status, &code, &ns.StatusDetail, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		ns.Status = model.ParseRunStatus(status)
		ns.StatusCode = code
		ns.StartTime = parseTime(startedAt)
		ns.EndTime = parseTime(endedAt)
		st.NodeStatus[nodeID] = ns
	}
	return st, rows.Err()
}

// --- Logs ---

// UploadLog appends data to a step's log. It makes the store usable as the
// orchestrator's run-history log sink.
func (s *SQLiteStore) UploadLog(ctx context.Context, runID, nodeID, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_logs (run_id, node_id, name, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id, name) DO UPDATE SET data = step_logs.data || excluded.data`,
		runID, nodeID, name, string(data),
	)
	return err
}

func (s *SQLiteStore) ListLogFiles(ctx context.Context, runID, nodeID string) ([]model.LogFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, length(CAST(data AS BLOB)) FROM step_logs WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []model.LogFile
	for rows.Next() {
		var f model.LogFile
		if err := rows.Scan(&f.Name, &f.Size); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	// stdout.log sorts before stderr.log and is the primary log.
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	return files, rows.Err()
}

// ReadLog returns a stored log from offset. An offset past the end starts
// over from zero.
func (s *SQLiteStore) ReadLog(ctx context.Context, runID, nodeID, name string, offset int64) (*model.LogChunk, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM step_logs WHERE run_id = ? AND node_id = ? AND name = ?`, runID, nodeID, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return &model.LogChunk{Name: name, Offset: offset, NextOffset: offset}, nil
	}
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > int64(len(data)) {
		offset = 0
	}
	end := min(int64(len(data)), offset+maxLogChunk)
	return &model.LogChunk{Name: name, Offset: offset, NextOffset: end, Data: data[offset:end]}, nil
}

// --- Drafts ---

func (s *SQLiteStore) CreateDraft(ctx context.Context, d *model.Draft) error {
	s.logger.Debug("sql", "op", "insert", "table", "drafts", "id", d.ID)

	reqJSON, err := json.Marshal(d.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drafts (id, name, request, created_at) VALUES (?, ?, ?, ?)`,
		d.ID, d.Name, string(reqJSON), d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func scanDraft(row rowScanner) (*model.Draft, error) {
	var d model.Draft
	var reqJSON, createdAt string
	if err := row.Scan(&d.ID, &d.Name, &reqJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reqJSON), &d.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}

func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*model.Draft, error) {
	s.logger.Debug("sql", "op", "select", "table", "drafts", "id", id)
	d, err := scanDraft(s.db.QueryRowContext(ctx, `SELECT id, name, request, created_at FROM drafts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) ListDrafts(ctx context.Context, opts model.ListOptions) ([]*model.Draft, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "drafts", "limit", opts.Limit, "offset", opts.Offset)
	opts = opts.Normalized()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drafts`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, request, created_at FROM drafts ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var drafts []*model.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, 0, err
		}
		drafts = append(drafts, d)
	}
	return drafts, total, rows.Err()
}

// --- Published pipelines ---

// PublishPipeline stores a published graph. With an endpoint name it either
// creates the endpoint or, when useExisting is set, adds a version to it and
// makes that version the default. A missing version is numbered after the
// endpoint's existing versions.
func (s *SQLiteStore) PublishPipeline(ctx context.Context, p *model.PublishedPipeline, req *model.SubmitRequest, useExisting bool) error {
	s.logger.Debug("sql", "op", "insert", "table", "pipelines", "id", p.ID, "endpoint", p.EndpointName)

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	created := p.CreatedAt.UTC().Format(time.RFC3339Nano)
	if p.EndpointName != "" {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM endpoints WHERE name = ?`, p.EndpointName).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 && !useExisting {
			return fmt.Errorf("%w: %s", ErrEndpointExists, p.EndpointName)
		}
		if p.Version == "" {
			var versions int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipelines WHERE endpoint_name = ?`, p.EndpointName).Scan(&versions); err != nil {
				return err
			}
			p.Version = strconv.Itoa(versions + 1)
		}
		if exists > 0 {
			_, err = tx.ExecContext(ctx, `UPDATE endpoints SET default_version = ? WHERE name = ?`, p.Version, p.EndpointName)
		} else {
			_, err = tx.ExecContext(ctx, `INSERT INTO endpoints (name, default_version, created_at) VALUES (?, ?, ?)`,
				p.EndpointName, p.Version, created)
		}
		if err != nil {
			return err
		}
	}
	if p.Version == "" {
		p.Version = "1"
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pipelines (id, name, description, version, endpoint_name, request, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Version, p.EndpointName, string(reqJSON), created,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanPipeline(row rowScanner) (*model.PublishedPipeline, *model.SubmitRequest, error) {
	var p model.PublishedPipeline
	var reqJSON, createdAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Version, &p.EndpointName, &reqJSON, &createdAt); err != nil {
		return nil, nil, err
	}
	var req model.SubmitRequest
	if err := json.Unmarshal([]byte(reqJSON), &req); err != nil {
		return nil, nil, fmt.Errorf("unmarshal request: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &p, &req, nil
}

const pipelineColumns = `id, name, description, version, endpoint_name, request, created_at`

func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*model.PublishedPipeline, *model.SubmitRequest, error) {
	s.logger.Debug("sql", "op", "select", "table", "pipelines", "id", id)
	p, req, err := scanPipeline(s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	return p, req, err
}

func (s *SQLiteStore) GetEndpoint(ctx context.Context, name string) (*model.Endpoint, error) {
	var ep model.Endpoint
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, default_version, created_at FROM endpoints WHERE name = ?`, name,
	).Scan(&ep.Name, &ep.DefaultVersion, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ep.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &ep, nil
}

// EndpointPipeline returns the given version of an endpoint, or its default
// version when version is empty.
func (s *SQLiteStore) EndpointPipeline(ctx context.Context, endpoint, version string) (*model.PublishedPipeline, *model.SubmitRequest, error) {
	if version == "" {
		ep, err := s.GetEndpoint(ctx, endpoint)
		if err != nil || ep == nil {
			return nil, nil, err
		}
		version = ep.DefaultVersion
	}
	p, req, err := scanPipeline(s.db.QueryRowContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE endpoint_name = ? AND version = ?`, endpoint, version))
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	return p, req, err
}
