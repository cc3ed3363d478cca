package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			complexity TEXT NOT NULL DEFAULT '',
			plan JSONB NOT NULL DEFAULT '[]',
			prerequisites TEXT[] NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_external_id
			ON tasks (external_id) WHERE external_id <> '';`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			status TEXT NOT NULL,
			container TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			error_output TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			artifacts TEXT[] NOT NULL DEFAULT '{}',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_one_active
			ON executions (task_id) WHERE status = 'running';`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			execution_id TEXT NOT NULL REFERENCES executions(id),
			options JSONB NOT NULL DEFAULT '[]',
			recommended TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			chosen_option TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_one_pending
			ON proposals (execution_id) WHERE status = 'pending';`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t Task) error {
	plan, err := json.Marshal(t.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (
			id, external_id, title, description, type, status, priority, complexity,
			plan, prerequisites, error, created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.ExternalID, t.Title, t.Description, string(t.Type), string(t.Status),
		t.Priority, string(t.Complexity), plan, t.Prerequisites, t.Error,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, external_id, title, description, type, status, priority, complexity,
	plan, prerequisites, error, created_at, updated_at, completed_at`

func (s *PostgresStore) LoadTask(ctx context.Context, id string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveTaskTransition(ctx context.Context, id string, from, to Status, mut Mutations) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		    SET status=$3,
		        updated_at=$4,
		        error=COALESCE($5, error),
		        completed_at=COALESCE($6, completed_at)
		  WHERE id=$1 AND status=$2`,
		id, string(from), string(to), time.Now().UTC(), mut.Error, mut.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, loadErr := s.LoadTask(ctx, id); errors.Is(loadErr, ErrStoreNotFound) {
			return ErrStoreNotFound
		}
		return fmt.Errorf("task %s no longer in %s: %w", id, from, ErrStoreConflict)
	}
	return nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e Execution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, task_id, status, container, output, error_output, exit_code, artifacts, started_at, ended_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.TaskID, string(e.Status), e.Container, e.Output, e.ErrorOutput,
		e.ExitCode, e.Artifacts, e.StartedAt, e.EndedAt,
	)
	if err != nil {
		// The partial unique index enforces one active execution per task.
		if strings.Contains(err.Error(), "idx_executions_one_active") {
			return fmt.Errorf("task %s already has an active execution: %w", e.TaskID, ErrStoreConflict)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadActiveExecution(ctx context.Context, taskID string) (Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, status, container, output, error_output, exit_code, artifacts, started_at, ended_at
		   FROM executions WHERE task_id=$1 AND status='running'`,
		taskID,
	)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Execution{}, ErrStoreNotFound
		}
		return Execution{}, fmt.Errorf("get active execution: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) CloseExecution(ctx context.Context, executionID string, result ExecutionResult) error {
	ended := result.EndedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions
		    SET status=$2, output=$3, error_output=$4, exit_code=$5, artifacts=$6, ended_at=$7
		  WHERE id=$1 AND status='running'`,
		executionID, string(result.Status), result.Output, result.ErrorOutput,
		result.ExitCode, result.Artifacts, ended,
	)
	if err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		row := s.pool.QueryRow(ctx, `SELECT status FROM executions WHERE id=$1`, executionID)
		if scanErr := row.Scan(&status); scanErr != nil {
			return ErrStoreNotFound
		}
		return fmt.Errorf("execution %s already closed as %s: %w", executionID, status, ErrStoreConflict)
	}
	return nil
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p Proposal) error {
	options, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO proposals (id, task_id, execution_id, options, recommended, status, chosen_option, resolved_by, created_at, resolved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.TaskID, p.ExecutionID, options, p.Recommended, string(p.Status),
		p.ChosenOption, p.ResolvedBy, p.CreatedAt, p.ResolvedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_proposals_one_pending") {
			return fmt.Errorf("execution %s: %w", p.ExecutionID, ErrProposalAlreadyPending)
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

const proposalColumns = `id, task_id, execution_id, options, recommended, status, chosen_option, resolved_by, created_at, resolved_at`

func (s *PostgresStore) LoadProposal(ctx context.Context, id string) (Proposal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrStoreNotFound
		}
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ResolveProposal(ctx context.Context, id string, status ProposalStatus, chosen, actor string, at time.Time) (Proposal, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE proposals
		    SET status=$2, chosen_option=$3, resolved_by=$4, resolved_at=$5
		  WHERE id=$1 AND status='pending'
		  RETURNING `+proposalColumns,
		id, string(status), chosen, actor, at,
	)
	p, err := scanProposal(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, fmt.Errorf("resolve proposal: %w", err)
	}
	existing, loadErr := s.LoadProposal(ctx, id)
	if loadErr != nil {
		return Proposal{}, loadErr
	}
	return existing, fmt.Errorf("proposal %s: %w", id, ErrProposalAlreadyResolved)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t         Task
		taskType  string
		status    string
		cplx      string
		plan      []byte
		completed *time.Time
	)
	if err := row.Scan(
		&t.ID, &t.ExternalID, &t.Title, &t.Description, &taskType, &status,
		&t.Priority, &cplx, &plan, &t.Prerequisites, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &completed,
	); err != nil {
		return Task{}, err
	}
	t.Type = Type(taskType)
	t.Status = Status(status)
	t.Complexity = Complexity(cplx)
	t.CompletedAt = completed
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &t.Plan); err != nil {
			return Task{}, fmt.Errorf("decode plan: %w", err)
		}
	}
	return t, nil
}

func scanExecution(row pgx.Row) (Execution, error) {
	var (
		e      Execution
		status string
		ended  *time.Time
	)
	if err := row.Scan(
		&e.ID, &e.TaskID, &status, &e.Container, &e.Output, &e.ErrorOutput,
		&e.ExitCode, &e.Artifacts, &e.StartedAt, &ended,
	); err != nil {
		return Execution{}, err
	}
	e.Status = ExecutionStatus(status)
	e.EndedAt = ended
	return e, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p        Proposal
		options  []byte
		status   string
		resolved *time.Time
	)
	if err := row.Scan(
		&p.ID, &p.TaskID, &p.ExecutionID, &options, &p.Recommended, &status,
		&p.ChosenOption, &p.ResolvedBy, &p.CreatedAt, &resolved,
	); err != nil {
		return Proposal{}, err
	}
	p.Status = ProposalStatus(status)
	p.ResolvedAt = resolved
	if len(options) > 0 {
		if err := json.Unmarshal(options, &p.Options); err != nil {
			return Proposal{}, fmt.Errorf("decode options: %w", err)
		}
	}
	return p, nil
}
