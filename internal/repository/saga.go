// Package repository saga 与事件日志的 Postgres 存储
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pen/orchestrator/internal/saga"
)

const (
	uniqueViolation     = "23505"
	activeCorrelationUK = "saga_active_correlation_uk"
	maxListLimit        = 1000
	defaultListLimit    = 100
	sagaColumns         = "saga_id, saga_name, saga_state, status, payload, correlation_key, retry_count, create_user, update_user, create_date, update_date"
	sagaEventColumns    = "saga_event_id, saga_id, saga_event_state, saga_event_outcome, saga_step_number, saga_event_response, create_user, update_user, create_date, update_date"
)

const (
	insertSagaQuery = `
		INSERT INTO pen_saga.saga (` + sagaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	getSagaQuery = `
		SELECT ` + sagaColumns + `
		FROM pen_saga.saga
		WHERE saga_id = $1
	`
	lockSagaQuery = `
		SELECT ` + sagaColumns + `
		FROM pen_saga.saga
		WHERE saga_id = $1
		FOR UPDATE
	`
	findActiveQuery = `
		SELECT ` + sagaColumns + `
		FROM pen_saga.saga
		WHERE saga_name = $1 AND correlation_key = $2 AND status IN ('STARTED', 'IN_PROGRESS')
		LIMIT 1
	`
	updateSagaQuery = `
		UPDATE pen_saga.saga
		SET saga_state = $1, status = $2, payload = $3, retry_count = $4, update_user = $5, update_date = $6
		WHERE saga_id = $7
	`
	findEventsQuery = `
		SELECT ` + sagaEventColumns + `
		FROM pen_saga.saga_event_states
		WHERE saga_id = $1
		ORDER BY saga_step_number
	`
	lastEventQuery = `
		SELECT ` + sagaEventColumns + `
		FROM pen_saga.saga_event_states
		WHERE saga_id = $1
		ORDER BY saga_step_number DESC
		LIMIT 1
	`
	// step number is derived inside the saga row lock
	appendEventQuery = `
		INSERT INTO pen_saga.saga_event_states (` + sagaEventColumns + `)
		SELECT $1, $2, $3, $4, COALESCE(MAX(saga_step_number), 0) + 1, $5, $6, $7, $8, $9
		FROM pen_saga.saga_event_states
		WHERE saga_id = $2
		RETURNING saga_step_number
	`
	deleteCompletedEventsQuery = `
		DELETE FROM pen_saga.saga_event_states e
		USING pen_saga.saga s
		WHERE e.saga_id = s.saga_id AND s.status = 'COMPLETED' AND s.update_date < $1
	`
	deleteCompletedSagasQuery = `
		DELETE FROM pen_saga.saga
		WHERE status = 'COMPLETED' AND update_date < $1
	`
)

// SagaRepository 实现 saga.Store
type SagaRepository struct {
	db *sql.DB
}

// NewSagaRepository 创建仓储
func NewSagaRepository(db *sql.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

var _ saga.Store = (*SagaRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*saga.Saga, error) {
	var (
		s             saga.Saga
		state, status string
	)
	if err := row.Scan(&s.SagaID, &s.SagaName, &state, &status, &s.Payload, &s.CorrelationKey,
		&s.RetryCount, &s.CreateUser, &s.UpdateUser, &s.CreateDate, &s.UpdateDate); err != nil {
		return nil, err
	}
	s.SagaState = saga.EventType(state)
	s.Status = saga.Status(status)
	return &s, nil
}

func scanEvent(row rowScanner) (*saga.SagaEvent, error) {
	var (
		ev             saga.SagaEvent
		state, outcome string
	)
	if err := row.Scan(&ev.EventID, &ev.SagaID, &state, &outcome, &ev.StepNumber, &ev.Response,
		&ev.CreateUser, &ev.UpdateUser, &ev.CreateDate, &ev.UpdateDate); err != nil {
		return nil, err
	}
	ev.EventState = saga.EventType(state)
	ev.EventOutcome = saga.EventOutcome(outcome)
	return &ev, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// validSagaID saga_id 列是 UUID，非法 id 直接按不存在处理，避免 22P02
func validSagaID(sagaID string) error {
	if _, err := uuid.Parse(sagaID); err != nil {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	return nil
}

// CreateSaga 新建 saga；活跃唯一索引冲突返回 saga.ErrSagaConflict
func (r *SagaRepository) CreateSaga(ctx context.Context, s *saga.Saga) error {
	_, err := r.db.ExecContext(ctx, insertSagaQuery,
		s.SagaID, s.SagaName, string(s.SagaState), string(s.Status), s.Payload, s.CorrelationKey,
		s.RetryCount, s.CreateUser, s.UpdateUser, s.CreateDate, s.UpdateDate,
	)
	if err != nil {
		if isUniqueViolation(err, activeCorrelationUK) {
			return fmt.Errorf("%w: %s/%s", saga.ErrSagaConflict, s.SagaName, s.CorrelationKey)
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

// GetSaga 按 id 查询
func (r *SagaRepository) GetSaga(ctx context.Context, sagaID string) (*saga.Saga, error) {
	if err := validSagaID(sagaID); err != nil {
		return nil, err
	}
	s, err := scanSaga(r.db.QueryRowContext(ctx, getSagaQuery, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("query saga: %w", err)
	}
	return s, nil
}

// FindActive 查询关联键对应的活跃 saga
func (r *SagaRepository) FindActive(ctx context.Context, workflow, correlationKey string) (*saga.Saga, error) {
	s, err := scanSaga(r.db.QueryRowContext(ctx, findActiveQuery, workflow, correlationKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", saga.ErrSagaNotFound, workflow, correlationKey)
	}
	if err != nil {
		return nil, fmt.Errorf("query active saga: %w", err)
	}
	return s, nil
}

func buildListQuery(f saga.ListFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Workflow != "" {
		where = append(where, "saga_name = "+next(f.Workflow))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ph = append(ph, next(string(st)))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "create_date < "+next(f.CreatedBefore))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var b strings.Builder
	b.WriteString("SELECT " + sagaColumns + " FROM pen_saga.saga")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY create_date, saga_id LIMIT " + next(limit))
	return b.String(), args
}

// ListSagas 按过滤条件列出 saga，按创建时间升序
func (r *SagaRepository) ListSagas(ctx context.Context, f saga.ListFilter) ([]*saga.Saga, error) {
	query, args := buildListQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas: %w", err)
	}
	return out, nil
}

// FindEvents 按步骤号升序返回事件；非法 id 没有事件
func (r *SagaRepository) FindEvents(ctx context.Context, sagaID string) ([]*saga.SagaEvent, error) {
	if validSagaID(sagaID) != nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, findEventsQuery, sagaID)
	if err != nil {
		return nil, fmt.Errorf("query saga events: %w", err)
	}
	defer rows.Close()

	var out []*saga.SagaEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga events: %w", err)
	}
	return out, nil
}

// DeleteCompletedBefore 清理已完成 saga 的事件（可选连同 saga 行）
func (r *SagaRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time, withSagas bool) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, deleteCompletedEventsQuery, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("delete saga events: %w", err)
	}
	events, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("get rows affected: %w", err)
	}

	var sagas int64
	if withSagas {
		res, err := tx.ExecContext(ctx, deleteCompletedSagasQuery, cutoff)
		if err != nil {
			return 0, 0, fmt.Errorf("delete sagas: %w", err)
		}
		if sagas, err = res.RowsAffected(); err != nil {
			return 0, 0, fmt.Errorf("get rows affected: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return events, sagas, nil
}

// WithSagaLock 在事务内对 saga 行加 FOR UPDATE 锁后执行 fn，fn 返回错误则回滚
func (r *SagaRepository) WithSagaLock(ctx context.Context, sagaID string, fn func(ctx context.Context, tx saga.SagaTx) error) error {
	if err := validSagaID(sagaID); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	s, err := scanSaga(tx.QueryRowContext(ctx, lockSagaQuery, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return fmt.Errorf("lock saga: %w", err)
	}

	if err := fn(ctx, &sagaTx{tx: tx, saga: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sagaTx struct {
	tx   *sql.Tx
	saga *saga.Saga
}

func (t *sagaTx) Saga() *saga.Saga { return t.saga.Clone() }

func (t *sagaTx) LastEvent(ctx context.Context) (*saga.SagaEvent, error) {
	ev, err := scanEvent(t.tx.QueryRowContext(ctx, lastEventQuery, t.saga.SagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last saga event: %w", err)
	}
	return ev, nil
}

func (t *sagaTx) AppendEvent(ctx context.Context, ev *saga.SagaEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.SagaID = t.saga.SagaID
	err := t.tx.QueryRowContext(ctx, appendEventQuery,
		ev.EventID, ev.SagaID, string(ev.EventState), string(ev.EventOutcome), ev.Response,
		ev.CreateUser, ev.UpdateUser, ev.CreateDate, ev.UpdateDate,
	).Scan(&ev.StepNumber)
	if err != nil {
		return fmt.Errorf("insert saga event: %w", err)
	}
	return nil
}

func (t *sagaTx) UpdateSaga(ctx context.Context, s *saga.Saga) error {
	if s.SagaID != t.saga.SagaID {
		return fmt.Errorf("update saga %s inside lock of %s", s.SagaID, t.saga.SagaID)
	}
	res, err := t.tx.ExecContext(ctx, updateSagaQuery,
		string(s.SagaState), string(s.Status), s.Payload, s.RetryCount, s.UpdateUser, s.UpdateDate, s.SagaID,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, s.SagaID)
	}
	return nil
}
