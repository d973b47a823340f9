package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/model/sqlquery"
	"github.com/google/uuid"
	"sync"
	"time"
)

type sqlScheduleStorage struct {
	database *sql.DB
	rwLock   *sync.RWMutex
	validate DefinitionValidator
	now      func() time.Time
}

func NewSQLScheduleStorage(
	ctx context.Context,
	driverName, dataSourceName string,
	validate DefinitionValidator,
) (*sqlScheduleStorage, error) {
	database, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed opening database: %w", err)
	}
	if driverName == "sqlite" {
		// one connection keeps ":memory:" databases shared and writers serialized
		database.SetMaxOpenConns(1)
		database.SetMaxIdleConns(1)
	}

	if err = database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed checking database availability: %w", err)
	}

	storage := sqlScheduleStorage{
		database: database,
		rwLock:   &sync.RWMutex{},
		validate: validate,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	if err = storage.init(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed initializing storage: %w", err)
	}
	return &storage, nil
}

func (st *sqlScheduleStorage) Close() error {
	return st.database.Close()
}

func (st *sqlScheduleStorage) CreateSchedule(ctx context.Context, def ScheduleDefinition) (Schedule, error) {
	if err := st.validate.ValidateDefinition(def); err != nil {
		return Schedule{}, err
	}
	parameters, err := encodeParameters(def.Parameters)
	if err != nil {
		return Schedule{}, err
	}

	now := st.now()
	schedule := Schedule{
		Id:             ScheduleId(uuid.NewString()),
		Name:           def.Name,
		CronExpression: def.CronExpression,
		Task:           def.Task,
		Status:         StatusIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
		MaxRetries:     def.MaxRetries,
		RetryDelay:     def.RetryDelay,
		Parameters:     def.Parameters,
	}

	err = st.updateRows(
		ctx,
		sqlquery.NewSchedule,
		schedule.Id,
		schedule.Name,
		schedule.CronExpression,
		schedule.Task,
		schedule.IsActive,
		schedule.Progress,
		schedule.Status,
		"",
		nil,
		schedule.Message,
		schedule.CreatedAt,
		schedule.UpdatedAt,
		nil,
		schedule.MaxRetries,
		schedule.RetryDelay,
		parameters,
	)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed creating schedule %q: %w", def.Name, err)
	}
	return schedule, nil
}

func (st *sqlScheduleStorage) GetSchedule(ctx context.Context, id ScheduleId) (Schedule, error) {
	st.rwLock.RLock()
	defer st.rwLock.RUnlock()

	schedule, err := getScheduleBy(ctx, st.database, id)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed getting schedule by id %s: %w", id, err)
	}
	return schedule, nil
}

func (st *sqlScheduleStorage) ListSchedules(ctx context.Context) ([]Schedule, error) {
	schedules, err := st.listSchedulesBy(ctx, sqlquery.ListSchedules)
	if err != nil {
		return nil, fmt.Errorf("failed listing schedules: %w", err)
	}
	return schedules, nil
}

func (st *sqlScheduleStorage) ListActiveSchedules(ctx context.Context) ([]Schedule, error) {
	schedules, err := st.listSchedulesBy(ctx, sqlquery.ListActiveSchedules)
	if err != nil {
		return nil, fmt.Errorf("failed listing active schedules: %w", err)
	}
	return schedules, nil
}

func (st *sqlScheduleStorage) ListSchedulesByStatus(ctx context.Context, status Status) ([]Schedule, error) {
	schedules, err := st.listSchedulesBy(ctx, sqlquery.ListSchedulesByStatus, status)
	if err != nil {
		return nil, fmt.Errorf("failed listing %s schedules: %w", status, err)
	}
	return schedules, nil
}

func (st *sqlScheduleStorage) UpdateSchedule(ctx context.Context, id ScheduleId, update ScheduleUpdate) (Schedule, error) {
	var updated Schedule
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		existing, err := getScheduleBy(ctx, tx, id)
		if err != nil {
			return err
		}
		def := update.Apply(existing.Definition())
		if err = st.validate.ValidateDefinition(def); err != nil {
			return err
		}
		parameters, err := encodeParameters(def.Parameters)
		if err != nil {
			return err
		}

		now := st.now()
		_, err = tx.ExecContext(
			ctx,
			sqlquery.UpdateDefinition,
			def.Name,
			def.CronExpression,
			def.Task,
			def.MaxRetries,
			def.RetryDelay,
			parameters,
			now,
			id,
		)
		if err != nil {
			return fmt.Errorf("failed writing definition: %w", err)
		}
		updated, err = getScheduleBy(ctx, tx, id)
		return err
	}

	if err := st.transact(ctx, transactionFunc); err != nil {
		return Schedule{}, fmt.Errorf("failed updating schedule %s: %w", id, err)
	}
	return updated, nil
}

func (st *sqlScheduleStorage) SetActive(ctx context.Context, id ScheduleId, active bool) (Schedule, error) {
	query := sqlquery.Deactivate
	if active {
		query = sqlquery.Activate
	}

	var updated Schedule
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		if err := execAffecting(ctx, tx, query, st.now(), id); err != nil {
			return err
		}
		var err error
		updated, err = getScheduleBy(ctx, tx, id)
		return err
	}

	if err := st.transact(ctx, transactionFunc); err != nil {
		return Schedule{}, fmt.Errorf("failed setting schedule %s active=%t: %w", id, active, err)
	}
	return updated, nil
}

func (st *sqlScheduleStorage) SetRunState(ctx context.Context, id ScheduleId, state RunState) error {
	if (state.Status == StatusRunning) != (state.CurrentJobId != nil) {
		return fmt.Errorf("run state %s with current job %v breaks the running invariant", state.Status, state.CurrentJobId)
	}

	params := []any{
		state.Status,
		state.Progress,
		state.Message,
		state.CurrentJobId,
		state.LastStatus,
		state.LastRun,
		st.now(),
		id,
	}
	query := sqlquery.SetRunState
	if state.ExpectedExecution != nil {
		query = sqlquery.SetRunStateIfCurrent
		params = append(params, *state.ExpectedExecution)
	}

	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		err := execAffecting(ctx, tx, query, params...)
		if errors.Is(err, ErrorNotFound) && state.ExpectedExecution != nil {
			return st.staleOrMissing(ctx, tx, id)
		}
		return err
	}
	if err := st.transact(ctx, transactionFunc); err != nil {
		return fmt.Errorf("failed setting run state of schedule %s: %w", id, err)
	}
	return nil
}

// ReportProgress writes progress and message for the given execution only.
func (st *sqlScheduleStorage) ReportProgress(
	ctx context.Context,
	id ScheduleId,
	execution ExecutionId,
	progress int,
	message string,
) error {
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		err := execAffecting(ctx, tx, sqlquery.SetProgressIfCurrent, progress, message, st.now(), id, execution)
		if errors.Is(err, ErrorNotFound) {
			return st.staleOrMissing(ctx, tx, id)
		}
		return err
	}
	if err := st.transact(ctx, transactionFunc); err != nil {
		return fmt.Errorf("failed reporting progress of schedule %s: %w", id, err)
	}
	return nil
}

func (st *sqlScheduleStorage) DeleteSchedule(ctx context.Context, id ScheduleId) error {
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlquery.DeleteScheduleHistory, id); err != nil {
			return fmt.Errorf("failed deleting executions: %w", err)
		}
		return execAffecting(ctx, tx, sqlquery.DeleteSchedule, id)
	}
	if err := st.transact(ctx, transactionFunc); err != nil {
		return fmt.Errorf("failed deleting schedule with id %s: %w", id, err)
	}
	return nil
}

func (st *sqlScheduleStorage) CreateExecution(ctx context.Context, scheduleId ScheduleId, startTime time.Time) (ExecutionId, error) {
	id := ExecutionId(uuid.NewString())
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		if err := scheduleExists(ctx, tx, scheduleId); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlquery.NewExecution, id, scheduleId, startTime.UTC())
		return err
	}
	if err := st.transact(ctx, transactionFunc); err != nil {
		return "", fmt.Errorf("failed creating execution for schedule %s: %w", scheduleId, err)
	}
	return id, nil
}

func (st *sqlScheduleStorage) SealExecution(ctx context.Context, id ExecutionId, status Status, message string, endTime time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot seal execution %s with non-terminal status %s", id, status)
	}
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		_, err := sealExecution(ctx, tx, id, status, message, endTime.UTC())
		return err
	}
	if err := st.transact(ctx, transactionFunc); err != nil {
		return fmt.Errorf("failed sealing execution %s: %w", id, err)
	}
	return nil
}

func (st *sqlScheduleStorage) BeginExecution(ctx context.Context, scheduleId ScheduleId, startTime time.Time) (Execution, error) {
	execution := Execution{
		Id:         ExecutionId(uuid.NewString()),
		ScheduleId: scheduleId,
		StartTime:  startTime.UTC().Truncate(time.Microsecond),
		Status:     StatusRunning,
	}
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		if err := scheduleExists(ctx, tx, scheduleId); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlquery.NewExecution, execution.Id, scheduleId, execution.StartTime)
		if err != nil {
			return fmt.Errorf("failed inserting execution: %w", err)
		}
		err = execAffecting(ctx, tx, sqlquery.MarkScheduleRunning, execution.Id, execution.StartTime, scheduleId)
		if errors.Is(err, ErrorNotFound) {
			return ErrorScheduleBusy
		}
		return err
	}
	if err := st.transact(ctx, transactionFunc); err != nil {
		return Execution{}, fmt.Errorf("failed beginning execution of schedule %s: %w", scheduleId, err)
	}
	return execution, nil
}

func (st *sqlScheduleStorage) FinishExecution(ctx context.Context, id ExecutionId, status Status, message string, endTime time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish execution %s with non-terminal status %s", id, status)
	}
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		execution, err := sealExecution(ctx, tx, id, status, message, endTime.UTC())
		if err != nil {
			return err
		}
		// a schedule that moved on to a newer execution keeps its state
		_, err = tx.ExecContext(
			ctx,
			sqlquery.FinishCurrentExecution,
			status,
			message,
			st.now(),
			execution.ScheduleId,
			id,
		)
		return err
	}
	if err := st.transact(ctx, transactionFunc); err != nil {
		return fmt.Errorf("failed finishing execution %s: %w", id, err)
	}
	return nil
}

func (st *sqlScheduleStorage) ListRunningExecutions(ctx context.Context) ([]Execution, error) {
	executions, err := st.listExecutionsBy(ctx, sqlquery.ListRunningExecutions)
	if err != nil {
		return nil, fmt.Errorf("failed listing running executions: %w", err)
	}
	return executions, nil
}

func (st *sqlScheduleStorage) ListExecutions(ctx context.Context, scheduleId ScheduleId, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	executions, err := st.listExecutionsBy(ctx, sqlquery.ListExecutions, scheduleId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed listing executions of schedule %s: %w", scheduleId, err)
	}
	return executions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanSchedule(sc scanner, schedule *Schedule) error {
	var (
		currentJobId sql.NullString
		lastRun      sql.NullTime
		parameters   string
	)
	err := sc.Scan(
		&schedule.Id,
		&schedule.Name,
		&schedule.CronExpression,
		&schedule.Task,
		&schedule.IsActive,
		&schedule.Progress,
		&schedule.Status,
		&schedule.LastStatus,
		&currentJobId,
		&schedule.Message,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
		&lastRun,
		&schedule.MaxRetries,
		&schedule.RetryDelay,
		&parameters,
	)
	if err != nil {
		return err
	}

	schedule.CreatedAt = schedule.CreatedAt.UTC()
	schedule.UpdatedAt = schedule.UpdatedAt.UTC()
	if currentJobId.Valid {
		id := ExecutionId(currentJobId.String)
		schedule.CurrentJobId = &id
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		schedule.LastRun = &t
	}
	schedule.Parameters, err = decodeParameters(parameters)
	return err
}

func scanExecution(sc scanner, execution *Execution) error {
	var endTime sql.NullTime
	err := sc.Scan(
		&execution.Id,
		&execution.ScheduleId,
		&execution.StartTime,
		&endTime,
		&execution.Status,
		&execution.Message,
	)
	if err != nil {
		return err
	}
	execution.StartTime = execution.StartTime.UTC()
	if endTime.Valid {
		t := endTime.Time.UTC()
		execution.EndTime = &t
	}
	return nil
}

func getScheduleBy(ctx context.Context, q querier, id ScheduleId) (Schedule, error) {
	schedule := Schedule{}
	err := scanSchedule(q.QueryRowContext(ctx, sqlquery.GetSchedule, id), &schedule)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, ErrorNotFound
		}
		return Schedule{}, err
	}
	return schedule, nil
}

func scheduleExists(ctx context.Context, q querier, id ScheduleId) error {
	var one int
	err := q.QueryRowContext(ctx, sqlquery.ScheduleExists, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrorNotFound
	}
	return err
}

func sealExecution(ctx context.Context, tx *sql.Tx, id ExecutionId, status Status, message string, endTime time.Time) (Execution, error) {
	execution := Execution{}
	err := scanExecution(tx.QueryRowContext(ctx, sqlquery.GetExecution, id), &execution)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Execution{}, ErrorNotFound
		}
		return Execution{}, fmt.Errorf("failed scanning execution: %w", err)
	}
	if execution.Status != StatusRunning {
		return Execution{}, ErrorExecutionSealed
	}
	if _, err = tx.ExecContext(ctx, sqlquery.SealExecution, status, message, endTime, id); err != nil {
		return Execution{}, fmt.Errorf("failed writing execution seal: %w", err)
	}
	return execution, nil
}

// staleOrMissing tells apart a guarded write that lost to a newer execution
// from one aimed at a deleted schedule.
func (st *sqlScheduleStorage) staleOrMissing(ctx context.Context, tx *sql.Tx, id ScheduleId) error {
	if err := scheduleExists(ctx, tx, id); err != nil {
		return err
	}
	return ErrorStaleExecution
}

func execAffecting(ctx context.Context, tx *sql.Tx, query string, params ...any) error {
	result, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrorNotFound
	}
	return nil
}

func (st *sqlScheduleStorage) listSchedulesBy(ctx context.Context, query string, params ...any) ([]Schedule, error) {
	st.rwLock.RLock()
	defer st.rwLock.RUnlock()

	rows, err := st.database.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := make([]Schedule, 0)
	for rows.Next() {
		schedule := Schedule{}
		if err := scanSchedule(rows, &schedule); err != nil {
			return nil, fmt.Errorf("failed scanning schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return schedules, rows.Close()
}

func (st *sqlScheduleStorage) listExecutionsBy(ctx context.Context, query string, params ...any) ([]Execution, error) {
	st.rwLock.RLock()
	defer st.rwLock.RUnlock()

	rows, err := st.database.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions := make([]Execution, 0)
	for rows.Next() {
		execution := Execution{}
		if err := scanExecution(rows, &execution); err != nil {
			return nil, fmt.Errorf("failed scanning execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return executions, rows.Close()
}

func (st *sqlScheduleStorage) updateRows(ctx context.Context, query string, params ...any) error {
	st.rwLock.Lock()
	defer st.rwLock.Unlock()

	_, err := st.database.ExecContext(ctx, query, params...)
	return err
}

func (st *sqlScheduleStorage) transact(ctx context.Context, transactionFunc func(context.Context, *sql.Tx) error) error {
	st.rwLock.Lock()
	defer st.rwLock.Unlock()

	tx, err := st.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = transactionFunc(ctx, tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (st *sqlScheduleStorage) init(ctx context.Context) error {
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		for _, statement := range sqlquery.Schema {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				return fmt.Errorf("error applying schema: %w", err)
			}
		}
		return nil
	}
	return st.transact(ctx, transactionFunc)
}

func encodeParameters(parameters Parameters) (string, error) {
	if parameters == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return "", NewValidationError("parameters", err.Error())
	}
	return string(encoded), nil
}

func decodeParameters(encoded string) (Parameters, error) {
	if encoded == "" || encoded == "{}" {
		return nil, nil
	}
	parameters := Parameters{}
	if err := json.Unmarshal([]byte(encoded), &parameters); err != nil {
		return nil, fmt.Errorf("failed decoding parameters: %w", err)
	}
	return parameters, nil
}
