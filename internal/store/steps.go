package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
)

// StepsForExecution returns every step of an execution in ordinal order.
func (s *Store) StepsForExecution(executionID string) ([]Step, error) {
	rows, err := s.db.Query(stepSelect+` WHERE execution_id = ? ORDER BY ordinal ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Step, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			continue
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// StartStep marks a step running, stamps started_at and counts the attempt.
func (s *Store) StartStep(stepID string) error {
	res, err := s.db.Exec(`UPDATE steps
		SET status = ?, started_at = ?, attempts = attempts + 1, error_class = '', error_message = ''
		WHERE id = ?`,
		StatusRunning, fmtTime(time.Now().UTC()), stepID)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "start step")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteStep records a step's terminal outcome. Output must already be
// masked by the caller.
func (s *Store) CompleteStep(stepID, status string, output json.RawMessage, errClass, errMsg string, timedOut bool) error {
	timedOutInt := 0
	if timedOut {
		timedOutInt = 1
	}
	res, err := s.db.Exec(`UPDATE steps
		SET status = ?, ended_at = ?, output = ?, error_class = ?, error_message = ?, timed_out = ?
		WHERE id = ?`,
		status, fmtTime(time.Now().UTC()), string(output), errClass, errMsg, timedOutInt, stepID)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "complete step")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResetStaleSteps returns steps stuck in running (a crashed worker's
// leftovers) to pending so a resumed execution re-runs them. Attempt counts
// are preserved.
func (s *Store) ResetStaleSteps(executionID string) (int, error) {
	res, err := s.db.Exec(`UPDATE steps SET status = ?, started_at = NULL
		WHERE execution_id = ? AND status = ?`,
		StatusPending, executionID, StatusRunning)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const stepSelect = `SELECT id, execution_id, ordinal, step_type, target_ref, action, inputs, status, started_at, ended_at, timed_out, attempts, output, error_class, error_message FROM steps`

func scanStep(sc scanner) (*Step, error) {
	var (
		st                 Step
		inputs, output     string
		timedOut           int
		startedAt, endedAt sql.NullString
	)
	if err := sc.Scan(
		&st.ID,
		&st.ExecutionID,
		&st.Ordinal,
		&st.Type,
		&st.Target,
		&st.Action,
		&inputs,
		&st.Status,
		&startedAt,
		&endedAt,
		&timedOut,
		&st.Attempts,
		&output,
		&st.ErrorClass,
		&st.ErrorMessage,
	); err != nil {
		return nil, err
	}
	st.Inputs = json.RawMessage(inputs)
	if output != "" {
		st.Output = json.RawMessage(output)
	}
	st.TimedOut = timedOut == 1
	st.StartedAt = parseNullableTime(startedAt)
	st.EndedAt = parseNullableTime(endedAt)
	return &st, nil
}
