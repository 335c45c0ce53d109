package store

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"smartattendance/internal/model"
)

const sqlStateSerializationFailure = "40001"

const attendanceColumns = `a.id, a.student_id, s.name, s.roll_no, a.date, a.status, a.method, a.created_at`

// CreateAttendance inserts rec unconditionally and fills in its ID and CreatedAt.
func (s *Store) CreateAttendance(ctx context.Context, rec *model.AttendanceRecord) error {
	rec.CreatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO attendance (student_id, date, status, method, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id`),
		rec.StudentID, rec.Date, rec.Status, rec.Method, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return errors.Wrap(err, "insert attendance")
	}
	return nil
}

// CreateAttendanceOnce inserts rec only if the student has no record for
// rec.Date yet. It reports whether a row was written. A Postgres
// serialization failure means a concurrent transaction wrote the same pair,
// so it is reported as not inserted.
func (s *Store) CreateAttendanceOnce(ctx context.Context, rec *model.AttendanceRecord) (bool, error) {
	inserted, err := s.createAttendanceOnce(ctx, rec)
	if isSerializationFailure(err) {
		rec.ID = 0
		return false, nil
	}
	return inserted, err
}

func (s *Store) createAttendanceOnce(ctx context.Context, rec *model.AttendanceRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, s.txOptions())
	if err != nil {
		return false, errors.Wrap(err, "begin attendance tx")
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT EXISTS (SELECT 1 FROM attendance WHERE student_id = ? AND date = ?)`),
		rec.StudentID, rec.Date,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check attendance")
	}
	if exists {
		return false, nil
	}

	rec.CreatedAt = time.Now().UTC()
	err = tx.QueryRowContext(ctx, s.rebind(
		`INSERT INTO attendance (student_id, date, status, method, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id`),
		rec.StudentID, rec.Date, rec.Status, rec.Method, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return false, errors.Wrap(err, "insert attendance")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit attendance")
	}
	return true, nil
}

// ListAttendance returns records joined with student name and roll number,
// newest first.
func (s *Store) ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `SELECT ` + attendanceColumns + ` FROM attendance a JOIN students s ON s.id = a.student_id`
	var (
		clauses []string
		args    []any
	)
	if f.Date != "" {
		clauses = append(clauses, "a.date = ?")
		args = append(args, f.Date)
	}
	if f.StudentID != 0 {
		clauses = append(clauses, "a.student_id = ?")
		args = append(args, f.StudentID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY a.id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query attendance")
	}
	defer rows.Close()

	var records []model.AttendanceRecord
	for rows.Next() {
		var r model.AttendanceRecord
		if err := rows.Scan(&r.ID, &r.StudentID, &r.Name, &r.RollNo, &r.Date, &r.Status, &r.Method, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan attendance")
		}
		records = append(records, r)
	}
	return records, errors.Wrap(rows.Err(), "iterate attendance")
}

// Summary aggregates attendance for one date, including present and absent
// rosters in student id order.
func (s *Store) Summary(ctx context.Context, date string) (model.DaySummary, error) {
	sum := model.DaySummary{
		Date:            date,
		PresentStudents: []model.RosterEntry{},
		AbsentStudents:  []model.RosterEntry{},
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT s.id, s.name, s.roll_no,
		        EXISTS (SELECT 1 FROM attendance a WHERE a.student_id = s.id AND a.date = ?)
		 FROM students s ORDER BY s.id`), date)
	if err != nil {
		return sum, errors.Wrap(err, "query roster")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e       model.RosterEntry
			present bool
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.RollNo, &present); err != nil {
			return sum, errors.Wrap(err, "scan roster")
		}
		if present {
			sum.PresentStudents = append(sum.PresentStudents, e)
		} else {
			sum.AbsentStudents = append(sum.AbsentStudents, e)
		}
	}
	if err := rows.Err(); err != nil {
		return sum, errors.Wrap(err, "iterate roster")
	}
	sum.Present = len(sum.PresentStudents)
	sum.Absent = len(sum.AbsentStudents)
	sum.TotalStudents = sum.Present + sum.Absent

	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM attendance WHERE date = ?`), date,
	).Scan(&sum.Marks)
	if err != nil {
		return sum, errors.Wrap(err, "count marks")
	}
	return sum, nil
}

// isSerializationFailure reports SQLSTATE 40001 from Postgres.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateSerializationFailure
}
