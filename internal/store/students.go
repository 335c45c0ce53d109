package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"smartattendance/internal/face"
	"smartattendance/internal/model"
)

// CreateStudent inserts st and fills in its store-assigned ID and CreatedAt.
func (s *Store) CreateStudent(ctx context.Context, st *model.Student) error {
	st.CreatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO students (name, roll_no, face_encoding, qr_code, photo_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		st.Name, st.RollNo, st.Encoding.Bytes(), st.QRCode, st.PhotoURL, st.CreatedAt,
	).Scan(&st.ID)
	if err != nil {
		return errors.Wrap(err, "insert student")
	}
	return nil
}

// ListStudents returns every student with its face encoding, in storage
// order. QR images are not loaded.
func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, roll_no, face_encoding, photo_url, created_at FROM students ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query students")
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		var (
			st  model.Student
			enc []byte
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.RollNo, &enc, &st.PhotoURL, &st.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan student")
		}
		if st.Encoding, err = face.Decode(enc); err != nil {
			return nil, errors.Wrapf(err, "student %d", st.ID)
		}
		students = append(students, st)
	}
	return students, errors.Wrap(rows.Err(), "iterate students")
}

// GetStudent returns the student with the given id, or nil if none exists.
func (s *Store) GetStudent(ctx context.Context, id int64) (*model.Student, error) {
	return s.findStudent(ctx, `WHERE id = ?`, id)
}

// FindStudentByRollNo returns the student with exactly this roll number, or
// nil. Roll numbers are not unique; the earliest registration wins.
func (s *Store) FindStudentByRollNo(ctx context.Context, rollNo string) (*model.Student, error) {
	return s.findStudent(ctx, `WHERE roll_no = ? ORDER BY id LIMIT 1`, rollNo)
}

func (s *Store) findStudent(ctx context.Context, where string, arg any) (*model.Student, error) {
	var (
		st  model.Student
		enc []byte
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, roll_no, face_encoding, photo_url, created_at FROM students `+where), arg,
	).Scan(&st.ID, &st.Name, &st.RollNo, &enc, &st.PhotoURL, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query student")
	}
	if st.Encoding, err = face.Decode(enc); err != nil {
		return nil, errors.Wrapf(err, "student %d", st.ID)
	}
	return &st, nil
}

// StudentQRCode returns the stored QR image for a student, or nil if the
// student does not exist.
func (s *Store) StudentQRCode(ctx context.Context, id int64) ([]byte, error) {
	var png []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT qr_code FROM students WHERE id = ?`), id).Scan(&png)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query qr code")
	}
	return png, nil
}

// CountStudents returns the number of registered students.
func (s *Store) CountStudents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count students")
	}
	return n, nil
}
