// Package attendance implements student registration and the face and QR
// attendance flows on top of an injected store.
package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"smartattendance/internal/face"
	"smartattendance/internal/lock"
	"smartattendance/internal/metrics"
	"smartattendance/internal/model"
	"smartattendance/internal/qr"
	"smartattendance/internal/queue"
)

var (
	ErrNoFaceDetected  = errors.New("no face detected")
	ErrMultipleFaces   = errors.New("multiple faces detected")
	ErrStudentNotFound = errors.New("student not found")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrFaceService wraps any failure of the embedding backend.
	ErrFaceService = errors.New("face service unavailable")
)

// Store is the persistence the service needs. *store.Store satisfies it.
type Store interface {
	CreateStudent(ctx context.Context, st *model.Student) error
	ListStudents(ctx context.Context) ([]model.Student, error)
	FindStudentByRollNo(ctx context.Context, rollNo string) (*model.Student, error)
	CreateAttendance(ctx context.Context, rec *model.AttendanceRecord) error
	CreateAttendanceOnce(ctx context.Context, rec *model.AttendanceRecord) (bool, error)
}

// PhotoArchiver stores a copy of the registration photo and returns its URL.
type PhotoArchiver interface {
	Archive(ctx context.Context, data []byte, filename string) (string, error)
}

// Options are the attendance policies read from configuration.
type Options struct {
	// AllowDuplicateSameDay keeps every mark. When false a student gets at
	// most one record per date.
	AllowDuplicateSameDay bool
	// RequireSingleFace rejects registration photos with more than one face.
	// When false the first detected face is used.
	RequireSingleFace bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{AllowDuplicateSameDay: true, RequireSingleFace: true}
}

// Option customises a Service.
type Option func(*Service)

// WithLocker sets the lock guarding insert-if-absent when duplicates are
// disallowed. Defaults to an in-process keyed mutex.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithEvents publishes an attendance.marked message for each inserted record.
func WithEvents(p queue.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithArchive uploads registration photos.
func WithArchive(a PhotoArchiver) Option {
	return func(s *Service) { s.archive = a }
}

// WithClock overrides the time source used for attendance dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service coordinates registration and attendance marking.
type Service struct {
	store    Store
	embedder face.Embedder
	matcher  face.Matcher
	qr       qr.Renderer
	log      *zap.Logger
	opts     Options

	locker  lock.Locker
	events  queue.Publisher
	archive PhotoArchiver
	now     func() time.Time
}

// NewService wires the service. log may be nil.
func NewService(store Store, embedder face.Embedder, matcher face.Matcher, renderer qr.Renderer, log *zap.Logger, opts Options, extra ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:    store,
		embedder: embedder,
		matcher:  matcher,
		qr:       renderer,
		log:      log,
		opts:     opts,
		locker:   lock.NewLocal(),
		now:      time.Now,
	}
	for _, o := range extra {
		o(s)
	}
	return s
}

// RegisterInput is a registration request.
type RegisterInput struct {
	Name     string
	RollNo   string
	Photo    []byte
	Filename string
}

// Register embeds the photo, renders the roll number QR code and persists a
// new student. Nothing is written unless exactly one usable face is found.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Student, error) {
	// name and roll number are stored as submitted; blank values are rejected
	if blank(in.Name) || blank(in.RollNo) || len(in.Photo) == 0 {
		metrics.Registrations.WithLabelValues("invalid").Inc()
		return nil, errors.Wrap(ErrInvalidInput, "name, roll_no and photo are required")
	}

	encodings, err := s.embed(ctx, in.Photo)
	if err != nil {
		metrics.Registrations.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FacesDetected.WithLabelValues("register").Observe(float64(len(encodings)))
	switch {
	case len(encodings) == 0:
		metrics.Registrations.WithLabelValues("no_face").Inc()
		return nil, ErrNoFaceDetected
	case len(encodings) > 1 && s.opts.RequireSingleFace:
		metrics.Registrations.WithLabelValues("multiple_faces").Inc()
		return nil, ErrMultipleFaces
	}

	code, err := s.qr.Render(in.RollNo)
	if err != nil {
		metrics.Registrations.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, "render qr code")
	}

	st := &model.Student{
		Name:     in.Name,
		RollNo:   in.RollNo,
		Encoding: encodings[0],
		QRCode:   code,
	}
	if s.archive != nil {
		url, err := s.archive.Archive(ctx, in.Photo, in.Filename)
		if err != nil {
			s.log.Warn("photo archive failed", zap.String("roll_no", in.RollNo), zap.Error(err))
		} else {
			st.PhotoURL = url
		}
	}

	if err := s.store.CreateStudent(ctx, st); err != nil {
		metrics.Registrations.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Registrations.WithLabelValues("ok").Inc()
	s.log.Info("student registered",
		zap.Int64("student_id", st.ID),
		zap.String("roll_no", st.RollNo),
		zap.Int("faces", len(encodings)),
	)
	return st, nil
}

// MarkByFace marks every registered student whose stored encoding matches
// any face in the photo and returns their names in storage order. A student
// is marked at most once per call.
func (s *Service) MarkByFace(ctx context.Context, photo []byte) ([]string, error) {
	if len(photo) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "photo is required")
	}
	candidates, err := s.embed(ctx, photo)
	if err != nil {
		return nil, err
	}
	metrics.FacesDetected.WithLabelValues("attendance").Observe(float64(len(candidates)))

	present := []string{}
	if len(candidates) == 0 {
		return present, nil
	}

	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var matched []model.Student
	for _, st := range students {
		for _, candidate := range candidates {
			if s.matcher.Match(st.Encoding, candidate) {
				matched = append(matched, st)
				break
			}
		}
	}
	metrics.Since(metrics.MatchDuration, start)

	for i := range matched {
		if _, err := s.mark(ctx, &matched[i], model.MethodFace); err != nil {
			return nil, err
		}
		present = append(present, matched[i].Name)
	}
	return present, nil
}

// MarkResult reports the outcome of a QR mark.
type MarkResult struct {
	Student *model.Student
	// Inserted is false when the duplicate policy suppressed the write.
	Inserted bool
}

// MarkByQR marks the student with exactly this roll number. No trimming or
// case folding is applied.
func (s *Service) MarkByQR(ctx context.Context, rollNo string) (MarkResult, error) {
	if blank(rollNo) {
		return MarkResult{}, errors.Wrap(ErrInvalidInput, "roll_no is required")
	}
	st, err := s.store.FindStudentByRollNo(ctx, rollNo)
	if err != nil {
		return MarkResult{}, err
	}
	if st == nil {
		return MarkResult{}, ErrStudentNotFound
	}
	inserted, err := s.mark(ctx, st, model.MethodQR)
	if err != nil {
		return MarkResult{}, err
	}
	return MarkResult{Student: st, Inserted: inserted}, nil
}

// Today returns the service-local attendance date.
func (s *Service) Today() string {
	return s.now().Format(model.DateLayout)
}

func blank(v string) bool { return strings.TrimSpace(v) == "" }

func (s *Service) embed(ctx context.Context, image []byte) ([]face.Encoding, error) {
	defer metrics.Since(metrics.EmbedDuration, time.Now())
	encodings, err := s.embedder.Embed(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFaceService, err)
	}
	return encodings, nil
}

func (s *Service) mark(ctx context.Context, st *model.Student, method string) (bool, error) {
	rec := &model.AttendanceRecord{
		StudentID: st.ID,
		Date:      s.Today(),
		Status:    model.StatusPresent,
		Method:    method,
	}

	inserted := true
	if s.opts.AllowDuplicateSameDay {
		if err := s.store.CreateAttendance(ctx, rec); err != nil {
			return false, err
		}
	} else {
		release, err := s.locker.Acquire(ctx, lock.Key(st.ID, rec.Date))
		if err != nil {
			return false, errors.Wrap(err, "acquire attendance lock")
		}
		inserted, err = s.store.CreateAttendanceOnce(ctx, rec)
		release()
		if err != nil {
			return false, err
		}
	}

	if !inserted {
		metrics.DuplicatesSkipped.WithLabelValues(method).Inc()
		s.log.Debug("attendance already marked", zap.Int64("student_id", st.ID), zap.String("date", rec.Date))
		return false, nil
	}
	metrics.Marks.WithLabelValues(method).Inc()
	s.log.Info("attendance marked",
		zap.Int64("record_id", rec.ID),
		zap.Int64("student_id", st.ID),
		zap.String("method", method),
		zap.String("date", rec.Date),
	)
	s.publish(ctx, st, rec)
	return true, nil
}

// publish is best effort; the record is already committed.
func (s *Service) publish(ctx context.Context, st *model.Student, rec *model.AttendanceRecord) {
	if s.events == nil {
		return
	}
	msg, err := queue.MarkedMessage(model.AttendanceEvent{
		ID:        uuid.NewString(),
		RecordID:  rec.ID,
		StudentID: st.ID,
		Name:      st.Name,
		RollNo:    st.RollNo,
		Date:      rec.Date,
		Method:    rec.Method,
		At:        rec.CreatedAt,
	})
	if err == nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err = s.events.Publish(pctx, msg)
		cancel()
	}
	if err != nil {
		s.log.Warn("publish attendance event failed", zap.Int64("record_id", rec.ID), zap.Error(err))
	}
}
