package attendance

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartattendance/internal/face"
	"smartattendance/internal/model"
	"smartattendance/internal/qr"
	"smartattendance/internal/queue"
	"smartattendance/internal/store"
)

// fakeEmbedder returns canned encodings keyed by image content.
type fakeEmbedder struct {
	faces map[string][]face.Encoding
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, image []byte) ([]face.Encoding, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.faces[string(image)], nil
}

type fakeArchive struct {
	url string
	err error
}

func (f fakeArchive) Archive(context.Context, []byte, string) (string, error) {
	return f.url, f.err
}

var (
	ashaFace = face.Encoding{0.1, 0.1, 0.1}
	raviFace = face.Encoding{0.9, 0.9, 0.9}
	stranger = face.Encoding{5, 5, 5}
)

func testFaces() map[string][]face.Encoding {
	return map[string][]face.Encoding{
		"asha.jpg":     {ashaFace},
		"ravi.jpg":     {raviFace},
		"group.jpg":    {ashaFace, raviFace},
		"asha-twice":   {ashaFace, {0.12, 0.1, 0.1}},
		"stranger.jpg": {stranger},
		"empty.jpg":    nil,
	}
}

var fixedNow = time.Date(2026, 10, 17, 9, 30, 0, 0, time.Local)

type fixture struct {
	svc   *Service
	store *store.Store
	emb   *fakeEmbedder
}

func newFixture(t *testing.T, opts Options, extra ...Option) fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "attendance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	emb := &fakeEmbedder{faces: testFaces()}
	extra = append([]Option{WithClock(func() time.Time { return fixedNow })}, extra...)
	svc := NewService(st, emb, face.NewMatcher(), qr.NewPNG(), nil, opts, extra...)
	return fixture{svc: svc, store: st, emb: emb}
}

func (f fixture) register(t *testing.T, name, roll, photo string) *model.Student {
	t.Helper()
	st, err := f.svc.Register(context.Background(), RegisterInput{Name: name, RollNo: roll, Photo: []byte(photo)})
	require.NoError(t, err)
	return st
}

func (f fixture) records(t *testing.T) []model.AttendanceRecord {
	t.Helper()
	recs, err := f.store.ListAttendance(context.Background(), model.AttendanceFilter{Limit: 1000})
	require.NoError(t, err)
	return recs
}

func (f fixture) studentCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountStudents(context.Background())
	require.NoError(t, err)
	return n
}

func TestRegister_NoFace(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	_, err := f.svc.Register(context.Background(), RegisterInput{Name: "Asha", RollNo: "R1", Photo: []byte("empty.jpg")})
	require.ErrorIs(t, err, ErrNoFaceDetected)
	assert.Equal(t, 0, f.studentCount(t))
}

func TestRegister_Success(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	st := f.register(t, " Asha ", "R1", "asha.jpg")
	assert.NotZero(t, st.ID)
	assert.Equal(t, " Asha ", st.Name)
	assert.NotEmpty(t, st.QRCode)
	assert.Equal(t, 1, f.studentCount(t))

	found, err := f.store.FindStudentByRollNo(context.Background(), "R1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, st.ID, found.ID)
	assert.Equal(t, ashaFace, found.Encoding)

	png, err := f.store.StudentQRCode(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.QRCode, png)
}

func TestRegister_MultipleFaces(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		f := newFixture(t, DefaultOptions())
		_, err := f.svc.Register(context.Background(), RegisterInput{Name: "G", RollNo: "R9", Photo: []byte("group.jpg")})
		require.ErrorIs(t, err, ErrMultipleFaces)
		assert.Equal(t, 0, f.studentCount(t))
	})

	t.Run("first face when allowed", func(t *testing.T) {
		f := newFixture(t, Options{AllowDuplicateSameDay: true})
		st := f.register(t, "G", "R9", "group.jpg")
		assert.Equal(t, ashaFace, st.Encoding)
	})
}

func TestRegister_InvalidInput(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	for _, in := range []RegisterInput{
		{RollNo: "R1", Photo: []byte("asha.jpg")},
		{Name: "Asha", RollNo: "  ", Photo: []byte("asha.jpg")},
		{Name: "Asha", RollNo: "R1"},
	} {
		_, err := f.svc.Register(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Zero(t, f.emb.calls)
}

func TestRegister_FaceServiceError(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.emb.err = errors.New("connection refused")

	_, err := f.svc.Register(context.Background(), RegisterInput{Name: "Asha", RollNo: "R1", Photo: []byte("asha.jpg")})
	require.ErrorIs(t, err, ErrFaceService)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMarkByFace_FaceServiceKeepsCause(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.emb.err = errors.Wrap(context.DeadlineExceeded, "embed")

	_, err := f.svc.MarkByFace(context.Background(), []byte("asha.jpg"))
	require.ErrorIs(t, err, ErrFaceService)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkByQR_ExactMatchOnly(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "Asha", "R1", "asha.jpg")
	f.register(t, "Ravi", "CS 101", "ravi.jpg")

	_, err := f.svc.MarkByQR(context.Background(), " R1 ")
	require.ErrorIs(t, err, ErrStudentNotFound)
	assert.Empty(t, f.records(t))

	res, err := f.svc.MarkByQR(context.Background(), "CS 101")
	require.NoError(t, err)
	assert.Equal(t, "Ravi", res.Student.Name)
}

func TestRegister_Archive(t *testing.T) {
	t.Run("url stored", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(), WithArchive(fakeArchive{url: "https://img/asha.jpg"}))
		st := f.register(t, "Asha", "R1", "asha.jpg")
		assert.Equal(t, "https://img/asha.jpg", st.PhotoURL)
	})

	t.Run("failure does not block registration", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(), WithArchive(fakeArchive{err: errors.New("boom")}))
		st := f.register(t, "Asha", "R1", "asha.jpg")
		assert.Empty(t, st.PhotoURL)
		assert.Equal(t, 1, f.studentCount(t))
	})
}

func TestMarkByQR_UnknownRoll(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "Asha", "R1", "asha.jpg")

	_, err := f.svc.MarkByQR(context.Background(), "R404")
	require.ErrorIs(t, err, ErrStudentNotFound)
	assert.Empty(t, f.records(t))
}

func TestMarkByQR_KnownRoll(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	asha := f.register(t, "Asha", "R1", "asha.jpg")

	res, err := f.svc.MarkByQR(context.Background(), "R1")
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, asha.ID, res.Student.ID)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, asha.ID, recs[0].StudentID)
	assert.Equal(t, "2026-10-17", recs[0].Date)
	assert.Equal(t, model.StatusPresent, recs[0].Status)
	assert.Equal(t, model.MethodQR, recs[0].Method)
}

func TestMarkByQR_TwiceInsertsTwoRowsByDefault(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "Asha", "R1", "asha.jpg")

	for i := 0; i < 2; i++ {
		res, err := f.svc.MarkByQR(context.Background(), "R1")
		require.NoError(t, err)
		assert.True(t, res.Inserted)
	}
	assert.Len(t, f.records(t), 2)
}

func TestMarkByQR_NoDuplicatesWhenDisallowed(t *testing.T) {
	f := newFixture(t, Options{RequireSingleFace: true})
	f.register(t, "Asha", "R1", "asha.jpg")

	first, err := f.svc.MarkByQR(context.Background(), "R1")
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	second, err := f.svc.MarkByQR(context.Background(), "R1")
	require.NoError(t, err)
	assert.False(t, second.Inserted)

	assert.Len(t, f.records(t), 1)
}

func TestMarkByQR_ConcurrentNoDuplicates(t *testing.T) {
	f := newFixture(t, Options{RequireSingleFace: true})
	f.register(t, "Asha", "R1", "asha.jpg")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.MarkByQR(context.Background(), "R1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, f.records(t), 1)
}

func TestMarkByFace_NoMatch(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "Asha", "R1", "asha.jpg")

	names, err := f.svc.MarkByFace(context.Background(), []byte("stranger.jpg"))
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.NotNil(t, names)
	assert.Empty(t, f.records(t))
}

func TestMarkByFace_NoFaces(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "Asha", "R1", "asha.jpg")

	names, err := f.svc.MarkByFace(context.Background(), []byte("empty.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []string{}, names)
	assert.Empty(t, f.records(t))
}

func TestMarkByFace_SingleMatch(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	asha := f.register(t, "Asha", "R1", "asha.jpg")
	f.register(t, "Ravi", "R2", "ravi.jpg")

	names, err := f.svc.MarkByFace(context.Background(), []byte("asha.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Asha"}, names)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, asha.ID, recs[0].StudentID)
	assert.Equal(t, model.MethodFace, recs[0].Method)
}

func TestMarkByFace_OneRecordPerStudentPerCall(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "Asha", "R1", "asha.jpg")

	names, err := f.svc.MarkByFace(context.Background(), []byte("asha-twice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Asha"}, names)
	assert.Len(t, f.records(t), 1)
}

func TestMarkByFace_GroupInStorageOrder(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "Asha", "R1", "asha.jpg")
	f.register(t, "Ravi", "R2", "ravi.jpg")

	names, err := f.svc.MarkByFace(context.Background(), []byte("group.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Asha", "Ravi"}, names)
	assert.Len(t, f.records(t), 2)
}

func TestMarkByFace_AlreadyMarkedStillPresent(t *testing.T) {
	f := newFixture(t, Options{RequireSingleFace: true})
	f.register(t, "Asha", "R1", "asha.jpg")

	for i := 0; i < 2; i++ {
		names, err := f.svc.MarkByFace(context.Background(), []byte("asha.jpg"))
		require.NoError(t, err)
		assert.Equal(t, []string{"Asha"}, names)
	}
	assert.Len(t, f.records(t), 1)
}

func TestMarkByFace_FaceServiceError(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.emb.err = errors.New("timeout")

	_, err := f.svc.MarkByFace(context.Background(), []byte("asha.jpg"))
	assert.ErrorIs(t, err, ErrFaceService)
}

func TestMark_PublishesEvent(t *testing.T) {
	q := queue.NewInMemory(4)
	f := newFixture(t, DefaultOptions(), WithEvents(q))
	asha := f.register(t, "Asha", "R1", "asha.jpg")

	_, err := f.svc.MarkByQR(context.Background(), "R1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := <-ch
	ev, err := queue.DecodeMarked(msg)
	require.NoError(t, err)
	assert.Equal(t, asha.ID, ev.StudentID)
	assert.Equal(t, "R1", ev.RollNo)
	assert.Equal(t, "2026-10-17", ev.Date)
	assert.Equal(t, model.MethodQR, ev.Method)
	assert.NotEmpty(t, ev.ID)
	assert.NotZero(t, ev.RecordID)
}

func TestToday(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	assert.Equal(t, "2026-10-17", f.svc.Today())
}
