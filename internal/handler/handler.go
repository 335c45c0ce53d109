// Package handler exposes the attendance service over HTTP.
package handler

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"smartattendance/internal/attendance"
	"smartattendance/internal/model"
	"smartattendance/internal/report"
)

// Service is the write side. *attendance.Service satisfies it.
type Service interface {
	Register(ctx context.Context, in attendance.RegisterInput) (*model.Student, error)
	MarkByFace(ctx context.Context, photo []byte) ([]string, error)
	MarkByQR(ctx context.Context, rollNo string) (attendance.MarkResult, error)
	Today() string
}

// Directory is the read side. *store.Store satisfies it.
type Directory interface {
	ListStudents(ctx context.Context) ([]model.Student, error)
	GetStudent(ctx context.Context, id int64) (*model.Student, error)
	StudentQRCode(ctx context.Context, id int64) ([]byte, error)
	ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error)
	Summary(ctx context.Context, date string) (model.DaySummary, error)
}

// LiveReader serves the redis roll-up. *rollup.Rollup satisfies it.
type LiveReader interface {
	Live(ctx context.Context, date string) (model.LiveRollup, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configure optional handler features.
type Options struct {
	MaxUploadBytes int64
	// Live is nil when redis is not available.
	Live   LiveReader
	Checks map[string]HealthCheck
}

// Handler serves the attendance API.
type Handler struct {
	svc  Service
	dir  Directory
	log  *zap.Logger
	opts Options
}

const exportLimit = 100000

// New creates a handler. log may be nil.
func New(svc Service, dir Directory, log *zap.Logger, opts Options) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{svc: svc, dir: dir, log: log, opts: opts}
}

// Mount registers every route on r, including the legacy form paths.
func (h *Handler) Mount(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	r.POST("/register_student/", h.RegisterStudent)
	r.POST("/attendance/face/", h.FaceAttendance)
	r.POST("/attendance/qr/", h.QRAttendance)

	api := r.Group("/api")
	{
		api.POST("/students", h.RegisterStudent)
		api.GET("/students", h.ListStudents)
		api.GET("/students/:id", h.GetStudent)
		api.GET("/students/:id/qr", h.StudentQR)

		api.POST("/attendance/face", h.FaceAttendance)
		api.POST("/attendance/qr", h.QRAttendance)
		api.GET("/attendance", h.ListAttendance)
		api.GET("/attendance/summary", h.Summary)
		api.GET("/attendance/export", h.Export)
		api.GET("/attendance/live", h.Live)
	}
}

// ---------- Health ----------

// Healthz runs every configured dependency check.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(gin.H, len(h.opts.Checks))
	for name, check := range h.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

// ---------- Registration & marking ----------

type registerForm struct {
	Name   string `form:"name" binding:"required"`
	RollNo string `form:"roll_no" binding:"required,rollno"`
}

// RegisterStudent expects multipart name, roll_no and a photo in "file"
// (or "photo").
func (h *Handler) RegisterStudent(c *gin.Context) {
	h.limitBody(c)
	var form registerForm
	if err := c.ShouldBind(&form); err != nil {
		h.bindFail(c, err)
		return
	}
	photo, filename, err := readUpload(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	st, err := h.svc.Register(c.Request.Context(), attendance.RegisterInput{
		Name:     form.Name,
		RollNo:   form.RollNo,
		Photo:    photo,
		Filename: filename,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Student " + st.Name + " registered successfully"})
}

// FaceAttendance marks every registered student recognised in the photo.
func (h *Handler) FaceAttendance(c *gin.Context) {
	h.limitBody(c)
	photo, _, err := readUpload(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	names, err := h.svc.MarkByFace(c.Request.Context(), photo)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"present_students": names})
}

type qrForm struct {
	RollNo string `form:"roll_no" json:"roll_no" binding:"required,rollno"`
}

// QRAttendance marks the student whose roll number was scanned.
func (h *Handler) QRAttendance(c *gin.Context) {
	var form qrForm
	if err := c.ShouldBind(&form); err != nil {
		h.bindFail(c, err)
		return
	}
	res, err := h.svc.MarkByQR(c.Request.Context(), form.RollNo)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !res.Inserted {
		c.JSON(http.StatusOK, gin.H{"message": "Attendance already marked for " + form.RollNo})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Attendance marked for " + form.RollNo})
}

// ---------- Read endpoints ----------

// ListStudents returns every student without encodings or QR bytes.
func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.dir.ListStudents(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if students == nil {
		students = []model.Student{}
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

// GetStudent returns one student by id.
func (h *Handler) GetStudent(c *gin.Context) {
	id, ok := studentID(c)
	if !ok {
		return
	}
	st, err := h.dir.GetStudent(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if st == nil {
		h.fail(c, attendance.ErrStudentNotFound)
		return
	}
	c.JSON(http.StatusOK, st)
}

// StudentQR serves the stored QR code PNG.
func (h *Handler) StudentQR(c *gin.Context) {
	id, ok := studentID(c)
	if !ok {
		return
	}
	png, err := h.dir.StudentQRCode(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if png == nil {
		h.fail(c, attendance.ErrStudentNotFound)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

type attendanceQuery struct {
	Date      string `form:"date" binding:"omitempty,datetime=2006-01-02"`
	StudentID int64  `form:"student_id" binding:"omitempty,min=1"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
}

// ListAttendance pages through records, newest first.
func (h *Handler) ListAttendance(c *gin.Context) {
	var q attendanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindFail(c, err)
		return
	}
	records, err := h.dir.ListAttendance(c.Request.Context(), model.AttendanceFilter{
		Date:      q.Date,
		StudentID: q.StudentID,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type dateQuery struct {
	Date string `form:"date" binding:"omitempty,datetime=2006-01-02"`
}

// date binds ?date= and falls back to today.
func (h *Handler) date(c *gin.Context) (string, bool) {
	var q dateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindFail(c, err)
		return "", false
	}
	if q.Date == "" {
		q.Date = h.svc.Today()
	}
	return q.Date, true
}

// Summary reports the day's totals with present and absent rosters.
func (h *Handler) Summary(c *gin.Context) {
	date, ok := h.date(c)
	if !ok {
		return
	}
	sum, err := h.dir.Summary(c.Request.Context(), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Export streams the day's attendance as an xlsx workbook.
func (h *Handler) Export(c *gin.Context) {
	date, ok := h.date(c)
	if !ok {
		return
	}
	records, err := h.dir.ListAttendance(c.Request.Context(), model.AttendanceFilter{Date: date, Limit: exportLimit})
	if err != nil {
		h.fail(c, err)
		return
	}
	// oldest first reads better in a sheet
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	f, err := report.AttendanceWorkbook(date, records)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	buf, err := f.WriteToBuffer()
	if err != nil {
		h.fail(c, errors.Wrap(err, "write workbook"))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+report.Filename(date)+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// Live returns today's roll-up built by the event consumer.
func (h *Handler) Live(c *gin.Context) {
	if h.opts.Live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live roll-up unavailable"})
		return
	}
	date, ok := h.date(c)
	if !ok {
		return
	}
	live, err := h.opts.Live.Live(c.Request.Context(), date)
	if err != nil {
		h.log.Warn("live roll-up read failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live roll-up unavailable"})
		return
	}
	c.JSON(http.StatusOK, live)
}

// ---------- helpers ----------

var (
	errMissingPhoto = errors.New("photo file is required")
	errTooLarge     = errors.New("upload too large")
)

func (h *Handler) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
}

// readUpload reads the image from the "file" field, falling back to "photo".
func readUpload(c *gin.Context) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		fh, err = c.FormFile("photo")
	}
	if err != nil {
		if isTooLarge(err) {
			return nil, "", errTooLarge
		}
		return nil, "", errMissingPhoto
	}
	data, err := readFileHeader(fh)
	if err != nil {
		return nil, "", errors.Wrap(err, "read upload")
	}
	if len(data) == 0 {
		return nil, "", errMissingPhoto
	}
	return data, fh.Filename, nil
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "request body too large")
}

func studentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student id"})
		return 0, false
	}
	return id, true
}

// fail maps err to a status and body. Unknown errors are logged and hidden.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrNoFaceDetected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No face detected"})
	case errors.Is(err, attendance.ErrMultipleFaces):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Multiple faces detected"})
	case errors.Is(err, attendance.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Student not found"})
	case errors.Is(err, errTooLarge) || isTooLarge(err):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
	case errors.Is(err, errMissingPhoto):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrFaceService):
		_ = c.Error(err)
		h.log.Error("face service error", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Face service unavailable"})
	default:
		_ = c.Error(err)
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// bindFail answers a request whose form or query did not bind.
func (h *Handler) bindFail(c *gin.Context, err error) {
	if isTooLarge(err) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": bindMessage(err)})
}
