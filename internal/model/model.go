package model

import (
	"time"

	"smartattendance/internal/face"
)

// StatusPresent is the only status the attendance flows write.
const StatusPresent = "Present"

// Attendance methods.
const (
	MethodFace = "face"
	MethodQR   = "qr"
)

// DateLayout is the calendar date format stored on attendance records.
const DateLayout = "2006-01-02"

// Student represents a registered student.
type Student struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	RollNo    string        `json:"roll_no"`
	Encoding  face.Encoding `json:"-"`
	QRCode    []byte        `json:"-"`
	PhotoURL  string        `json:"photo_url,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// AttendanceRecord represents a single attendance log entry.
type AttendanceRecord struct {
	ID        int64     `json:"id"`
	StudentID int64     `json:"student_id"`
	Name      string    `json:"name,omitempty"`    // joined from students
	RollNo    string    `json:"roll_no,omitempty"` // joined from students
	Date      string    `json:"date"`
	Status    string    `json:"status"`
	Method    string    `json:"method"`
	CreatedAt time.Time `json:"created_at"`
}

// AttendanceFilter narrows attendance listings. Zero values mean "any".
type AttendanceFilter struct {
	Date      string
	StudentID int64
	Limit     int
	Offset    int
}

// DaySummary aggregates one calendar day of attendance.
type DaySummary struct {
	Date            string        `json:"date"`
	TotalStudents   int           `json:"total_students"`
	Present         int           `json:"present"`
	Absent          int           `json:"absent"`
	Marks           int           `json:"marks"`
	PresentStudents []RosterEntry `json:"present_students"`
	AbsentStudents  []RosterEntry `json:"absent_students"`
}

// RosterEntry identifies a student in a day's roster.
type RosterEntry struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	RollNo string `json:"roll_no"`
}

// AttendanceEvent is published after every inserted attendance record.
type AttendanceEvent struct {
	ID        string    `json:"id"`
	RecordID  int64     `json:"record_id"`
	StudentID int64     `json:"student_id"`
	Name      string    `json:"name"`
	RollNo    string    `json:"roll_no"`
	Date      string    `json:"date"`
	Method    string    `json:"method"`
	At        time.Time `json:"at"`
}

// LiveRollup is the per-day roll-up maintained from attendance events.
type LiveRollup struct {
	Date       string         `json:"date"`
	Present    int64          `json:"present"`
	StudentIDs []int64        `json:"student_ids"`
	ByMethod   map[string]int `json:"by_method"`
}
