package attendance

import (
	"context"
	"math"
	"sort"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/model"
	"qrattend/internal/store"
)

// Filter narrows a student's history.
type Filter struct {
	From     *time.Time
	To       *time.Time
	Course   string
	ConfigID string
	Limit    int
	Offset   int
}

// Statistics aggregates records by status. AttendanceRate counts present and
// excused records as attended.
type Statistics struct {
	Total          int     `json:"total"`
	Present        int     `json:"present"`
	Late           int     `json:"late"`
	Excused        int     `json:"excused"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// CourseStatistics is Statistics for one course.
type CourseStatistics struct {
	Course string `json:"course"`
	Statistics
}

// History is a page of a student's records with aggregate statistics over
// every record matching the filter.
type History struct {
	Records    []model.Record     `json:"records"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
	Statistics Statistics         `json:"statistics"`
	Courses    []CourseStatistics `json:"course_stats"`
}

// History returns studentID's records, newest first, with statistics.
func (s *Service) History(ctx context.Context, studentID string, f Filter) (History, error) {
	if studentID == "" {
		return History{}, apperr.Authentication("student identity required")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return History{}, apperr.Validation("end date precedes start date")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = 20
	case f.Limit > store.MaxPageSize:
		f.Limit = store.MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	rf := model.RecordFilter{
		StudentID: studentID,
		From:      f.From,
		To:        f.To,
		Course:    f.Course,
		ConfigID:  f.ConfigID,
		Limit:     f.Limit,
		Offset:    f.Offset,
	}
	recs, total, err := s.store.ListRecords(ctx, rf)
	if err != nil {
		return History{}, apperr.Internal("history lookup failed", err)
	}
	counts, err := s.store.SummarizeRecords(ctx, rf)
	if err != nil {
		return History{}, apperr.Internal("history summary failed", err)
	}
	overall, courses := Summarize(counts)
	if recs == nil {
		recs = []model.Record{}
	}
	return History{
		Records:    recs,
		Total:      total,
		Limit:      f.Limit,
		Offset:     f.Offset,
		Statistics: overall,
		Courses:    courses,
	}, nil
}

// Summarize folds (course, status) counts into overall and per-course
// statistics. Courses are sorted by name.
func Summarize(counts []model.StatusCount) (Statistics, []CourseStatistics) {
	var overall Statistics
	byCourse := make(map[string]*Statistics)
	for _, c := range counts {
		cs, ok := byCourse[c.Course]
		if !ok {
			cs = &Statistics{}
			byCourse[c.Course] = cs
		}
		cs.add(c.Status, c.Count)
		overall.add(c.Status, c.Count)
	}
	overall.rate()

	courses := make([]CourseStatistics, 0, len(byCourse))
	for name, cs := range byCourse {
		cs.rate()
		courses = append(courses, CourseStatistics{Course: name, Statistics: *cs})
	}
	sort.Slice(courses, func(i, j int) bool { return courses[i].Course < courses[j].Course })
	return overall, courses
}

func (st *Statistics) add(status model.Status, n int) {
	st.Total += n
	switch status {
	case model.StatusPresent:
		st.Present += n
	case model.StatusLate:
		st.Late += n
	case model.StatusExcused:
		st.Excused += n
	}
}

func (st *Statistics) rate() {
	if st.Total == 0 {
		st.AttendanceRate = 0
		return
	}
	pct := float64(st.Present+st.Excused) / float64(st.Total) * 100
	st.AttendanceRate = math.Round(pct*100) / 100
}
