package domain

import "time"

// ElapsedSeconds is the whole seconds between start and now, clamped at
// zero when clocks skew.
func ElapsedSeconds(start, now time.Time) int64 {
	d := now.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// IsOvertime reports whether the elapsed whole minutes exceed the agreed window.
func IsOvertime(elapsedSeconds int64, expectedMinutes int) bool {
	return elapsedSeconds/60 > int64(expectedMinutes)
}

// OvertimeMinutes is the whole minutes worked past the agreed window.
func OvertimeMinutes(elapsedSeconds int64, expectedMinutes int) int64 {
	return max(0, elapsedSeconds/60-int64(expectedMinutes))
}

// TimerReading is what customer and provider screens render for a job.
type TimerReading struct {
	BookingID       string        `json:"booking_id"`
	Status          BookingStatus `json:"status"`
	Running         bool          `json:"running"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	ElapsedSeconds  int64         `json:"elapsed_seconds"`
	ExpectedMinutes int           `json:"expected_minutes"`
	Overtime        bool          `json:"overtime"`
	OvertimeMinutes int64         `json:"overtime_minutes"`
	ReadAt          time.Time     `json:"read_at"`
}

// ReadTimer derives the timer from the recorded session only. A finished
// session reads up to its end time; one that never started reads zero.
func ReadTimer(b *Booking, now time.Time) TimerReading {
	r := TimerReading{
		BookingID:       b.ID,
		Status:          b.Status,
		ExpectedMinutes: b.ExpectedDurationMinutes,
		ReadAt:          now,
	}
	if !b.Session.Started() {
		return r
	}
	until := now
	if b.Session.EndTime != nil {
		until = *b.Session.EndTime
	} else {
		r.Running = b.Status == StatusInProgress
	}
	r.StartTime = b.Session.StartTime
	r.ElapsedSeconds = ElapsedSeconds(*b.Session.StartTime, until)
	r.Overtime = IsOvertime(r.ElapsedSeconds, b.ExpectedDurationMinutes)
	r.OvertimeMinutes = OvertimeMinutes(r.ElapsedSeconds, b.ExpectedDurationMinutes)
	return r
}
