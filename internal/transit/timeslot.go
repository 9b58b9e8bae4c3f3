package transit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/scheduler"
)

// ErrNoRunningDays is returned when an occurrence is requested from an empty
// day mask. Only the affected time slot stops being scheduled.
var ErrNoRunningDays = errors.New("timetable has no running days")

// maxOccurrenceDays bounds the search: today plus a full week always covers
// every weekday at least once.
const maxOccurrenceDays = 8

// NextOccurrence returns the earliest instant at or after now whose weekday
// is in days and whose wall time is hour:minute in now's location.
func NextOccurrence(days DayMask, hour, minute int, now time.Time) (time.Time, error) {
	if days.IsEmpty() {
		return time.Time{}, ErrNoRunningDays
	}
	if err := validateTime(hour, minute); err != nil {
		return time.Time{}, err
	}

	y, m, d := now.Date()
	for i := 0; i < maxOccurrenceDays; i++ {
		// time.Date normalises the day overflow across month ends.
		candidate := time.Date(y, m, d+i, hour, minute, 0, 0, now.Location())
		if candidate.Before(now) || !days.Has(candidate.Weekday()) {
			continue
		}
		return candidate, nil
	}
	return time.Time{}, fmt.Errorf("no occurrence of %02d:%02d on %s within %d days", hour, minute, days, maxOccurrenceDays)
}

// ArrivalFunc observes a time slot occurrence firing.
type ArrivalFunc func(ts *TimeSlot, at time.Time)

// TimeSlot is a scheduled call at a stop at a time of day within a service.
type TimeSlot struct {
	service *Service
	stop    *BusStop
	hour    int
	minute  int
	// dayOffset moves the slot that many days after its service's running
	// days, for calls after midnight on a service that started the day before.
	dayOffset int

	handle     scheduler.Handle
	occurrence time.Time
	firing     bool
	disarmed   bool
	observers  []arrivalObserver
	nextObs    int
	logger     *slog.Logger
}

type arrivalObserver struct {
	id int
	fn ArrivalFunc
}

// Service returns the owning service.
func (ts *TimeSlot) Service() *Service { return ts.service }

// Stop returns the stop the slot calls at.
func (ts *TimeSlot) Stop() *BusStop { return ts.stop }

// Hour returns the scheduled hour.
func (ts *TimeSlot) Hour() int { return ts.hour }

// Minute returns the scheduled minute.
func (ts *TimeSlot) Minute() int { return ts.minute }

// DayOffset returns how many days after the service's running day the slot
// falls.
func (ts *TimeSlot) DayOffset() int { return ts.dayOffset }

// SetDayOffset sets the day offset, 0 to 6.
func (ts *TimeSlot) SetDayOffset(days int) error {
	if days < 0 || days > 6 {
		return fmt.Errorf("day offset %d: %w", days, ErrInvalidTime)
	}
	ts.dayOffset = days
	return nil
}

// Days returns the weekdays the slot occurs on: the service's running days
// shifted by the day offset.
func (ts *TimeSlot) Days() DayMask {
	return ts.service.Days().Shift(ts.dayOffset)
}

// Clock formats the slot time as HH:MM.
func (ts *TimeSlot) Clock() string { return fmt.Sprintf("%02d:%02d", ts.hour, ts.minute) }

// SetTime changes the time of day. Out of range values are logged and
// rejected, leaving the previous time in place. A slot that is armed keeps
// its registered occurrence until it is re-armed.
func (ts *TimeSlot) SetTime(hour, minute int) error {
	if err := validateTime(hour, minute); err != nil {
		ts.logger.Warn("rejected time slot time",
			slog.Int("hour", hour),
			slog.Int("minute", minute),
			slog.String("kept", ts.Clock()))
		return err
	}
	ts.hour = hour
	ts.minute = minute
	return nil
}

// Occurrence returns the registered occurrence, or the zero time when the
// slot is not armed.
func (ts *TimeSlot) Occurrence() time.Time {
	if ts.handle.IsZero() {
		return time.Time{}
	}
	return ts.occurrence
}

// IsArmed reports whether an occurrence is registered with a scheduler.
func (ts *TimeSlot) IsArmed() bool { return !ts.handle.IsZero() }

// OnArrival registers fn to run each time an occurrence fires. The returned
// func removes it.
func (ts *TimeSlot) OnArrival(fn ArrivalFunc) (unsubscribe func()) {
	ts.nextObs++
	id := ts.nextObs
	ts.observers = append(ts.observers, arrivalObserver{id: id, fn: fn})
	return func() {
		for i, o := range ts.observers {
			if o.id == id {
				ts.observers = append(ts.observers[:i:i], ts.observers[i+1:]...)
				return
			}
		}
	}
}

// Arm registers the next occurrence at or after the clock's now with sched.
// After it fires the slot re-arms itself for the following occurrence. Any
// previously registered occurrence is cancelled first.
func (ts *TimeSlot) Arm(sched *scheduler.Scheduler, clk clock.Clock) (time.Time, error) {
	ts.Disarm(sched)
	return ts.armFrom(sched, clk.Now())
}

// Disarm cancels the registered occurrence. It reports whether one was pending.
func (ts *TimeSlot) Disarm(sched *scheduler.Scheduler) bool {
	if ts.firing {
		ts.disarmed = true
	}
	if ts.handle.IsZero() {
		return false
	}
	ok := sched.Cancel(ts.handle)
	ts.handle = scheduler.Handle{}
	return ok
}

func (ts *TimeSlot) armFrom(sched *scheduler.Scheduler, from time.Time) (time.Time, error) {
	at, err := NextOccurrence(ts.Days(), ts.hour, ts.minute, from)
	if err != nil {
		logging.LogError(ts.logger, "cannot schedule time slot", err,
			slog.String("time", ts.Clock()))
		return time.Time{}, err
	}

	ts.occurrence = at
	ts.handle = sched.Schedule(at, "timeslot "+ts.service.ID+" "+ts.stop.ID+" "+ts.Clock(), func() error {
		return ts.fire(sched, at)
	})
	return at, nil
}

func (ts *TimeSlot) fire(sched *scheduler.Scheduler, at time.Time) error {
	ts.handle = scheduler.Handle{}
	ts.firing = true
	ts.disarmed = false
	defer func() { ts.firing = false }()
	ts.logger.Debug("timeslot_arrival", slog.Time("at", at))

	for _, o := range append([]arrivalObserver(nil), ts.observers...) {
		o.fn(ts, at)
	}

	// Observers may have re-armed or disarmed the slot themselves.
	if !ts.handle.IsZero() || ts.disarmed {
		return nil
	}
	_, err := ts.armFrom(sched, at.Add(time.Second))
	return err
}
