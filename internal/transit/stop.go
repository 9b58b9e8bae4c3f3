package transit

import (
	"fmt"
	"time"

	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/scheduler"
)

// DefaultDwellTime is how long a bus waits at a stop when the stop sets none.
const DefaultDwellTime = 20 * time.Second

// BusStop is a named location buses call at.
type BusStop struct {
	ID         string
	InternalID int
	Name       string
	Location   geo.Coordinate
	// DwellTime is the boarding time before a waiting bus is released.
	DwellTime time.Duration

	visits    int
	lastVisit time.Time
	lastBus   string
}

// NewBusStop returns a stop with the default dwell time.
func NewBusStop(id, name string, loc geo.Coordinate) *BusStop {
	return &BusStop{
		ID:        id,
		Name:      name,
		Location:  loc,
		DwellTime: DefaultDwellTime,
	}
}

func (s *BusStop) String() string {
	if s == nil {
		return "<nil stop>"
	}
	if s.Name == "" {
		return s.ID
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.ID)
}

// Serve records bus reg calling at the stop at now. A non-nil release is
// scheduled after the dwell time; it is how the stop ends a bus's wait.
func (s *BusStop) Serve(sched *scheduler.Scheduler, now time.Time, reg string, release func()) scheduler.Handle {
	s.visits++
	s.lastVisit = now
	s.lastBus = reg

	if release == nil || sched == nil {
		return scheduler.Handle{}
	}
	dwell := s.DwellTime
	if dwell < 0 {
		dwell = 0
	}
	return sched.Schedule(now.Add(dwell), "release "+reg+" at "+s.ID, func() error {
		release()
		return nil
	})
}

// Visits returns how many times a bus has been served here.
func (s *BusStop) Visits() int { return s.visits }

// LastVisit returns the time and bus of the most recent call.
func (s *BusStop) LastVisit() (time.Time, string) { return s.lastVisit, s.lastBus }
