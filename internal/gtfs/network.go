package gtfs

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/transit"
)

const defaultAgencyID = "agency"

// Report summarizes an import.
type Report struct {
	Companies     int
	Stops         int
	Routes        int
	ShapedRoutes  int
	Services      int
	TimeSlots     int
	SkippedStops  int
	SkippedRoutes int
	SkippedTrips  int
	SkippedSlots  int
	Bounds        *RegionBounds

	// EmptyTimetables counts calendar services with no running weekday.
	// Their time slots never fire.
	EmptyTimetables int
}

// BuildNetwork turns a parsed feed into a network. Agencies become
// companies and calendar services become timetables. Each distinct stop
// pattern of a GTFS route becomes one route, and each trip becomes a
// service with a time slot per stop time on its pattern's route.
func BuildNetwork(static *gtfs.Static, opts BuildOptions, logger *slog.Logger) (*transit.Network, Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "gtfs_importer"))
	n := transit.NewNetwork(logger)
	var rep Report

	singleAgencyID := ""
	if len(static.Agencies) == 1 {
		singleAgencyID = static.Agencies[0].Id
	}
	for _, a := range static.Agencies {
		if _, err := n.NewCompany(pickFirstAvailable(a.Id, defaultAgencyID), a.Name); err != nil {
			return nil, rep, fmt.Errorf("agency %q: %w", a.Id, err)
		}
	}
	if len(static.Agencies) == 0 {
		if _, err := n.NewCompany(defaultAgencyID, "Default agency"); err != nil {
			return nil, rep, err
		}
	}

	for _, s := range static.Stops {
		// Generic nodes and boarding areas may have no coordinates.
		if s.Latitude == nil || s.Longitude == nil {
			rep.SkippedStops++
			continue
		}
		stop := transit.NewBusStop(s.Id, s.Name, geo.Coordinate{Lat: *s.Latitude, Lon: *s.Longitude})
		stop.DwellTime = opts.dwell()
		if err := n.AddStop(stop); err != nil {
			rep.SkippedStops++
		}
	}

	tripsByRoute := make(map[string][]*gtfs.ScheduledTrip)
	for i := range static.Trips {
		t := &static.Trips[i]
		if t.Route == nil {
			rep.SkippedTrips++
			continue
		}
		tripsByRoute[t.Route.Id] = append(tripsByRoute[t.Route.Id], t)
	}

	timetables := make(map[string]*transit.Timetable)
	timetableFor := func(companyID string, svc *gtfs.Service) (*transit.Timetable, error) {
		key := companyID + "\x00" + svc.Id
		if tt, ok := timetables[key]; ok {
			return tt, nil
		}
		co, ok := n.Company(companyID)
		if !ok {
			co, _ = n.Company(pickFirstAvailable(singleAgencyID, defaultAgencyID))
		}
		if co == nil {
			return nil, fmt.Errorf("no company for timetable %q", svc.Id)
		}
		days := dayMask(svc)
		tt, err := co.NewTimetable(svc.Id, days)
		if err != nil {
			return nil, err
		}
		if days.IsEmpty() {
			rep.EmptyTimetables++
			logger.Warn("calendar service has no running days", slog.String("service", svc.Id))
		}
		timetables[key] = tt
		return tt, nil
	}

	for _, gr := range static.Routes {
		if !opts.wantsRoute(gr.Id) {
			continue
		}
		trips := tripsByRoute[gr.Id]
		sort.SliceStable(trips, func(i, j int) bool { return firstDeparture(trips[i]) < firstDeparture(trips[j]) })
		if limit := opts.MaxTripsPerRoute; limit > 0 && len(trips) > limit {
			rep.SkippedTrips += len(trips) - limit
			trips = trips[:limit]
		}

		patterns, unmatched := stopPatterns(n, trips)
		if len(patterns) == 0 {
			rep.SkippedRoutes++
			continue
		}
		rep.SkippedTrips += unmatched

		companyID := defaultAgencyID
		if gr.Agency != nil {
			companyID = pickFirstAvailable(gr.Agency.Id, singleAgencyID, defaultAgencyID)
		} else if singleAgencyID != "" {
			companyID = singleAgencyID
		}

		for i, p := range patterns {
			id, name := gr.Id, routeName(gr)
			if i > 0 {
				id = fmt.Sprintf("%s:%d", gr.Id, i+1)
			}
			if len(patterns) > 1 && p.trip.Headsign != "" {
				name += " to " + p.trip.Headsign
			}
			route, err := transit.NewRoute(id, name, p.stops)
			if err != nil {
				logger.Warn("skipping route", slog.String("route", id), slog.Any("error", err))
				rep.SkippedRoutes++
				continue
			}
			if err := n.AddRoute(route); err != nil {
				rep.SkippedRoutes++
				continue
			}
			if wps := shapeWaypoints(p.trip.Shape); len(wps) >= 2 {
				if err := route.SetWaypoints(wps); err == nil {
					rep.ShapedRoutes++
				}
			}
			rep.Routes++

			for _, trip := range p.trips {
				if trip.Service == nil {
					rep.SkippedTrips++
					continue
				}
				tt, err := timetableFor(companyID, trip.Service)
				if err != nil {
					return nil, rep, err
				}
				addService(tt, trip, route, n, &rep)
			}
		}
	}

	rep.Companies = len(n.Companies())
	rep.Stops = len(n.Stops())
	rep.Bounds = ComputeRegionBounds(static.Shapes, static.Stops)

	logging.LogOperation(logger, "gtfs_network_built",
		slog.Int("companies", rep.Companies),
		slog.Int("stops", rep.Stops),
		slog.Int("routes", rep.Routes),
		slog.Int("services", rep.Services),
		slog.Int("time_slots", rep.TimeSlots),
		slog.Int("skipped_trips", rep.SkippedTrips),
		slog.Int("empty_timetables", rep.EmptyTimetables))
	return n, rep, nil
}

// addService creates the service for trip on route with one slot per stop
// time the route calls at.
func addService(tt *transit.Timetable, trip *gtfs.ScheduledTrip, route *transit.Route, n *transit.Network, rep *Report) {
	svc := tt.NewService(trip.ID, route)
	rep.Services++
	for _, st := range trip.StopTimes {
		if st.Stop == nil {
			rep.SkippedSlots++
			continue
		}
		stop, ok := n.Stop(st.Stop.Id)
		if !ok || !route.HasStop(stop) {
			rep.SkippedSlots++
			continue
		}
		h, m, days := clockTime(st.DepartureTime)
		ts, err := svc.AddTimeSlot(stop, h, m)
		if err == nil {
			err = ts.SetDayOffset(days)
		}
		if err != nil {
			rep.SkippedSlots++
			continue
		}
		rep.TimeSlots++
	}
}

// dayMask reads the weekday flags of calendar.txt. Services defined only
// through calendar_dates.txt run on the weekdays of their added dates.
func dayMask(s *gtfs.Service) transit.DayMask {
	if m := weekdayMask(s); !m.IsEmpty() {
		return m
	}
	var days []time.Weekday
	for _, d := range s.AddedDates {
		days = append(days, d.Weekday())
	}
	return transit.Days(days...)
}

func weekdayMask(s *gtfs.Service) transit.DayMask {
	var days []time.Weekday
	for d, on := range map[time.Weekday]bool{
		time.Monday:    s.Monday,
		time.Tuesday:   s.Tuesday,
		time.Wednesday: s.Wednesday,
		time.Thursday:  s.Thursday,
		time.Friday:    s.Friday,
		time.Saturday:  s.Saturday,
		time.Sunday:    s.Sunday,
	} {
		if on {
			days = append(days, d)
		}
	}
	return transit.Days(days...)
}

// stopPattern is a sequence of stops shared by one or more trips. trip is
// the trip that defined it.
type stopPattern struct {
	stops []*transit.BusStop
	trip  *gtfs.ScheduledTrip
	trips []*gtfs.ScheduledTrip
}

// stopPatterns groups trips by the stops they call at. Longer trips are
// taken first. A trip whose stops appear in order within a pattern of the
// same direction joins it; any other trip with two or more stops starts a
// new pattern. Trips keep their input order within a pattern. unmatched
// counts trips that fit no pattern.
func stopPatterns(n *transit.Network, trips []*gtfs.ScheduledTrip) (patterns []*stopPattern, unmatched int) {
	byLength := append([]*gtfs.ScheduledTrip(nil), trips...)
	sort.SliceStable(byLength, func(i, j int) bool { return len(byLength[i].StopTimes) > len(byLength[j].StopTimes) })

	owner := make(map[*gtfs.ScheduledTrip]*stopPattern, len(trips))
	for _, t := range byLength {
		stops := tripStops(n, t)
		for _, p := range patterns {
			if p.trip.DirectionId == t.DirectionId && isSubsequence(stops, p.stops) {
				owner[t] = p
				break
			}
		}
		if owner[t] == nil && len(stops) >= 2 {
			p := &stopPattern{stops: stops, trip: t}
			patterns = append(patterns, p)
			owner[t] = p
		}
	}

	for _, t := range trips {
		if p := owner[t]; p != nil {
			p.trips = append(p.trips, t)
		} else {
			unmatched++
		}
	}
	return patterns, unmatched
}

// isSubsequence reports whether sub appears in order within seq.
func isSubsequence(sub, seq []*transit.BusStop) bool {
	j := 0
	for _, s := range seq {
		if j < len(sub) && sub[j] == s {
			j++
		}
	}
	return j == len(sub)
}

// tripStops returns the trip's stops known to n, dropping consecutive
// repeats.
func tripStops(n *transit.Network, trip *gtfs.ScheduledTrip) []*transit.BusStop {
	var out []*transit.BusStop
	for _, st := range trip.StopTimes {
		if st.Stop == nil {
			continue
		}
		stop, ok := n.Stop(st.Stop.Id)
		if !ok {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == stop {
			continue
		}
		out = append(out, stop)
	}
	return out
}

func firstDeparture(t *gtfs.ScheduledTrip) time.Duration {
	if len(t.StopTimes) == 0 {
		return 0
	}
	return t.StopTimes[0].DepartureTime
}

// clockTime maps a GTFS time, which may run past 24:00, to a time of day
// and the number of days after the service day it falls on.
func clockTime(d time.Duration) (hour, minute, days int) {
	mins := int(d / time.Minute)
	return (mins / 60) % 24, mins % 60, mins / (24 * 60)
}

func routeName(r gtfs.Route) string {
	switch {
	case r.ShortName != "" && r.LongName != "":
		return r.ShortName + " " + r.LongName
	case r.ShortName != "":
		return r.ShortName
	default:
		return r.LongName
	}
}

func pickFirstAvailable(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
