package networkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bussim.transitsim.org/internal/directions"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/transit"
)

// BusRecord is a bus to create at startup.
type BusRecord struct {
	Registration string
	Kinematics   fleet.Kinematics
}

// AssignmentRecord makes a bus run a service on schedule.
type AssignmentRecord struct {
	Bus     string
	Service string
}

// Definition is everything needed to build a simulation.
type Definition struct {
	Network     *transit.Network
	Depot       *fleet.Depot
	Buses       []BusRecord
	Assignments []AssignmentRecord
}

// Save replaces the stored definition with def in one transaction.
func (c *Client) Save(ctx context.Context, def *Definition) error {
	start := time.Now()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, c.logger, "save_definition")

	for i := len(countedTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+countedTables[i]); err != nil {
			return fmt.Errorf("clear %s: %w", countedTables[i], err)
		}
	}

	n := def.Network
	if n == nil {
		n = transit.NewNetwork(c.logger)
	}
	if err := saveNetwork(ctx, tx, n); err != nil {
		return err
	}

	if d := def.Depot; d != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO depots (id, name, lat, lon) VALUES (?, ?, ?, ?)`,
			d.ID, d.Name, d.Location.Lat, d.Location.Lon); err != nil {
			return fmt.Errorf("insert depot %s: %w", d.ID, err)
		}
	}
	for _, b := range def.Buses {
		if _, err := tx.ExecContext(ctx, `INSERT INTO buses (registration, speed, turn_rate, arrival_threshold) VALUES (?, ?, ?, ?)`,
			b.Registration, b.Kinematics.Speed, b.Kinematics.TurnRate, b.Kinematics.ArrivalThreshold); err != nil {
			return fmt.Errorf("insert bus %s: %w", b.Registration, err)
		}
	}
	for _, a := range def.Assignments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignments (bus, service_id) VALUES (?, ?)`, a.Bus, a.Service); err != nil {
			return fmt.Errorf("insert assignment %s -> %s: %w", a.Bus, a.Service, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.LogOperation(c.logger, "network_definition_saved",
		slog.Int("stops", len(n.Stops())),
		slog.Int("routes", len(n.Routes())),
		slog.Int("services", len(n.Services())),
		slog.Int("buses", len(def.Buses)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func saveNetwork(ctx context.Context, tx *sql.Tx, n *transit.Network) error {
	for _, s := range n.Stops() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stops (id, internal_id, name, lat, lon, dwell_ms) VALUES (?, ?, ?, ?, ?, ?)`,
			s.ID, s.InternalID, s.Name, s.Location.Lat, s.Location.Lon, s.DwellTime.Milliseconds()); err != nil {
			return fmt.Errorf("insert stop %s: %w", s.ID, err)
		}
	}

	for _, r := range n.Routes() {
		var line sql.NullString
		if r.IsReady() {
			line = sql.NullString{String: directions.EncodePolyline(r.Waypoints()), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes (id, internal_id, name, polyline) VALUES (?, ?, ?, ?)`,
			r.ID, r.InternalID, r.Name, line); err != nil {
			return fmt.Errorf("insert route %s: %w", r.ID, err)
		}
		for seq, s := range r.Stops() {
			if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops (route_id, seq, stop_id) VALUES (?, ?, ?)`,
				r.ID, seq, s.ID); err != nil {
				return fmt.Errorf("insert route %s stop %s: %w", r.ID, s.ID, err)
			}
		}
	}

	for _, co := range n.Companies() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO companies (id, name) VALUES (?, ?)`, co.ID, co.Name); err != nil {
			return fmt.Errorf("insert company %s: %w", co.ID, err)
		}
	}

	for i, tt := range n.Timetables() {
		ttID := i + 1
		var company sql.NullString
		if co := tt.Company(); co != nil {
			company = sql.NullString{String: co.ID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO timetables (id, company_id, name, days) VALUES (?, ?, ?, ?)`,
			ttID, company, tt.Name, tt.Days.Bits()); err != nil {
			return fmt.Errorf("insert timetable %s: %w", tt.Name, err)
		}

		for _, svc := range tt.Services() {
			var route sql.NullString
			if r := svc.Route(); r != nil {
				route = sql.NullString{String: r.ID, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO services (id, timetable_id, route_id) VALUES (?, ?, ?)`,
				svc.ID, ttID, route); err != nil {
				return fmt.Errorf("insert service %s: %w", svc.ID, err)
			}
			for seq, ts := range svc.TimeSlots() {
				if _, err := tx.ExecContext(ctx, `INSERT INTO time_slots (service_id, seq, stop_id, hour, minute, day_offset) VALUES (?, ?, ?, ?, ?, ?)`,
					svc.ID, seq, ts.Stop().ID, ts.Hour(), ts.Minute(), ts.DayOffset()); err != nil {
					return fmt.Errorf("insert time slot %s/%d: %w", svc.ID, seq, err)
				}
			}
		}
	}
	return nil
}

// Load reads the stored definition. Routes saved with waypoints come back
// ready; the others need directions.
func (c *Client) Load(ctx context.Context) (*Definition, error) {
	n := transit.NewNetwork(c.logger)
	def := &Definition{Network: n}

	if err := c.loadStops(ctx, n); err != nil {
		return nil, err
	}
	if err := c.loadRoutes(ctx, n); err != nil {
		return nil, err
	}
	if err := c.loadTimetables(ctx, n); err != nil {
		return nil, err
	}
	if err := c.loadFleet(ctx, def); err != nil {
		return nil, err
	}

	logging.LogOperation(c.logger, "network_definition_loaded",
		slog.Int("stops", len(n.Stops())),
		slog.Int("routes", len(n.Routes())),
		slog.Int("services", len(n.Services())),
		slog.Int("buses", len(def.Buses)))
	return def, nil
}

func (c *Client) loadStops(ctx context.Context, n *transit.Network) error {
	rows, err := c.DB.QueryContext(ctx, `SELECT id, internal_id, name, lat, lon, dwell_ms FROM stops ORDER BY internal_id, id`)
	if err != nil {
		return fmt.Errorf("query stops: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")

	for rows.Next() {
		var (
			s     transit.BusStop
			dwell int64
		)
		if err := rows.Scan(&s.ID, &s.InternalID, &s.Name, &s.Location.Lat, &s.Location.Lon, &dwell); err != nil {
			return fmt.Errorf("scan stop: %w", err)
		}
		s.DwellTime = time.Duration(dwell) * time.Millisecond
		stop := s
		if err := n.AddStop(&stop); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (c *Client) loadRoutes(ctx context.Context, n *transit.Network) error {
	type routeRow struct {
		id, name   string
		internalID int
		line       sql.NullString
	}
	var routes []routeRow

	rows, err := c.DB.QueryContext(ctx, `SELECT id, internal_id, name, polyline FROM routes ORDER BY internal_id, id`)
	if err != nil {
		return fmt.Errorf("query routes: %w", err)
	}
	for rows.Next() {
		var r routeRow
		if err := rows.Scan(&r.id, &r.internalID, &r.name, &r.line); err != nil {
			logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
			return fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, r)
	}
	logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
	if err := rows.Err(); err != nil {
		return err
	}

	for _, rr := range routes {
		stopIDs, err := c.routeStops(ctx, rr.id)
		if err != nil {
			return err
		}
		stops := make([]*transit.BusStop, 0, len(stopIDs))
		for _, sid := range stopIDs {
			s, ok := n.Stop(sid)
			if !ok {
				return fmt.Errorf("route %q: %w: %s", rr.id, transit.ErrUnknownStop, sid)
			}
			stops = append(stops, s)
		}
		r, err := transit.NewRoute(rr.id, rr.name, stops)
		if err != nil {
			return err
		}
		r.InternalID = rr.internalID
		if err := n.AddRoute(r); err != nil {
			return err
		}
		if rr.line.Valid && rr.line.String != "" {
			wps, err := directions.DecodePolyline(rr.line.String)
			if err != nil {
				return fmt.Errorf("route %q: %w", rr.id, err)
			}
			if err := r.SetWaypoints(wps); err != nil {
				return fmt.Errorf("route %q: %w", rr.id, err)
			}
		}
	}
	return nil
}

func (c *Client) routeStops(ctx context.Context, routeID string) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT stop_id FROM route_stops WHERE route_id = ? ORDER BY seq`, routeID)
	if err != nil {
		return nil, fmt.Errorf("query stops of route %s: %w", routeID, err)
	}
	defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Client) loadTimetables(ctx context.Context, n *transit.Network) error {
	if err := c.loadCompanies(ctx, n); err != nil {
		return err
	}

	timetables := make(map[int]*transit.Timetable)
	rows, err := c.DB.QueryContext(ctx, `SELECT id, company_id, name, days FROM timetables ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query timetables: %w", err)
	}
	err = func() error {
		defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
		for rows.Next() {
			var (
				id         int
				company    sql.NullString
				name, bits string
			)
			if err := rows.Scan(&id, &company, &name, &bits); err != nil {
				return fmt.Errorf("scan timetable: %w", err)
			}
			days, err := transit.ParseDayMask(bits)
			if err != nil {
				return fmt.Errorf("timetable %q: %w", name, err)
			}
			tt := transit.NewTimetable(name, days, c.logger)
			if company.Valid {
				co, ok := n.Company(company.String)
				if !ok {
					return fmt.Errorf("timetable %q: unknown company %s", name, company.String)
				}
				if err := co.Adopt(tt); err != nil {
					return err
				}
			} else {
				n.AddTimetable(tt)
			}
			timetables[id] = tt
		}
		return rows.Err()
	}()
	if err != nil {
		return err
	}

	services := make(map[string]*transit.Service)
	rows, err = c.DB.QueryContext(ctx, `SELECT id, timetable_id, route_id FROM services ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("query services: %w", err)
	}
	err = func() error {
		defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
		for rows.Next() {
			var (
				id    string
				ttID  int
				route sql.NullString
			)
			if err := rows.Scan(&id, &ttID, &route); err != nil {
				return fmt.Errorf("scan service: %w", err)
			}
			tt, ok := timetables[ttID]
			if !ok {
				return fmt.Errorf("service %q: unknown timetable %d", id, ttID)
			}
			var r *transit.Route
			if route.Valid {
				if r, ok = n.Route(route.String); !ok {
					return fmt.Errorf("service %q: %w: %s", id, transit.ErrUnknownRoute, route.String)
				}
			}
			services[id] = tt.NewService(id, r)
		}
		return rows.Err()
	}()
	if err != nil {
		return err
	}

	rows, err = c.DB.QueryContext(ctx, `SELECT service_id, stop_id, hour, minute, day_offset FROM time_slots ORDER BY service_id, seq`)
	if err != nil {
		return fmt.Errorf("query time slots: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
	for rows.Next() {
		var (
			svcID, stopID           string
			hour, minute, dayOffset int
		)
		if err := rows.Scan(&svcID, &stopID, &hour, &minute, &dayOffset); err != nil {
			return fmt.Errorf("scan time slot: %w", err)
		}
		stop, ok := n.Stop(stopID)
		if !ok {
			return fmt.Errorf("service %q: %w: %s", svcID, transit.ErrUnknownStop, stopID)
		}
		svc, ok := services[svcID]
		if !ok {
			return fmt.Errorf("time slot of unknown service %s", svcID)
		}
		ts, err := svc.AddTimeSlot(stop, hour, minute)
		if err == nil {
			err = ts.SetDayOffset(dayOffset)
		}
		if err != nil {
			return fmt.Errorf("service %q: %w", svcID, err)
		}
	}
	return rows.Err()
}

func (c *Client) loadCompanies(ctx context.Context, n *transit.Network) error {
	rows, err := c.DB.QueryContext(ctx, `SELECT id, name FROM companies ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("query companies: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("scan company: %w", err)
		}
		if _, err := n.NewCompany(id, name); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (c *Client) loadFleet(ctx context.Context, def *Definition) error {
	var d fleet.Depot
	err := c.DB.QueryRowContext(ctx, `SELECT id, name, lat, lon FROM depots ORDER BY rowid LIMIT 1`).
		Scan(&d.ID, &d.Name, &d.Location.Lat, &d.Location.Lon)
	switch {
	case err == nil:
		def.Depot = &d
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("query depot: %w", err)
	}

	rows, err := c.DB.QueryContext(ctx, `SELECT registration, speed, turn_rate, arrival_threshold FROM buses ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("query buses: %w", err)
	}
	err = func() error {
		defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
		for rows.Next() {
			var b BusRecord
			if err := rows.Scan(&b.Registration, &b.Kinematics.Speed, &b.Kinematics.TurnRate, &b.Kinematics.ArrivalThreshold); err != nil {
				return fmt.Errorf("scan bus: %w", err)
			}
			def.Buses = append(def.Buses, b)
		}
		return rows.Err()
	}()
	if err != nil {
		return err
	}

	rows, err = c.DB.QueryContext(ctx, `SELECT bus, service_id FROM assignments ORDER BY bus`)
	if err != nil {
		return fmt.Errorf("query assignments: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")
	for rows.Next() {
		var a AssignmentRecord
		if err := rows.Scan(&a.Bus, &a.Service); err != nil {
			return fmt.Errorf("scan assignment: %w", err)
		}
		def.Assignments = append(def.Assignments, a)
	}
	return rows.Err()
}

// DepotOrDefault returns the stored depot, or one at the first stop when
// none is stored.
func (d *Definition) DepotOrDefault() *fleet.Depot {
	if d.Depot != nil {
		return d.Depot
	}
	depot := &fleet.Depot{ID: "depot", Name: "Depot"}
	if d.Network != nil {
		if stops := d.Network.Stops(); len(stops) > 0 {
			depot.Location = stops[0].Location
		}
	}
	return depot
}
