package webui

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/sim"
)

//go:embed debug_index.html
var templateFS embed.FS

var debugTemplate = template.Must(template.ParseFS(templateFS, "debug_index.html"))

var dataTypes = []string{"state", "buses", "stops", "routes", "timeslots", "tasks", "assignments", "config"}

const snapshotTimeout = 2 * time.Second

type debugData struct {
	Title     string
	Pre       string
	DataTypes []string
}

type taskDump struct {
	Name   string
	FireAt time.Time
}

type assignmentDump struct {
	Bus       string
	Service   string
	NextStart time.Time
}

var dumper = spew.ConfigState{Indent: "  ", DisableMethods: true, SortKeys: true}

func writeDebugData(w http.ResponseWriter, title, content string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := debugTemplate.Execute(w, debugData{
		Title:     title,
		Pre:       content,
		DataTypes: dataTypes,
	})
	if err != nil {
		slog.Error("failed to execute debug template", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (webUI *WebUI) debugIndexHandler(w http.ResponseWriter, r *http.Request) {
	if webUI.Application == nil || webUI.Config.Env == appconf.Production {
		http.NotFound(w, r)
		return
	}
	dataType := r.URL.Query().Get("dataType")

	if dataType == "config" {
		writeDebugData(w, "Configuration", dumper.Sdump(webUI.Config))
		return
	}
	if webUI.Sim == nil {
		http.Error(w, "simulation not initialized", http.StatusServiceUnavailable)
		return
	}

	var title, content string
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	// Dumping follows pointers into live state, so it runs on the
	// simulation goroutine.
	err := webUI.Sim.Do(ctx, func() error {
		title, content = webUI.dump(dataType)
		return nil
	})
	if err != nil {
		http.Error(w, "simulation loop not responding", http.StatusServiceUnavailable)
		return
	}

	writeDebugData(w, title, content)
}

func (webUI *WebUI) dump(dataType string) (string, string) {
	s := webUI.Sim
	switch dataType {
	case "state":
		st := s.State()
		return "Simulation - State", dumper.Sdump(struct {
			Now     time.Time
			Driving bool
			Steps   uint64
			Pending int
			Counts  map[string]int
		}{st.Now, st.Driving, st.Steps, st.Pending, s.Fleet().Counts()})
	case "buses":
		out := make([]sim.BusSnapshot, 0)
		for _, b := range s.Fleet().All() {
			out = append(out, sim.SnapshotBus(b))
		}
		return "Fleet - Buses", dumper.Sdump(out)
	case "stops":
		out := make([]sim.StopSnapshot, 0)
		for _, stop := range s.Network().Stops() {
			out = append(out, sim.SnapshotStop(stop))
		}
		return "Network - Stops", dumper.Sdump(out)
	case "routes":
		out := make([]sim.RouteSnapshot, 0)
		for _, route := range s.Network().Routes() {
			out = append(out, sim.SnapshotRoute(route))
		}
		return "Network - Routes", dumper.Sdump(out)
	case "timeslots":
		now := s.Clock().Now()
		out := make([]sim.TimeSlotSnapshot, 0)
		for _, ts := range s.Network().TimeSlots() {
			out = append(out, sim.SnapshotTimeSlot(ts, now))
		}
		return "Network - Time Slots", dumper.Sdump(out)
	case "tasks":
		out := make([]taskDump, 0)
		for _, t := range s.Scheduler().Tasks() {
			out = append(out, taskDump{Name: t.Name(), FireAt: t.FireAt()})
		}
		return "Scheduler - Pending Tasks", dumper.Sdump(out)
	case "assignments":
		return "Dispatcher - Assignments", dumper.Sdump(assignmentDumps(s.Dispatcher().Assignments()))
	}
	return "Choose a data type", dumper.Sdump(map[string]interface{}{
		"error":      "unknown or missing dataType",
		"data_types": dataTypes,
	})
}

func assignmentDumps(assignments []*fleet.Assignment) []assignmentDump {
	out := make([]assignmentDump, 0, len(assignments))
	for _, a := range assignments {
		d := assignmentDump{Bus: a.Bus.Registration, Service: a.Service.ID}
		if first := a.Service.FirstTimeSlot(); first != nil && first.IsArmed() {
			d.NextStart = first.Occurrence()
		}
		out = append(out, d)
	}
	return out
}
