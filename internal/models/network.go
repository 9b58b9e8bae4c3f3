package models

// RouteModel is a route with its geometry as an encoded polyline.
type RouteModel struct {
	ID         string   `json:"id"`
	InternalID int      `json:"internalId"`
	Name       string   `json:"name"`
	StopIDs    []string `json:"stopIds"`
	Ready      bool     `json:"ready"`
	Generation uint64   `json:"generation"`
	Polyline   string   `json:"polyline,omitempty"`
	Length     float64  `json:"length"`
}

type StopTime struct {
	StopID string `json:"stopId"`
	Time   string `json:"time"`
	Armed  bool   `json:"armed"`
	// Next is the next occurrence in Unix milliseconds, zero when the
	// timetable never runs.
	Next int64 `json:"next"`
}

type ServiceEntry struct {
	ID        string     `json:"id"`
	RouteID   string     `json:"routeId,omitempty"`
	StopTimes []StopTime `json:"stopTimes"`
}

type TimetableEntry struct {
	CompanyID string         `json:"companyId,omitempty"`
	Name      string         `json:"name"`
	Days      string         `json:"days"`
	Services  []ServiceEntry `json:"services"`
}
