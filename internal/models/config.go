package models

// ConfigModel describes how the running simulation is configured.
type ConfigModel struct {
	Name         string  `json:"name"`
	Env          string  `json:"env"`
	ClockMode    string  `json:"clockMode"`
	TimeScale    float64 `json:"timeScale"`
	Timezone     string  `json:"timezone"`
	StartTime    int64   `json:"startTime"`
	StartSource  string  `json:"startSource"`
	TickInterval string  `json:"tickInterval"`
	Publishing   bool    `json:"publishing"`
	Syncing      bool    `json:"syncing"`
	Directions   string  `json:"directions"`
	Driving      bool    `json:"driving"`
}
