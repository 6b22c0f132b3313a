package gateway

import "time"

// Message is any gateway message. Type is the snake_case wire tag.
type Message interface {
	Type() string
}

// Incoming is a request addressed to the orchestrator.
type Incoming interface {
	Message
	incoming()
}

// Outgoing is a report or notification broadcast to every subscriber.
type Outgoing interface {
	Message
	outgoing()
}

// Coord is a grid position carried by several messages.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ─── Incoming ──────────────────────────────────────────────────────────────

type (
	GetReport         struct{}
	GetListPositions  struct{}
	GetAutoWater      struct{}
	GetAutoCheck      struct{}
	GetMovingState    struct{}
	GetWateringState  struct{}
	GetCapturingState struct{}
	GetStages         struct{}
	Shutdown          struct{}

	SetAutoWater struct {
		Value bool `json:"value"`
	}
	SetAutoCheck struct {
		Value bool `json:"value"`
	}

	Water          Coord
	Check          Coord
	Goto           Coord
	AddPosition    Coord
	RemovePosition Coord
	GetLastCheck   Coord
	GetLastWater   Coord

	// SetStage creates or replaces a stage config. Periods are seconds.
	SetStage struct {
		Stage         string  `json:"stage"`
		FirstStage    bool    `json:"first_stage"`
		CheckPeriod   float64 `json:"check_period"`
		WaterPeriod   float64 `json:"water_period"`
		WaterDuration float64 `json:"water_duration"`
	}

	// Recheck runs detection again on a stored check image.
	Recheck struct {
		CheckID int64 `json:"check_id"`
	}
)

func (GetReport) Type() string         { return "get_report" }
func (GetListPositions) Type() string  { return "get_list_positions" }
func (GetAutoWater) Type() string      { return "get_auto_water" }
func (GetAutoCheck) Type() string      { return "get_auto_check" }
func (GetMovingState) Type() string    { return "get_moving_state" }
func (GetWateringState) Type() string  { return "get_watering_state" }
func (GetCapturingState) Type() string { return "get_capturing_state" }
func (GetStages) Type() string         { return "get_stages" }
func (Shutdown) Type() string          { return "shutdown" }
func (SetAutoWater) Type() string      { return "set_auto_water" }
func (SetAutoCheck) Type() string      { return "set_auto_check" }
func (Water) Type() string             { return "water" }
func (Check) Type() string             { return "check" }
func (Goto) Type() string              { return "goto" }
func (AddPosition) Type() string       { return "add_position" }
func (RemovePosition) Type() string    { return "remove_position" }
func (GetLastCheck) Type() string      { return "get_last_check" }
func (GetLastWater) Type() string      { return "get_last_water" }
func (SetStage) Type() string          { return "set_stage" }
func (Recheck) Type() string           { return "recheck" }

func (GetReport) incoming()         {}
func (GetListPositions) incoming()  {}
func (GetAutoWater) incoming()      {}
func (GetAutoCheck) incoming()      {}
func (GetMovingState) incoming()    {}
func (GetWateringState) incoming()  {}
func (GetCapturingState) incoming() {}
func (GetStages) incoming()         {}
func (Shutdown) incoming()          {}
func (SetAutoWater) incoming()      {}
func (SetAutoCheck) incoming()      {}
func (Water) incoming()             {}
func (Check) incoming()             {}
func (Goto) incoming()              {}
func (AddPosition) incoming()       {}
func (RemovePosition) incoming()    {}
func (GetLastCheck) incoming()      {}
func (GetLastWater) incoming()      {}
func (SetStage) incoming()          {}
func (Recheck) incoming()           {}

// ─── Outgoing ──────────────────────────────────────────────────────────────

type (
	ReportMoving struct {
		Value bool `json:"value"`
	}
	ReportWatering struct {
		Value bool `json:"value"`
	}
	ReportCapturing struct {
		Value bool `json:"value"`
	}
	ReportAutoWater struct {
		Value bool `json:"value"`
	}
	ReportAutoCheck struct {
		Value bool `json:"value"`
	}

	ReportPosition Coord

	ReportWaterDone struct {
		X         int       `json:"x"`
		Y         int       `json:"y"`
		Timestamp time.Time `json:"timestamp"`
	}

	// ReportCheckDone carries the detection box in image pixels and the
	// reference of the stored annotated image.
	ReportCheckDone struct {
		X         int       `json:"x"`
		Y         int       `json:"y"`
		Top       int       `json:"top"`
		Left      int       `json:"left"`
		Right     int       `json:"right"`
		Bottom    int       `json:"bottom"`
		Stage     string    `json:"stage"`
		Timestamp time.Time `json:"timestamp"`
		Image     string    `json:"image"`
		CheckID   int64     `json:"check_id,omitempty"`
	}

	ReportStage SetStage

	Status struct {
		Text string `json:"text"`
	}
	Error struct {
		Text string `json:"text"`
	}
)

func (ReportMoving) Type() string    { return "report_moving" }
func (ReportWatering) Type() string  { return "report_watering" }
func (ReportCapturing) Type() string { return "report_capturing" }
func (ReportAutoWater) Type() string { return "report_auto_water" }
func (ReportAutoCheck) Type() string { return "report_auto_check" }
func (ReportPosition) Type() string  { return "report_position" }
func (ReportWaterDone) Type() string { return "report_water_done" }
func (ReportCheckDone) Type() string { return "report_check_done" }
func (ReportStage) Type() string     { return "report_stage" }
func (Status) Type() string          { return "status" }
func (Error) Type() string           { return "error" }

func (ReportMoving) outgoing()    {}
func (ReportWatering) outgoing()  {}
func (ReportCapturing) outgoing() {}
func (ReportAutoWater) outgoing() {}
func (ReportAutoCheck) outgoing() {}
func (ReportPosition) outgoing()  {}
func (ReportWaterDone) outgoing() {}
func (ReportCheckDone) outgoing() {}
func (ReportStage) outgoing()     {}
func (Status) outgoing()          {}
func (Error) outgoing()           {}
