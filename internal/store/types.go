package store

import "time"

// UnknownStage is the fallback stage label. Its config is seeded by the
// initial migration and must always exist.
const UnknownStage = "unknown"

// Fallback scheduling for labels the detector invents that have no config
// yet: not a first stage, and the same periods as "unknown".
const (
	FallbackCheckPeriod   = 1000 * time.Second
	FallbackWaterPeriod   = 1000 * time.Second
	FallbackWaterDuration = time.Second
)

// Position is a monitored pot location on the rig grid.
type Position struct {
	ID        int64     `json:"id"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// StageConfig holds the scheduling parameters for one growth stage label.
type StageConfig struct {
	ID            int64         `json:"id"`
	Stage         string        `json:"stage"`
	FirstStage    bool          `json:"first_stage"`
	CheckPeriod   time.Duration `json:"check_period"`
	WaterPeriod   time.Duration `json:"water_period"`
	WaterDuration time.Duration `json:"water_duration"`
}

// FallbackStage returns the conservative config created for an unseen label.
func FallbackStage(label string) StageConfig {
	return StageConfig{
		Stage:         label,
		FirstStage:    false,
		CheckPeriod:   FallbackCheckPeriod,
		WaterPeriod:   FallbackWaterPeriod,
		WaterDuration: FallbackWaterDuration,
	}
}

// Box is a detection bounding box in stored-image pixels; (X, Y) is top-left.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CheckRecord is one immutable entry of a position's check history.
//
// X, Y, Stage and ImageRef are read-side joins and ignored on insert.
type CheckRecord struct {
	ID         int64     `json:"id"`
	PositionID int64     `json:"position_id"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	StageID    int64     `json:"stage_id"`
	Stage      string    `json:"stage"`
	ImageID    int64     `json:"image_id,omitempty"`
	ImageRef   string    `json:"image,omitempty"`
	Box        Box       `json:"box"`
	CreatedAt  time.Time `json:"created_at"`
	Watered    bool      `json:"watered"`
}

// Image is a stored annotated JPEG. Ref is the opaque public reference.
type Image struct {
	ID          int64     `json:"id"`
	Ref         string    `json:"ref"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
