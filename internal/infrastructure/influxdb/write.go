package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCheck    = "plant_check"
	MeasurementWatering = "watering"
	MeasurementActivity = "actuator_activity"
)

// CheckPoint is one inspection result.
type CheckPoint struct {
	X, Y   int
	Stage  string
	Left   int
	Top    int
	Width  int
	Height int
	Time   time.Time
}

// WriteCheck records an inspection, tagged by position and stage so the
// stage history of a pot can be charted.
func (c *Client) WriteCheck(p CheckPoint) {
	c.writePoint(write.NewPoint(
		MeasurementCheck,
		map[string]string{
			"position": position(p.X, p.Y),
			"stage":    p.Stage,
		},
		map[string]interface{}{
			"box_left":   p.Left,
			"box_top":    p.Top,
			"box_width":  p.Width,
			"box_height": p.Height,
			"box_area":   p.Width * p.Height,
		},
		p.Time,
	))
}

// WriteWatering records a completed watering at (x, y).
func (c *Client) WriteWatering(x, y int, at time.Time) {
	c.writePoint(write.NewPoint(
		MeasurementWatering,
		map[string]string{"position": position(x, y)},
		map[string]interface{}{"count": 1},
		at,
	))
}

// WriteActivity records an actuator state transition (moving, watering,
// capturing) as 1 for start and 0 for stop.
func (c *Client) WriteActivity(activity string, active bool, at time.Time) {
	v := 0
	if active {
		v = 1
	}
	c.writePoint(write.NewPoint(
		MeasurementActivity,
		map[string]string{"activity": activity},
		map[string]interface{}{"active": v},
		at,
	))
}

// WritePoint writes a custom point.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}, at time.Time) {
	c.writePoint(write.NewPoint(measurement, tags, fields, at))
}

func position(x, y int) string {
	return strconv.Itoa(x) + "," + strconv.Itoa(y)
}
