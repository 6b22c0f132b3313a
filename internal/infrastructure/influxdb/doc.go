// Package influxdb writes rig telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go with connection verification, batched
// non-blocking writes and a health check. Three measurements are written:
//
//	plant_check        tags position, stage; fields box_* and box_area
//	watering           tag position; field count
//	actuator_activity  tag activity; field active (1 start, 0 stop)
//
// Write errors surface asynchronously through SetOnError.
package influxdb
