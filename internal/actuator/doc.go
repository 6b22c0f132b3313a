// Package actuator drives the two-axis gantry as one unit: the X and Y
// steppers, the shared driver enable line, the watering valve and the
// camera/detector pair mounted on the carriage.
//
// Every operation moves first and serialises on a single lock, so a
// watering can never start while a capture is still positioning. The
// position and motion parameters are persisted to a YAML profile after
// each operation so a restart resumes from the last known location.
package actuator
