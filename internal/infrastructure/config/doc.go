// Package config loads the rig's YAML configuration, applies AGRIVISION_*
// environment overrides on top, fills defaults and validates the result.
//
// Secrets (the MQTT password, the detector API key, the InfluxDB token)
// belong in the environment rather than in config.yaml:
//
//	AGRIVISION_MQTT_PASSWORD=...  AGRIVISION_DETECTOR_API_KEY=...
//
// Load returns every validation failure at once so a misconfigured rig can
// be fixed in one pass:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err // lists all invalid fields
//	}
package config
