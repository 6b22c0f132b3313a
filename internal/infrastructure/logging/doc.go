// Package logging is the structured logger shared by every component of
// the rig controller. It is a thin layer over log/slog that fixes the
// service and version fields, writes timestamps in UTC and hands out
// per-component children.
//
// Configured from the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Typical use:
//
//	log := logging.New(cfg.Logging, version).With("site", cfg.Site.ID)
//	log.Component("gateway").Warn("outbound queue full", "dropped", 1)
//
// Never log the detector API key or the MQTT password.
package logging
