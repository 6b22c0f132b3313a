// Package api implements the HTTP and WebSocket transports of the gateway.
//
// This package provides:
//   - POST /api/v1/push to queue one request on the gateway
//   - GET /api/v1/pull, a server-sent event stream of reports
//   - a bidirectional websocket (default /ws) carrying both
//   - read-only history endpoints for positions, checks, stages and images
//   - GET /api/v1/audit, the trail of state-changing requests
//   - GET /api/v1/health (503 when the database fails its integrity check)
//     and GET /api/v1/metrics
//   - middleware: real IP, request ID, logging, recovery, CORS, body limit
//
// # Architecture
//
// The server never drives the rig itself. Every command is decoded with the
// gateway codec and pushed onto the orchestrator's inbound queue; a full
// queue answers 503. Reports flow back through gateway subscriptions, one
// per pull stream plus one for the websocket hub, so a slow HTTP client only
// loses its own reports. A websocket client that keeps its buffer full is
// disconnected.
//
// # WebSocket envelope
//
//	{"type":"command","id":"c1","payload":{"type":"goto","x":10,"y":20}}
//	{"type":"event","id":"<uuid>","event_type":"report_position","payload":{...}}
//
// There is no authentication; run the API on a trusted network.
package api
