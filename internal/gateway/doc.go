// Package gateway is the message bus between the orchestrator and the
// outside world.
//
// Requests (Incoming) arrive from transports via Push, or from the
// orchestrator itself via SendMyself, and are consumed in order with Recv.
// Reports (Outgoing) are broadcast with Send to every Subscription. Each
// subscriber has its own bounded queue whose overflow policy is either
// drop_oldest or block with a timeout.
//
// Messages travel as flat JSON objects tagged with a snake_case "type":
//
//	{"type":"water","x":10,"y":20}
//	{"type":"report_water_done","x":10,"y":20,"timestamp":"..."}
//
// Bridge carries the same encoding over MQTT; the HTTP API carries it over
// WebSocket and server-sent events.
package gateway
