package mqtt

import "strings"

// Topics builds the rig's topic names under a configurable prefix
// (mqtt.topic_prefix, default "agrivision"):
//
//	{prefix}/command          JSON requests into the gateway
//	{prefix}/event/{type}     JSON reports out of the gateway
//	{prefix}/status           retained online/offline status (LWT)
type Topics struct {
	Prefix string
}

// NewTopics returns topic builders for prefix, without trailing slashes.
func NewTopics(prefix string) Topics {
	return Topics{Prefix: strings.TrimRight(prefix, "/")}
}

// Command is where external clients publish gateway requests.
//
// Example: agrivision/command
func (t Topics) Command() string {
	return t.Prefix + "/command"
}

// Event is where a report of the given type is published.
//
// Example: agrivision/event/report_check_done
func (t Topics) Event(eventType string) string {
	return t.Prefix + "/event/" + eventType
}

// AllEvents matches every report topic.
func (t Topics) AllEvents() string {
	return t.Prefix + "/event/+"
}

// Status carries the retained online/offline payload.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}
