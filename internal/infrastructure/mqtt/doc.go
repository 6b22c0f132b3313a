// Package mqtt is the rig's broker connection, used by the gateway bridge
// to take requests from and publish reports to MQTT clients.
//
//	{prefix}/command          requests, JSON encoded gateway messages
//	{prefix}/event/{type}     reports, one topic per message type
//	{prefix}/status           retained online/offline, with a Last Will
//
// The session is clean and subscriptions are re-established by the client
// after every reconnect. Handlers run on paho goroutines; a panicking
// handler is logged and counted, not fatal.
//
// Tests tagged "integration" expect a broker on 127.0.0.1:1883.
package mqtt
