/*
Package message provides the wire types exchanged over the work and reply
queues.

A request is a JSON object carrying a request type tag and an arbitrary data
object:

	{"request_type": "get_sensor_by_id", "data": {"sensor_id": 1}}

Correlation ids and reply destinations are never part of the body; backends
carry them as message properties (SQS message attributes, NATS headers).

Every reply is an envelope that tells success from failure:

	{"ok": true, "result": {...}}
	{"ok": false, "error": {"kind": "NotFound", "message": "sensor 1"}}
*/
package message
