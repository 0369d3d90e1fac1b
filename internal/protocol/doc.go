// Package protocol defines the JSON frames exchanged with fleet agents.
//
// Every frame is an Envelope:
//
//	{ "type": "command", "data": {...}, "request_id": "...", "timestamp": "..." }
//
// Agents send register (once), heartbeat (periodic), command_result and
// ping/pong. The gateway sends welcome (after register), command and
// ping/pong. The request_id field links a command to its command_result.
package protocol
