// Package signaling defines the relay wire format: the frame envelope carried
// on each namespace connection and one validated payload type per event.
//
// Outbound payloads are named *Request. Inbound payloads are decoded through
// Decode, which maps every event name to exactly one Go type and rejects
// unknown events and malformed shapes with a *ProtocolError.
package signaling
