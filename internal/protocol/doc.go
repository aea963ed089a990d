// Package protocol defines the relay's wire contract: the event names exchanged
// over a session, the AudioUnit payload, and the envelope codec. Every event
// travels as exactly one binary WebSocket frame holding a msgpack-encoded Event,
// so an AudioUnit is never fragmented at the application level.
package protocol
