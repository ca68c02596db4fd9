// Package xiaozhi implements the client side of the xiaozhi voice protocol.
//
// Protocol drives the session state machine: hello negotiation, listen
// control, and routing of speech state and audio to the playback scheduler.
// Transport carries its JSON control messages and binary Opus frames over a
// websocket, reconnecting with exponential backoff and handling binary
// framing versions 1 to 3.
package xiaozhi
