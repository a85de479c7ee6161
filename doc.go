// Package ingest implements a binary ingestion protocol engine.
//
// Clients send length-prefixed frames. Each frame carries one message made of
// a fixed header (auth token, routing id, millisecond timestamp) followed by
// an opaque payload:
//
//	Frame  := size:u32 body:u8[size]
//	Body   := token_len:u32 token:u8[token_len]
//	          id_len:u32    id:u8[id_len]
//	          millis:u64
//	          payload:u8[*]
//
// All integers are unsigned and big-endian.
//
// A Session pulls frames off an io.Reader one at a time, parses them, and
// hands each message to a Server, which authenticates the token and pushes
// the payload onto the Stream registered under the message id in a Finder.
// The Session remembers every id it successfully delivered so the caller can
// finalize (extract) those streams once the session ends.
//
// Conn and Listener wire a Session to TCP connections.
package ingest
