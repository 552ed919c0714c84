// Package connection drives one carrier over one stream: the handshake on
// either side, then indexed messages with acknowledgements and replies.
//
// A Conn is not safe for concurrent message exchange. Callers serialize
// Write/Request and BeginRead/EndRead; Interrupt and Close may be called from
// any goroutine.
package connection
