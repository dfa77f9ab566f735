package reactor

import (
	"time"
)

type (
	// ConnectionCallback is notified when a connection becomes connected,
	// and again when it becomes disconnected; distinguish the two with
	// [Conn.Connected].
	ConnectionCallback func(conn *Conn)

	// MessageCallback receives inbound data. The callee consumes what it
	// wants from buf, and anything left is retained for the next call.
	MessageCallback func(conn *Conn, buf *Buffer, receiveTime time.Time)

	// WriteCompleteCallback is notified when the outbound buffer drains
	// to empty.
	WriteCompleteCallback func(conn *Conn)

	// HighWaterMarkCallback is notified when the outbound buffer crosses
	// the high-water mark, with the number of bytes then buffered.
	HighWaterMarkCallback func(conn *Conn, buffered int)

	// CloseCallback is the owner's notification that a connection has
	// closed, and should be released.
	CloseCallback func(conn *Conn)
)

// DefaultConnectionCallback logs state changes at debug level.
func DefaultConnectionCallback(conn *Conn) {
	conn.logger.Debug().
		Str("local", conn.LocalAddr().String()).
		Str("peer", conn.PeerAddr().String()).
		Bool("connected", conn.Connected()).
		Log("connection state changed")
}

// DefaultMessageCallback discards everything received.
func DefaultMessageCallback(_ *Conn, buf *Buffer, _ time.Time) {
	buf.RetrieveAll()
}
