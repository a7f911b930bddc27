package state

import "time"

// Transport is the send/close surface of the underlying connection. It is
// opaque to every component except the server that created it.
type Transport interface {
	Send(message []byte)
	Close(err error)
}

// Connection is the registry's record of one authenticated user connection.
// It is owned by the registry for its lifetime; other components only read it.
type Connection struct {
	UserID      string
	DisplayName string
	PhoneNumber string
	DMsEnabled  bool
	Transport   Transport
	ConnectedAt time.Time
}
