package ws

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrWriteTimeout     = errors.New("write timeout exceeded")
	ErrSendBufferFull   = errors.New("send buffer full")
)
