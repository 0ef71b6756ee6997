package client

import "errors"

var (
	ErrClientClosed = errors.New("client is closed")
	ErrNotConnected = errors.New("client is not connected")
)
