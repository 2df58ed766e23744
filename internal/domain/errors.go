package domain

import "errors"

var (
	// ErrLink: socket closed or reset. Ends one session or link, never the process.
	ErrLink = errors.New("link error")
	// ErrProtocol: undecodable or malformed envelope. The producing connection is dropped.
	ErrProtocol = errors.New("protocol error")
	// ErrRouting: the proxy has no server to offer.
	ErrRouting = errors.New("routing error")
	// ErrConfig: invalid configuration or bind failure. Fatal at startup.
	ErrConfig = errors.New("config error")
)
