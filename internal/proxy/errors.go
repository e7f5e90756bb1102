package proxy

import "errors"

var (
	ErrNoProxyAvailable = errors.New("no proxy available")
	ErrProxyNotFound    = errors.New("proxy not found")
	ErrInvalidSpec      = errors.New("invalid proxy spec")
	ErrUnknownFormat    = errors.New("unknown export format")
)
