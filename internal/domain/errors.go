package domain

import "errors"

var (
	// ErrInvalidOffer means an offer matched zero or several shapes.
	ErrInvalidOffer = errors.New("invalid offer shape")
	// ErrNotFound is returned for missing proxies, accounts or records.
	ErrNotFound = errors.New("not found")
	// ErrNoProxies means the registry is empty.
	ErrNoProxies = errors.New("no proxies registered")
	// ErrNoReadyProxy means no proxy passed its last probe.
	ErrNoReadyProxy = errors.New("no ready proxy")
	// ErrDuplicateProxy is returned when a proxy name is registered twice.
	ErrDuplicateProxy = errors.New("duplicate proxy name")
)
