package weakref

import "errors"

var (
	ErrNilValue         = errors.New("weakref: nil value")
	ErrNilLoader        = errors.New("weakref: nil loader")
	ErrInvalidKeepAlive = errors.New("weakref: keep-alive size must not be negative")
)
