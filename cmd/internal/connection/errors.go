package connection

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUserNotFound     = errors.New("user not found")
	ErrAlreadyConnected = errors.New("users already connected")
	ErrSelfConnect      = errors.New("cannot connect to self")
)
