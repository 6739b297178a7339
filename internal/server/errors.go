package server

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomInactive = errors.New("room is not active")
	ErrNotHost      = errors.New("only the host may do this")
	ErrEmailTaken   = errors.New("email already registered")
)
