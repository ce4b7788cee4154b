package models

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrStoreFailure     = errors.New("store failure")
	ErrNotification     = errors.New("notification failure")
	ErrAlreadyBound     = errors.New("connection already bound to another user")
	ErrStatusRegression = errors.New("status does not advance")
	ErrForbidden        = errors.New("forbidden")
	ErrUnauthorized     = errors.New("unauthorized")
)
