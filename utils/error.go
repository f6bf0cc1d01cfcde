package utils

import "errors"

var (
	ErrorLockNotReady = errors.New("service not ready (redis lock not initialized)")
	ErrorLockNotHeld  = errors.New("could not obtain lock")
)
