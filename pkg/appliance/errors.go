package appliance

import "errors"

var (
	// ErrNotFound indicates no path element holds a usable appliance.
	ErrNotFound = errors.New("cannot find any suitable appliance on the search path")

	// ErrCacheDir indicates the appliance cache directory could not
	// be created or inspected.
	ErrCacheDir = errors.New("failed to prepare appliance cache directory")

	// ErrCacheInsecure indicates the appliance cache directory failed
	// a security check and may have been tampered with.
	ErrCacheInsecure = errors.New("appliance cache directory failed security check")

	// ErrLock indicates the cross-process build lock could not be
	// acquired.
	ErrLock = errors.New("failed to acquire appliance build lock")

	// ErrBuilder indicates the appliance builder program failed.
	ErrBuilder = errors.New("appliance builder failed")
)
