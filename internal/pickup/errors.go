package pickup

import "errors"

var (
	// ErrStorageUnavailable indicates the backing store could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAddMessageFailed indicates the persist or notify path of addMessage failed.
	ErrAddMessageFailed = errors.New("add message failed")

	// ErrRegistryWriteFailed indicates a live-session registry write failed.
	ErrRegistryWriteFailed = errors.New("registry write failed")

	// ErrBusSubscribeFailed indicates the notification bus subscription
	// could not be established.
	ErrBusSubscribeFailed = errors.New("bus subscribe failed")

	// ErrValidation indicates a required field was absent or malformed.
	ErrValidation = errors.New("validation error")
)
