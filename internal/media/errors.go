package media

import "errors"

var (
	// ErrDeviceUnavailable is returned when the capture device cannot be
	// opened or was lost and could not be reopened.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrSessionConfigurationFailed is returned when a capture session
	// cannot be built for the current set of outputs.
	ErrSessionConfigurationFailed = errors.New("session configuration failed")

	// ErrEncoderFailure is returned when the encoder cannot be created,
	// started or finalized.
	ErrEncoderFailure = errors.New("encoder failure")

	// ErrNoFrameReady is returned by a texture latch when nothing has been
	// offered since the last latch. Callers treat it as a no-op.
	ErrNoFrameReady = errors.New("no frame ready")

	// ErrShaderCompile is returned when a compositor program is invalid.
	ErrShaderCompile = errors.New("shader compile failed")

	ErrNotPrepared       = errors.New("not prepared")
	ErrAlreadyRecording  = errors.New("already recording")
	ErrNotRecording      = errors.New("not recording")
	ErrClosed            = errors.New("closed")
	ErrSurfaceReleased   = errors.New("surface released")
	ErrCapabilityChanged = errors.New("device capabilities changed")
)
