package state

import "time"

// State is the recording lifecycle position.
type State int

const (
	Idle State = iota
	Recording
	Processing
	Result
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	case Result:
		return "result"
	case Error:
		return "error"
	}
	return "unknown"
}

// ErrorKind classifies failures surfaced through the Error state.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	// DeviceUnavailable means no capture device could be opened.
	DeviceUnavailable
	// WriteFailure means the recording sink failed mid-session.
	WriteFailure
	// InvalidTransition is a rejected state machine call. It is logged,
	// never shown to the user.
	InvalidTransition
	// HotkeyConflict means a push-to-talk binding collides with another
	// registration. Capture stays usable through other triggers.
	HotkeyConflict
	// TranscriptionFailed means the transcriber returned an error.
	TranscriptionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device_unavailable"
	case WriteFailure:
		return "write_failure"
	case InvalidTransition:
		return "invalid_transition"
	case HotkeyConflict:
		return "hotkey_conflict"
	case TranscriptionFailed:
		return "transcription_failed"
	}
	return "unknown"
}

// Transcript is the outcome of a processed recording.
type Transcript struct {
	SessionID string
	Text      string
	Path      string
	Duration  time.Duration
}

// Failure describes an error reported to collaborators.
type Failure struct {
	Kind    ErrorKind
	Message string
	// From is the state the machine was in when the error was set.
	// It is Idle for warnings that do not change state.
	From State
}

func (f Failure) Error() string {
	return f.Kind.String() + ": " + f.Message
}
