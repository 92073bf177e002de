package recovery

import (
	"fmt"

	"hls-abr/internal/media"
)

// LoadContext describes the playlist request behind a failure.
type LoadContext struct {
	Type    ContextType
	GroupID string
	Level   int
	// Live is set when the failing playlist was a live (no ENDLIST) playlist.
	Live bool
}

// ErrorEvent is a tagged failure signal reported by a loader, the buffer
// orchestrator or a key system.
type ErrorEvent struct {
	Type    ErrorType
	Details ErrorDetail
	// Fatal is set by reporters that know no recovery exists.
	Fatal bool
	// Level is the rendition the failure refers to, -1 when unknown.
	Level   int
	Frag    *media.Segment
	Part    *media.Part
	Context *LoadContext
	// HTTPStatus is the response code; 0 means no response was received.
	HTTPStatus int
	// SinkName is the failing sink ("audio", "video", "audiovideo").
	SinkName string
	MimeType string
	KeyID    string
	Err      error
	// Action is an action pre-computed by the reporter, kept as-is by the
	// classifier for buffer errors.
	Action *ErrorAction
}

// Timeout reports whether the event is a load timeout.
func (e *ErrorEvent) Timeout() bool { return e.Details.IsTimeout() }

func (e *ErrorEvent) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %v", e.Type, e.Details, e.Err)
	}
	return fmt.Sprintf("%s/%s", e.Type, e.Details)
}
