package buffer

import (
	"errors"

	"hls-abr/internal/media"
)

// Sink errors. Implementations wrap these so the orchestrator can classify
// failed mutations with errors.Is.
var (
	// ErrQuotaExceeded means the sink refused data because it is full.
	ErrQuotaExceeded = errors.New("sink quota exceeded")
	// ErrSinkBusy means a mutation was issued while another was in flight.
	ErrSinkBusy = errors.New("sink is updating")
	// ErrSinkRemoved means the sink was detached from its media source.
	ErrSinkRemoved = errors.New("sink removed")
	// ErrMediaSourceClosed is returned when the media source is not open.
	ErrMediaSourceClosed = errors.New("media source not open")
)

// Sink is one playback buffer (a source buffer). Mutations are asynchronous:
// AppendBuffer, Remove and ChangeType start work and the media source
// reports their completion through the callback given to AddSink. Only
// the operation queue calls these methods.
type Sink interface {
	AppendBuffer(data []byte) error
	Remove(start, end float64) error
	// ChangeType completes synchronously; no completion callback follows.
	ChangeType(mimeType string) error
	Buffered() media.TimeRanges
	Updating() bool
}

// MediaSource owns the sinks of one playback session.
type MediaSource interface {
	// AddSink creates a sink for mimeType. onComplete is invoked once for
	// every finished AppendBuffer or Remove, with the failure if any.
	AddSink(mimeType string, onComplete func(err error)) (Sink, error)
	Duration() float64
	SetDuration(d float64) error
	SetLiveSeekableRange(start, end float64) error
	EndOfStream() error
	Open() bool
}
