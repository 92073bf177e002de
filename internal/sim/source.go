package sim

import (
	"encoding/binary"
	"math"

	"hls-abr/internal/buffer"
	"hls-abr/internal/media"
)

// virtualSink buffers appended spans. Each mutation completes on the next
// call to finish, so the queue sees one operation per tick.
type virtualSink struct {
	buffered   media.TimeRanges
	updating   bool
	apply      func()
	onComplete func(error)
	fault      func() error
}

func (s *virtualSink) AppendBuffer(data []byte) error {
	if s.updating {
		return buffer.ErrSinkBusy
	}
	if s.fault != nil {
		if err := s.fault(); err != nil {
			return err
		}
	}
	start, end := decodeSpan(data)
	s.updating = true
	s.apply = func() { s.buffered = s.buffered.Add(start, end) }
	return nil
}

func (s *virtualSink) Remove(start, end float64) error {
	if s.updating {
		return buffer.ErrSinkBusy
	}
	s.updating = true
	s.apply = func() { s.buffered = s.buffered.Remove(start, end) }
	return nil
}

func (s *virtualSink) ChangeType(string) error { return nil }

func (s *virtualSink) Buffered() media.TimeRanges { return s.buffered }

func (s *virtualSink) Updating() bool { return s.updating }

func (s *virtualSink) finish() {
	if !s.updating {
		return
	}
	s.apply()
	s.apply = nil
	s.updating = false
	s.onComplete(nil)
}

type virtualMediaSource struct {
	sinks    []*virtualSink
	duration float64
	ended    bool
	// appendFault, when set, may fail an append before it starts.
	appendFault func() error
}

func newVirtualMediaSource() *virtualMediaSource {
	return &virtualMediaSource{duration: math.NaN()}
}

func (m *virtualMediaSource) AddSink(_ string, onComplete func(error)) (buffer.Sink, error) {
	s := &virtualSink{onComplete: onComplete, fault: m.appendFault}
	m.sinks = append(m.sinks, s)
	return s, nil
}

func (m *virtualMediaSource) Duration() float64 { return m.duration }

func (m *virtualMediaSource) SetDuration(d float64) error {
	m.duration = d
	return nil
}

func (m *virtualMediaSource) SetLiveSeekableRange(float64, float64) error { return nil }

func (m *virtualMediaSource) EndOfStream() error {
	m.ended = true
	return nil
}

func (m *virtualMediaSource) Open() bool { return !m.ended }

func (m *virtualMediaSource) tick() {
	for _, s := range m.sinks {
		s.finish()
	}
}

// The simulated payload of a fragment is its presentation span.
func encodeSpan(start, end float64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, math.Float64bits(start))
	binary.BigEndian.PutUint64(b[8:], math.Float64bits(end))
	return b
}

func decodeSpan(b []byte) (start, end float64) {
	if len(b) < 16 {
		return 0, 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), math.Float64frombits(binary.BigEndian.Uint64(b[8:]))
}
