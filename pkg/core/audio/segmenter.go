// Package audio buffers inbound PCM per connection and cuts it into segments
// at natural speech boundaries for transcription. Boundary policy: flush when
// the buffer reaches the maximum window, or when an energy detector sees a
// continuous run of trailing silence after voiced content. Real-time
// forwarding of the raw audio happens elsewhere and is never gated on
// segmentation.
package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
)

// vadFrame is the analysis window for the energy detector. RMS is computed
// over 10ms of samples, matching the granularity telephony VADs use.
const vadFrameMS = 10

type Config struct {
	// SampleRate of the inbound PCM, Hz. Audio is pcm_s16le mono.
	SampleRate int
	// MaxSegment bounds worst-case transcription latency. A segment is cut at
	// exactly this duration even mid-speech.
	MaxSegment time.Duration
	// SilenceHold is the continuous silence required after voiced audio
	// before the segment is considered a complete utterance.
	SilenceHold time.Duration
	// EnergyThreshold is the RMS level above which a frame counts as voiced.
	EnergyThreshold float64
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MaxSegment <= 0 {
		c.MaxSegment = 8 * time.Second
	}
	if c.SilenceHold <= 0 {
		c.SilenceHold = 700 * time.Millisecond
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 300.0
	}
	return c
}

// Segment is a finalized slice of one speaker's audio, ready for the
// speech-to-text collaborator.
type Segment struct {
	SessionID string
	ConnID    string
	Speaker   core.Role
	PCM       []byte
	Duration  time.Duration
	StartTS   time.Time
	EndTS     time.Time
}

// WAVBytes returns the segment converted to the single-chunk WAV form the
// transcription collaborator accepts.
func (s Segment) WAVBytes(sampleRate int) []byte {
	return EncodeWAV(s.PCM, sampleRate)
}

type bufferState int

const (
	stateFilling bufferState = iota
	stateFlushing
)

// Segmenter is the per-connection audio buffer. It is single-writer: only the
// owning connection's receive path may call Feed, so no locking is needed.
type Segmenter struct {
	cfg       Config
	sessionID string
	connID    string
	speaker   core.Role
	now       func() time.Time

	state       bufferState
	buf         []byte
	startTS     time.Time
	voiced      bool
	silence     time.Duration
	frameRemain []byte
}

// NewSegmenter creates the buffer for one connection's inbound audio.
func NewSegmenter(cfg Config, sessionID, connID string, speaker core.Role) *Segmenter {
	return &Segmenter{
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		connID:    connID,
		speaker:   speaker,
		now:       time.Now,
	}
}

func (s *Segmenter) bytesPerSecond() int { return s.cfg.SampleRate * 2 }

func (s *Segmenter) frameBytes() int { return s.cfg.SampleRate / 100 * 2 }

func (s *Segmenter) maxSegmentBytes() int {
	n := int(s.cfg.MaxSegment.Seconds() * float64(s.bytesPerSecond()))
	if n%2 == 1 {
		n--
	}
	return n
}

func (s *Segmenter) durationOf(byteLen int) time.Duration {
	return time.Duration(byteLen) * time.Second / time.Duration(s.bytesPerSecond())
}

// Feed appends one inbound chunk and returns any segments it completed. A
// single chunk can complete several segments when it crosses the maximum
// window more than once.
func (s *Segmenter) Feed(chunk []byte) []Segment {
	if len(chunk) == 0 {
		return nil
	}

	var out []Segment
	maxBytes := s.maxSegmentBytes()

	for len(chunk) > 0 {
		if len(s.buf) == 0 {
			s.startTS = s.now()
		}

		take := len(chunk)
		if room := maxBytes - len(s.buf); take > room {
			take = room
		}
		s.buf = append(s.buf, chunk[:take]...)
		s.scanEnergy(chunk[:take])
		chunk = chunk[take:]

		if len(s.buf) >= maxBytes {
			out = append(out, s.flush())
			continue
		}
		if s.voiced && s.silence >= s.cfg.SilenceHold {
			out = append(out, s.flush())
		}
	}
	return out
}

// scanEnergy advances the voiced/silence state over complete 10ms frames,
// carrying partial frames across Feed calls.
func (s *Segmenter) scanEnergy(data []byte) {
	frame := s.frameBytes()
	s.frameRemain = append(s.frameRemain, data...)
	for len(s.frameRemain) >= frame {
		rms := frameRMS(s.frameRemain[:frame])
		s.frameRemain = s.frameRemain[frame:]
		if rms >= s.cfg.EnergyThreshold {
			s.voiced = true
			s.silence = 0
		} else if s.voiced {
			s.silence += vadFrameMS * time.Millisecond
		}
	}
}

// Flush force-finalizes whatever is buffered, used at session end. Pure
// silence is discarded rather than sent to transcription.
func (s *Segmenter) Flush() *Segment {
	if len(s.buf) == 0 || !s.voiced {
		s.reset()
		return nil
	}
	seg := s.flush()
	return &seg
}

func (s *Segmenter) flush() Segment {
	s.state = stateFlushing
	pcm := make([]byte, len(s.buf))
	copy(pcm, s.buf)
	dur := s.durationOf(len(pcm))
	seg := Segment{
		SessionID: s.sessionID,
		ConnID:    s.connID,
		Speaker:   s.speaker,
		PCM:       pcm,
		Duration:  dur,
		StartTS:   s.startTS,
		EndTS:     s.startTS.Add(dur),
	}
	s.reset()
	return seg
}

func (s *Segmenter) reset() {
	s.buf = s.buf[:0]
	s.startTS = time.Time{}
	s.voiced = false
	s.silence = 0
	s.state = stateFilling
}

// BufferedDuration reports how much audio is currently accumulated.
func (s *Segmenter) BufferedDuration() time.Duration {
	return s.durationOf(len(s.buf))
}

// frameRMS computes root-mean-square energy over one pcm_s16le frame.
func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}
