package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/shared"
)

// Opus frames are 20 ms at 48 kHz.
const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame encoding digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Microphone owns the local capture track.
type Microphone interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, error)
	Stop()
}

// SampleSource produces encoded Opus samples. NextSample blocks until the
// next sample is due and returns io.EOF when capture ends.
type SampleSource interface {
	NextSample(ctx context.Context) (media.Sample, error)
}

// SilenceSource paces Opus silence frames in real time. It keeps the
// upstream voice activity detector fed when no capture device is present.
type SilenceSource struct{}

func (SilenceSource) NextSample(ctx context.Context) (media.Sample, error) {
	t := time.NewTimer(opusFrameDuration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-t.C:
	}
	return media.Sample{Data: opusSilence, Duration: opusFrameDuration}, nil
}

// SampleMicrophone feeds a SampleSource into an Opus TrackLocalStaticSample.
// A nil source means capture permission was refused.
type SampleMicrophone struct {
	source SampleSource
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSampleMicrophone(source SampleSource, logger *zap.Logger) *SampleMicrophone {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SampleMicrophone{source: source, logger: logger}
}

func (m *SampleMicrophone) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	if m.source == nil {
		return nil, fmt.Errorf("%w: no capture source available", shared.ErrMediaAccessDenied)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "parley",
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.pump(pumpCtx, track, m.done)

	m.logger.Debug("microphone acquired")
	return track, nil
}

func (m *SampleMicrophone) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)
	for {
		sample, err := m.source.NextSample(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				m.logger.Warn("microphone source failed", zap.Error(err))
			}
			return
		}
		if err := track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Debug("write sample failed", zap.Error(err))
		}
	}
}

// Stop ends capture. Safe to call more than once.
func (m *SampleMicrophone) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debug("microphone stopped")
}

// AudioSink plays (or discards) the remote audio track.
type AudioSink interface {
	Attach(track *webrtc.TrackRemote)
	Silence()
	Detach()
}

// DrainSink reads RTP payloads off the remote track and forwards them to
// an optional writer. Reading keeps the receive buffers from filling up.
type DrainSink struct {
	out    io.Writer
	logger *zap.Logger

	mu       sync.Mutex
	silenced bool
	detached bool
	wg       sync.WaitGroup
}

func NewDrainSink(out io.Writer, logger *zap.Logger) *DrainSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DrainSink{out: out, logger: logger}
}

func (s *DrainSink) Attach(track *webrtc.TrackRemote) {
	s.logger.Debug("remote track attached",
		zap.String("codec", track.Codec().MimeType),
		zap.String("track_id", track.ID()),
	)
	s.attach(func(b []byte) (int, error) {
		n, _, err := track.Read(b)
		return n, err
	})
}

func (s *DrainSink) attach(read func([]byte) (int, error)) {
	s.mu.Lock()
	s.silenced = false
	s.detached = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(read)
	}()
}

func (s *DrainSink) drain(read func([]byte) (int, error)) {
	buf := make([]byte, 1500)
	for {
		n, err := read(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		forward := s.out != nil && !s.silenced && !s.detached
		s.mu.Unlock()
		if !forward {
			continue
		}
		if _, err := s.out.Write(buf[:n]); err != nil {
			s.logger.Debug("audio sink write failed", zap.Error(err))
		}
	}
}

// Silence stops forwarding without releasing the track.
func (s *DrainSink) Silence() {
	s.mu.Lock()
	s.silenced = true
	s.mu.Unlock()
}

// Detach stops forwarding. The drain goroutine exits once the track's
// receiver is closed with the peer connection.
func (s *DrainSink) Detach() {
	s.mu.Lock()
	s.silenced = true
	s.detached = true
	s.mu.Unlock()
}

// Wait blocks until every drain goroutine has exited.
func (s *DrainSink) Wait() {
	s.wg.Wait()
}
