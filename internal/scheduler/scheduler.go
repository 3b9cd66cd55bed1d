// Package scheduler contains the per-stream frame scheduler.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/conf"
	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/logger"
	"github.com/screenrelay/screenrelay/internal/metrics"
	"github.com/screenrelay/screenrelay/internal/quality"
	"github.com/screenrelay/screenrelay/internal/rescache"
)

// State is the lifecycle state of a stream.
type State string

// Stream lifecycle states. A Stopped stream cannot be restarted.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ErrNotRestartable is returned by Start on a stream that has already
// been started or stopped.
var ErrNotRestartable = errors.New("stream cannot be (re)started")

// degradedThreshold is the number of consecutive failures after which the
// loop widens its tick sleep.
const degradedThreshold = 3

// maxBackoff caps the extra sleep of a degraded loop.
const maxBackoff = 2 * time.Second

// subscriberQueueSize is the buffer of each subscriber channel. A consumer
// that falls further behind loses notifications and fetches what it can
// from the cache.
const subscriberQueueSize = 8

// FrameNotification is sent to subscribers once per produced frame.
type FrameNotification struct {
	StreamID string            `json:"streamId"`
	URI      string            `json:"uri"`
	Sequence uint64            `json:"sequence"`
	Metadata rescache.Metadata `json:"metadata"`
}

// Scheduler drives one stream's capture/encode/publish cycle at the
// configured cadence.
type Scheduler struct {
	StreamID       string
	Conf           conf.StreamConf
	Source         capture.Source
	Encoder        encoder.Encoder
	Cache          *rescache.Cache
	Collector      *metrics.Collector
	CaptureTimeout time.Duration
	EncodeTimeout  time.Duration
	Parent         logger.Writer

	controller *quality.Controller

	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}

	mutex       sync.Mutex
	state       State
	quality     int
	sequence    uint64
	subscribers map[chan FrameNotification]struct{}
}

// Initialize validates the fields and prepares the scheduler. The stream
// starts in the idle state.
func (s *Scheduler) Initialize() {
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.state = StateIdle
	s.quality = s.Conf.Quality
	s.subscribers = make(map[chan FrameNotification]struct{})

	if s.Conf.AdaptiveQuality {
		s.controller = quality.New(
			s.Conf.FPS,
			s.Conf.MinQuality,
			s.Conf.MaxQuality,
			s.Conf.QualityStep,
			s.Conf.Quality,
		)
	}
}

// Log implements logger.Writer.
func (s *Scheduler) Log(level logger.Level, format string, args ...any) {
	s.Parent.Log(level, "[stream %s] "+format, append([]any{s.StreamID}, args...)...)
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Quality returns the quality that the next frame will be encoded with.
func (s *Scheduler) Quality() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.quality
}

// SetQuality overrides the encode quality, clamped to [1, 100]. It has no
// effect on streams with adaptive quality enabled.
func (s *Scheduler) SetQuality(q int) {
	if s.Conf.AdaptiveQuality {
		return
	}
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}

	s.mutex.Lock()
	s.quality = q
	s.mutex.Unlock()
}

// Subscribe registers a frame notification channel. The returned function
// unsubscribes it. The channel is closed on unsubscribe and on stop.
func (s *Scheduler) Subscribe() (<-chan FrameNotification, func()) {
	ch := make(chan FrameNotification, subscriberQueueSize)

	s.mutex.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mutex.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.mutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mutex.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.mutex.Unlock()
		})
	}
}

// Start launches the pacing loop. It fails on a stream that is not idle.
func (s *Scheduler) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateIdle {
		return ErrNotRestartable
	}
	s.state = StateRunning

	go s.run()

	return nil
}

// Stop transitions the stream to stopped, waiting for the in-flight tick
// to finish. It is idempotent; stopping a stopped stream is a no-op.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	switch s.state {
	case StateStopped:
		s.mutex.Unlock()
		return

	case StateIdle:
		// never started: no loop to wait for
		s.state = StateStopped
		s.ctxCancel()
		s.closeSubscribers()
		s.mutex.Unlock()
		return
	}

	s.state = StateStopping
	s.mutex.Unlock()

	s.ctxCancel()
	<-s.done

	s.mutex.Lock()
	s.state = StateStopped
	s.closeSubscribers()
	s.mutex.Unlock()
}

// closeSubscribers must be called with the mutex held.
func (s *Scheduler) closeSubscribers() {
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan FrameNotification]struct{})
}

func (s *Scheduler) run() {
	defer close(s.done)

	period := time.Second / time.Duration(s.Conf.FPS)

	// quality control cycle cadence: once per second of ticks
	cycleTicks := s.Conf.FPS
	if cycleTicks < 1 {
		cycleTicks = 1
	}

	s.Log(logger.Info, "started: %d fps, %s, quality %d", s.Conf.FPS, s.Conf.Format, s.quality)

	var (
		ticks               uint64
		prevTickDuration    time.Duration
		consecutiveFailures int
	)

	for {
		if s.ctx.Err() != nil {
			s.Log(logger.Info, "stopped")
			return
		}

		t0 := time.Now()
		ticks++

		// shed load instead of queuing when the pipeline has fallen
		// more than one full frame behind
		if s.Conf.FrameSkip && prevTickDuration > 2*period {
			s.Collector.RecordSkip()
			s.Log(logger.Debug, "skipping tick, previous took %s", prevTickDuration)
			prevTickDuration = 0
		} else {
			if err := s.produceFrame(t0); err != nil {
				if s.ctx.Err() != nil {
					s.Log(logger.Info, "stopped")
					return
				}
				consecutiveFailures++
				s.Collector.RecordFailure()
				s.Collector.RecordSkip()
				s.Log(logger.Warn, "frame failed (%d consecutive): %v", consecutiveFailures, err)
			} else {
				if consecutiveFailures >= degradedThreshold {
					s.Log(logger.Info, "recovered after %d failures", consecutiveFailures)
				}
				consecutiveFailures = 0
			}
			prevTickDuration = time.Since(t0)
		}

		// the control cycle runs on its own tick cadence, skipped
		// ticks included, so sustained overload still lowers quality
		if s.controller != nil && ticks%uint64(cycleTicks) == 0 {
			newQuality := s.controller.Cycle(s.Collector.Snapshot(), 0)

			s.mutex.Lock()
			if newQuality != s.quality {
				s.Log(logger.Debug, "quality %d -> %d", s.quality, newQuality)
				s.quality = newQuality
			}
			s.mutex.Unlock()
		}

		// sleep the remainder of the period; an overrun proceeds
		// immediately, leaving catch-up to the skip policy
		if elapsed := time.Since(t0); elapsed < period {
			if !sleepCtx(s.ctx, period-elapsed) {
				s.Log(logger.Info, "stopped")
				return
			}
		}

		if consecutiveFailures >= degradedThreshold {
			if !sleepCtx(s.ctx, degradedBackoff(period, consecutiveFailures)) {
				s.Log(logger.Info, "stopped")
				return
			}
		}
	}
}

func (s *Scheduler) produceFrame(t0 time.Time) error {
	captureCtx, captureCancel := context.WithTimeout(s.ctx, s.CaptureTimeout)
	frame, err := s.Source.Capture(captureCtx, s.Conf.Region)
	captureCancel()
	if err != nil {
		return err
	}
	captureDuration := time.Since(t0)

	q := s.Quality()

	encodeStart := time.Now()
	payload, err := encodeWithTimeout(s.ctx, s.EncodeTimeout, s.Encoder, frame, q)
	if err != nil {
		return err
	}
	encodeDuration := time.Since(encodeStart)

	meta := rescache.Metadata{
		StreamID:  s.StreamID,
		Format:    s.Conf.Format,
		Width:     frame.Width,
		Height:    frame.Height,
		Quality:   q,
		Timestamp: frame.Timestamp,
	}
	uri := s.Cache.Put(payload, s.Encoder.MIMEType(), meta)

	s.mutex.Lock()
	s.sequence++
	notif := FrameNotification{
		StreamID: s.StreamID,
		URI:      uri,
		Sequence: s.sequence,
		Metadata: meta,
	}
	for ch := range s.subscribers {
		select {
		case ch <- notif:
		default:
			// slow consumer: it can still fetch from the cache
		}
	}
	s.mutex.Unlock()

	s.Collector.Record(metrics.Sample{
		Capture:   captureDuration,
		Encode:    encodeDuration,
		Total:     time.Since(t0),
		Timestamp: frame.Timestamp,
	})

	return nil
}

// degradedBackoff returns the extra sleep of a degraded loop: one period at
// the threshold failure, doubling per further failure, capped at maxBackoff.
// The cap is applied inside the doubling, so the result stays in
// (0, maxBackoff] at any failure count.
func degradedBackoff(period time.Duration, consecutiveFailures int) time.Duration {
	backoff := period
	for i := degradedThreshold; i < consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// encodeWithTimeout bounds an encode call. The encoder has no cancellation
// hook, so the encode runs in its own goroutine and an expiry abandons the
// result.
func encodeWithTimeout(
	ctx context.Context,
	timeout time.Duration,
	enc encoder.Encoder,
	frame *capture.Frame,
	q int,
) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}

	resCh := make(chan result, 1)
	go func() {
		payload, err := enc.Encode(frame.Image, q)
		resCh <- result{payload, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.payload, res.err
	case <-timer.C:
		return nil, errors.New("encode timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. It reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
