// Package registry contains the stream registry, the single source of
// truth for which streams exist.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/conf"
	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/logger"
	"github.com/screenrelay/screenrelay/internal/metrics"
	"github.com/screenrelay/screenrelay/internal/rescache"
	"github.com/screenrelay/screenrelay/internal/scheduler"
)

// ErrNotFound is returned when a stream id does not exist.
var ErrNotFound = errors.New("stream not found")

// ErrTooManyStreams is returned by Create once the concurrent stream limit
// is reached.
var ErrTooManyStreams = errors.New("maximum concurrent stream count reached")

// StreamInfo is the externally visible description of a stream.
type StreamInfo struct {
	ID        string          `json:"id"`
	Conf      conf.StreamConf `json:"conf"`
	State     scheduler.State `json:"state"`
	Quality   int             `json:"quality"`
	CreatedAt time.Time       `json:"createdAt"`
}

type stream struct {
	info      StreamInfo
	sched     *scheduler.Scheduler
	collector *metrics.Collector
}

// Registry tracks the set of streams and owns their schedulers and metric
// collectors. All streams publish into the single shared resource cache.
type Registry struct {
	Conf   *conf.Conf
	Cache  *rescache.Cache
	Source capture.Source
	Parent logger.Writer

	mutex   sync.Mutex
	streams map[string]*stream
}

// Initialize prepares the registry.
func (r *Registry) Initialize() {
	r.streams = make(map[string]*stream)
}

// Log implements logger.Writer.
func (r *Registry) Log(level logger.Level, format string, args ...any) {
	r.Parent.Log(level, "[registry] "+format, args...)
}

// ReloadConf applies a new configuration. It affects streams created from
// now on; running streams keep the configuration they were created with.
func (r *Registry) ReloadConf(cnf *conf.Conf) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Conf = cnf
}

// StreamDefaults returns a copy of the configured stream defaults, suitable
// as the base that a creation request is decoded over.
func (r *Registry) StreamDefaults() conf.StreamConf {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sc := r.Conf.StreamDefaults
	if sc.Region != nil {
		region := *sc.Region
		sc.Region = &region
	}
	return sc
}

func (r *Registry) activeCount() int {
	n := 0
	for _, st := range r.streams {
		if st.sched.State() != scheduler.StateStopped {
			n++
		}
	}
	return n
}

// Create registers a new stream and returns its id. The configuration is
// completed with the server defaults and validated; out-of-bounds values
// are rejected before any loop starts.
func (r *Registry) Create(sc conf.StreamConf) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := sc.ApplyPreset(); err != nil {
		return "", err
	}
	sc.FillDefaults(r.Conf.StreamDefaults)
	if err := sc.Validate(r.Conf.MaxStreamFPS); err != nil {
		return "", err
	}

	if r.activeCount() >= r.Conf.MaxConcurrentStreams {
		return "", ErrTooManyStreams
	}

	enc, err := encoder.ForFormat(sc.Format)
	if err != nil {
		return "", fmt.Errorf("%w: %s", conf.ErrInvalid, err)
	}

	id := uuid.NewString()
	collector := metrics.NewCollector(r.Conf.MetricsWindow)

	sched := &scheduler.Scheduler{
		StreamID:       id,
		Conf:           sc,
		Source:         r.Source,
		Encoder:        enc,
		Cache:          r.Cache,
		Collector:      collector,
		CaptureTimeout: r.Conf.CaptureTimeout.Unwrap(),
		EncodeTimeout:  r.Conf.EncodeTimeout.Unwrap(),
		Parent:         r.Parent,
	}
	sched.Initialize()

	r.streams[id] = &stream{
		info: StreamInfo{
			ID:        id,
			Conf:      sc,
			State:     scheduler.StateIdle,
			Quality:   sc.Quality,
			CreatedAt: time.Now(),
		},
		sched:     sched,
		collector: collector,
	}

	r.Log(logger.Info, "stream %s created: %d fps, %s", id, sc.FPS, sc.Format)

	return id, nil
}

// Start launches the stream's pacing loop. Stopped streams cannot be
// restarted.
func (r *Registry) Start(id string) error {
	st, err := r.find(id)
	if err != nil {
		return err
	}
	return st.sched.Start()
}

// Stop terminates the stream. It is idempotent and returns once the
// in-flight tick, if any, has finished.
func (r *Registry) Stop(id string) error {
	st, err := r.find(id)
	if err != nil {
		return err
	}
	st.sched.Stop()
	return nil
}

// Delete stops a stream and removes it from the registry, releasing its
// entry. Frames it already published stay in the cache until evicted.
func (r *Registry) Delete(id string) error {
	st, err := r.find(id)
	if err != nil {
		return err
	}
	st.sched.Stop()

	r.mutex.Lock()
	delete(r.streams, id)
	r.mutex.Unlock()

	r.Log(logger.Info, "stream %s deleted", id)
	return nil
}

// Get returns the description of a stream.
func (r *Registry) Get(id string) (StreamInfo, error) {
	st, err := r.find(id)
	if err != nil {
		return StreamInfo{}, err
	}
	return r.describe(st), nil
}

// List returns the description of every known stream.
func (r *Registry) List() []StreamInfo {
	r.mutex.Lock()
	streams := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		streams = append(streams, st)
	}
	r.mutex.Unlock()

	infos := make([]StreamInfo, len(streams))
	for i, st := range streams {
		infos[i] = r.describe(st)
	}
	return infos
}

// ActiveCount returns the number of streams that are not stopped.
func (r *Registry) ActiveCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.activeCount()
}

// Snapshot returns the metrics snapshot of a stream.
func (r *Registry) Snapshot(id string) (metrics.Snapshot, error) {
	st, err := r.find(id)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	return st.collector.Snapshot(), nil
}

// Subscribe registers a frame notification channel on a stream.
func (r *Registry) Subscribe(id string) (<-chan scheduler.FrameNotification, func(), error) {
	st, err := r.find(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := st.sched.Subscribe()
	return ch, cancel, nil
}

// SetQuality overrides the encode quality of a non-adaptive stream.
func (r *Registry) SetQuality(id string, q int) error {
	st, err := r.find(id)
	if err != nil {
		return err
	}
	st.sched.SetQuality(q)
	return nil
}

// Close stops every stream.
func (r *Registry) Close() {
	r.mutex.Lock()
	streams := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		streams = append(streams, st)
	}
	r.mutex.Unlock()

	for _, st := range streams {
		st.sched.Stop()
	}

	r.Log(logger.Info, "closed, %d streams stopped", len(streams))
}

func (r *Registry) find(id string) (*stream, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	st, ok := r.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st, nil
}

func (r *Registry) describe(st *stream) StreamInfo {
	info := st.info
	info.State = st.sched.State()
	info.Quality = st.sched.Quality()
	return info
}
