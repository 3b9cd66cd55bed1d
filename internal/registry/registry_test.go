package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/conf"
	"github.com/screenrelay/screenrelay/internal/logger"
	"github.com/screenrelay/screenrelay/internal/rescache"
	"github.com/screenrelay/screenrelay/internal/scheduler"
)

type testLogger struct{}

func (testLogger) Log(_ logger.Level, _ string, _ ...any) {}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	cnf, err := conf.Load("")
	require.NoError(t, err)
	cnf.MaxConcurrentStreams = 3

	r := &Registry{
		Conf:   cnf,
		Cache:  rescache.New(cnf.CacheSize),
		Source: &capture.TestPatternSource{Width: 32, Height: 32},
		Parent: testLogger{},
	}
	r.Initialize()

	t.Cleanup(r.Close)

	return r
}

func TestCreateGetRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	sc := conf.StreamConf{
		FPS:         12,
		Format:      conf.FormatPNG,
		Quality:     80,
		Region:      &conf.Region{X: 5, Y: 5, Width: 20, Height: 20},
		FrameSkip:   true,
		MinQuality:  40,
		MaxQuality:  90,
		QualityStep: 5,
	}

	id, err := r.Create(sc)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, sc, info.Conf)
	require.Equal(t, scheduler.StateIdle, info.State)
	require.Equal(t, 80, info.Quality)
}

func TestCreateInvalid(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(conf.StreamConf{FPS: 1000})
	require.ErrorIs(t, err, conf.ErrInvalid)

	_, err = r.Create(conf.StreamConf{Quality: 300})
	require.ErrorIs(t, err, conf.ErrInvalid)

	require.Empty(t, r.List())
}

func TestConcurrentStreamLimit(t *testing.T) {
	r := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		_, err := r.Create(conf.StreamConf{})
		require.NoError(t, err)
	}

	_, err := r.Create(conf.StreamConf{})
	require.ErrorIs(t, err, ErrTooManyStreams)
}

func TestStoppedStreamFreesSlot(t *testing.T) {
	r := newTestRegistry(t)

	ids := make([]string, 3)
	for i := range ids {
		id, err := r.Create(conf.StreamConf{})
		require.NoError(t, err)
		ids[i] = id
	}

	require.NoError(t, r.Stop(ids[0]))

	_, err := r.Create(conf.StreamConf{})
	require.NoError(t, err)
}

func TestCreateWithPreset(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Create(conf.StreamConf{Preset: conf.PresetPerformance})
	require.NoError(t, err)

	info, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, 60, info.Conf.FPS)
	require.Equal(t, 50, info.Conf.Quality)
	require.Equal(t, conf.FormatJPEG, info.Conf.Format)
	require.True(t, info.Conf.AdaptiveQuality)

	// the extreme preset targets 120 fps, above the default ceiling
	_, err = r.Create(conf.StreamConf{Preset: conf.PresetExtreme})
	require.ErrorIs(t, err, conf.ErrInvalid)

	_, err = r.Create(conf.StreamConf{Preset: "ultra"})
	require.ErrorIs(t, err, conf.ErrInvalid)
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Create(conf.StreamConf{FPS: 30})
	require.NoError(t, err)
	require.NoError(t, r.Start(id))

	require.NoError(t, r.Delete(id))

	_, err = r.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, r.Start(id), ErrNotFound)
	require.Empty(t, r.List())

	require.ErrorIs(t, r.Delete(id), ErrNotFound)
}

func TestDeleteFreesSlot(t *testing.T) {
	r := newTestRegistry(t)

	ids := make([]string, 3)
	for i := range ids {
		id, err := r.Create(conf.StreamConf{})
		require.NoError(t, err)
		ids[i] = id
	}
	_, err := r.Create(conf.StreamConf{})
	require.ErrorIs(t, err, ErrTooManyStreams)

	require.NoError(t, r.Delete(ids[0]))

	_, err = r.Create(conf.StreamConf{})
	require.NoError(t, err)
	require.Len(t, r.List(), 3)
}

func TestNotFound(t *testing.T) {
	r := newTestRegistry(t)

	require.ErrorIs(t, r.Start("missing"), ErrNotFound)
	require.ErrorIs(t, r.Stop("missing"), ErrNotFound)
	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Snapshot("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Create(conf.StreamConf{FPS: 20})
	require.NoError(t, err)

	require.NoError(t, r.Start(id))

	info, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateRunning, info.State)

	// frames flow into the shared cache
	require.Eventually(t, func() bool {
		snap, err := r.Snapshot(id)
		return err == nil && snap.TotalFrames >= 2
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Stop(id))

	info, err = r.Get(id)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateStopped, info.State)

	// stop is idempotent, start on a stopped stream fails
	require.NoError(t, r.Stop(id))
	require.ErrorIs(t, r.Start(id), scheduler.ErrNotRestartable)
}

func TestSubscribe(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Create(conf.StreamConf{FPS: 30})
	require.NoError(t, err)

	ch, cancel, err := r.Subscribe(id)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.Start(id))

	select {
	case notif := <-ch:
		require.Equal(t, id, notif.StreamID)
		_, err := r.Cache.Get(notif.URI)
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestList(t *testing.T) {
	r := newTestRegistry(t)

	id1, err := r.Create(conf.StreamConf{})
	require.NoError(t, err)
	id2, err := r.Create(conf.StreamConf{})
	require.NoError(t, err)

	infos := r.List()
	require.Len(t, infos, 2)

	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.ID] = true
	}
	require.True(t, seen[id1])
	require.True(t, seen[id2])
}

func TestReloadConf(t *testing.T) {
	r := newTestRegistry(t)

	cnf := r.Conf.Clone()
	cnf.MaxConcurrentStreams = 1
	r.ReloadConf(cnf)

	_, err := r.Create(conf.StreamConf{})
	require.NoError(t, err)
	_, err = r.Create(conf.StreamConf{})
	require.ErrorIs(t, err, ErrTooManyStreams)
}
