package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/conf"
	"github.com/screenrelay/screenrelay/internal/logger"
	"github.com/screenrelay/screenrelay/internal/registry"
	"github.com/screenrelay/screenrelay/internal/rescache"
)

type testLogger struct{}

func (testLogger) Log(_ logger.Level, _ string, _ ...any) {}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	cnf, err := conf.Load("")
	require.NoError(t, err)

	cache := rescache.New(cnf.CacheSize)

	reg := &registry.Registry{
		Conf:   cnf,
		Cache:  cache,
		Source: &capture.TestPatternSource{Width: 32, Height: 32},
		Parent: testLogger{},
	}
	reg.Initialize()
	t.Cleanup(reg.Close)

	s := &Server{
		Address:  "127.0.0.1:0",
		Registry: reg,
		Cache:    cache,
		Parent:   testLogger{},
	}
	require.NoError(t, s.Initialize())
	t.Cleanup(s.Close)

	return s, "http://" + s.listener.Addr().String()
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		byts, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(byts)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}

	return res.StatusCode
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	_, base := newTestServer(t)

	var created registry.StreamInfo
	status := doJSON(t, http.MethodPost, base+"/v1/streams",
		map[string]any{"fps": 20, "format": "jpeg", "quality": 70}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, created.ID)
	require.Equal(t, 20, created.Conf.FPS)
	require.Equal(t, 70, created.Conf.Quality)

	// omitted booleans inherit the configured defaults
	require.True(t, created.Conf.FrameSkip)
	require.True(t, created.Conf.AdaptiveQuality)

	var fetched registry.StreamInfo
	status = doJSON(t, http.MethodGet, base+"/v1/streams/"+created.ID, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, created.Conf, fetched.Conf)

	status = doJSON(t, http.MethodPost, base+"/v1/streams/"+created.ID+"/start", nil, nil)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		var snap map[string]any
		if doJSON(t, http.MethodGet, base+"/v1/streams/"+created.ID+"/metrics", nil, &snap) != http.StatusOK {
			return false
		}
		total, _ := snap["totalFrames"].(float64)
		return total >= 1
	}, 3*time.Second, 50*time.Millisecond)

	status = doJSON(t, http.MethodPost, base+"/v1/streams/"+created.ID+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, status)

	// streams are not restartable
	status = doJSON(t, http.MethodPost, base+"/v1/streams/"+created.ID+"/start", nil, nil)
	require.Equal(t, http.StatusConflict, status)

	// stop is idempotent
	status = doJSON(t, http.MethodPost, base+"/v1/streams/"+created.ID+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestCreateWithPresetOverHTTP(t *testing.T) {
	_, base := newTestServer(t)

	var created registry.StreamInfo
	status := doJSON(t, http.MethodPost, base+"/v1/streams",
		map[string]any{"preset": "quality"}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, 10, created.Conf.FPS)
	require.Equal(t, 95, created.Conf.Quality)
	require.Equal(t, conf.FormatPNG, created.Conf.Format)
	require.False(t, created.Conf.FrameSkip)
	require.False(t, created.Conf.AdaptiveQuality)

	status = doJSON(t, http.MethodPost, base+"/v1/streams",
		map[string]any{"preset": "ultra"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestStreamDelete(t *testing.T) {
	_, base := newTestServer(t)

	var created registry.StreamInfo
	status := doJSON(t, http.MethodPost, base+"/v1/streams", map[string]any{}, &created)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodDelete, base+"/v1/streams/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = doJSON(t, http.MethodGet, base+"/v1/streams/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	status = doJSON(t, http.MethodDelete, base+"/v1/streams/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCreateInvalidConfig(t *testing.T) {
	_, base := newTestServer(t)

	status := doJSON(t, http.MethodPost, base+"/v1/streams",
		map[string]any{"fps": 1000}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status = doJSON(t, http.MethodPost, base+"/v1/streams",
		map[string]any{"format": "webp"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestCreateExhausted(t *testing.T) {
	s, base := newTestServer(t)

	cnf := s.Registry.Conf.Clone()
	cnf.MaxConcurrentStreams = 1
	s.Registry.ReloadConf(cnf)

	status := doJSON(t, http.MethodPost, base+"/v1/streams", map[string]any{}, nil)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodPost, base+"/v1/streams", map[string]any{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestResourceFetch(t *testing.T) {
	s, base := newTestServer(t)

	payload := []byte{0x10, 0x20, 0xfe}
	uri := s.Cache.Put(payload, "image/jpeg", rescache.Metadata{StreamID: "x"})
	id := strings.TrimPrefix(uri, rescache.URIPrefix)

	// binary
	res, err := http.Get(base + "/v1/resources/" + id)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))
	require.Equal(t, payload, body)

	// text-safe
	res, err = http.Get(base + "/v1/resources/" + id + "?encoding=base64")
	require.NoError(t, err)
	body, err = io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decoded, err := base64.StdEncoding.DecodeString(string(body))
	require.NoError(t, err)
	require.Equal(t, payload, decoded)

	// unknown encoding
	res, err = http.Get(base + "/v1/resources/" + id + "?encoding=hex")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	// evicted or never existed
	res, err = http.Get(base + "/v1/resources/nope")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestNotFoundRoutes(t *testing.T) {
	_, base := newTestServer(t)

	for _, url := range []string{
		base + "/v1/streams/missing",
		base + "/v1/streams/missing/metrics",
	} {
		status := doJSON(t, http.MethodGet, url, nil, nil)
		require.Equal(t, http.StatusNotFound, status)
	}
}

func TestHealth(t *testing.T) {
	_, base := newTestServer(t)

	var health map[string]any
	status := doJSON(t, http.MethodGet, base+"/health", nil, &health)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", health["status"])
}
