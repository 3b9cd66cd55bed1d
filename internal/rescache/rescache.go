// Package rescache contains the content-addressed frame resource cache.
package rescache

import (
	"container/list"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"

	"github.com/screenrelay/screenrelay/internal/conf"
)

// ErrNotFound is returned when a URI was evicted or never existed. Slow
// consumers hit this under normal operation; it is not a fault.
var ErrNotFound = errors.New("resource not found")

// URIPrefix is the scheme and namespace of every resource URI produced by
// the cache.
const URIPrefix = "screen://capture/"

// Encoding selects the representation returned by GetEncoded.
type Encoding string

// Supported encodings.
const (
	// EncodingBinary returns the payload bytes unchanged.
	EncodingBinary Encoding = "binary"

	// EncodingBase64 renders the payload in standard base64 for
	// transports that only carry text.
	EncodingBase64 Encoding = "base64"
)

// Metadata describes a cached frame.
type Metadata struct {
	StreamID  string           `json:"streamId"`
	Format    conf.ImageFormat `json:"format"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	Quality   int              `json:"quality"`
	Timestamp time.Time        `json:"timestamp"`
}

// Resource is one cached frame. Write-once: neither the payload nor the
// metadata change after Put.
type Resource struct {
	URI      string   `json:"uri"`
	MIMEType string   `json:"mimeType"`
	Payload  []byte   `json:"-"`
	Size     int      `json:"size"`
	Metadata Metadata `json:"metadata"`
}

// Stats is a point-in-time description of the cache.
type Stats struct {
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"maxEntries"`
	Bytes      uint64 `json:"bytes"`
	BytesHuman string `json:"bytesHuman"`
	Evictions  uint64 `json:"evictions"`
}

// Cache is a bounded FIFO store of recently produced frames. Eviction is
// strictly insertion-ordered: frame recency, not popularity, determines
// usefulness. Safe for concurrent use by multiple stream loops.
type Cache struct {
	maxEntries int

	mutex     sync.Mutex
	entries   map[string]*list.Element
	order     *list.List // of *Resource, oldest at front
	bytes     uint64
	evictions uint64
}

// New allocates a Cache holding at most maxEntries frames.
func New(maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Put stores a frame and returns its URI. When the cache exceeds its
// maximum entry count, the oldest entry is evicted.
func (c *Cache) Put(payload []byte, mimeType string, metadata Metadata) string {
	res := &Resource{
		URI:      URIPrefix + uuid.NewString(),
		MIMEType: mimeType,
		Payload:  payload,
		Size:     len(payload),
		Metadata: metadata,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[res.URI] = c.order.PushBack(res)
	c.bytes += uint64(res.Size)

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Front()
		old := oldest.Value.(*Resource)
		c.order.Remove(oldest)
		delete(c.entries, old.URI)
		c.bytes -= uint64(old.Size)
		c.evictions++
	}

	return res.URI
}

// Get returns the resource stored under uri, or ErrNotFound.
func (c *Cache) Get(uri string) (*Resource, error) {
	c.mutex.Lock()
	elem, ok := c.entries[uri]
	c.mutex.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return elem.Value.(*Resource), nil
}

// GetEncoded returns the payload of uri in the requested encoding. The
// text-safe form is computed on demand rather than stored, keeping the
// memory cost of the common binary path at one copy.
func (c *Cache) GetEncoded(uri string, encoding Encoding) ([]byte, error) {
	res, err := c.Get(uri)
	if err != nil {
		return nil, err
	}

	switch encoding {
	case EncodingBinary:
		return res.Payload, nil

	case EncodingBase64:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(res.Payload)))
		base64.StdEncoding.Encode(out, res.Payload)
		return out, nil
	}

	return nil, fmt.Errorf("unsupported encoding %q", encoding)
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return Stats{
		Entries:    c.order.Len(),
		MaxEntries: c.maxEntries,
		Bytes:      c.bytes,
		BytesHuman: bytefmt.ByteSize(c.bytes),
		Evictions:  c.evictions,
	}
}
