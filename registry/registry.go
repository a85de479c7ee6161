// Package registry implements ingest.Server for segment streams.
//
// A Registry authenticates tokens by their BLAKE3 hash and routes every
// accepted token to one shared table of segment.Stream. Rotating a stream
// cuts its buffered observations into a segment.Segment and hands the
// segment to a Store while the stream keeps accepting pushes.
package registry

import (
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/Zereker/ingest"
	"github.com/Zereker/ingest/segment"
)

// Finder is the routing table of a Registry.
type Finder = ingest.Finder[[]byte, segment.Segment]

var _ ingest.Server[[]byte, segment.Segment] = (*Registry)(nil)

// Store receives rotated segments. *archive.Archive satisfies it.
type Store interface {
	Put(seg segment.Segment) error
}

// HashToken returns the hex BLAKE3 hash under which token is accepted.
func HashToken(token []byte) string {
	sum := blake3.Sum256(token)
	return hex.EncodeToString(sum[:])
}

// Option configures a Registry.
type Option func(*Registry)

// LoggerOption sets the logger used to report rotation failures.
func LoggerOption(logger ingest.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// StreamOption sets the options of every stream the registry creates.
func StreamOption(opts ...segment.Option) Option {
	return func(r *Registry) {
		r.streamOpts = opts
	}
}

// Registry is an ingest.Server whose accepted tokens all share one Finder.
// It is safe for concurrent use.
type Registry struct {
	finder     *Finder
	store      Store
	logger     ingest.Logger
	streamOpts []segment.Option

	mu      sync.RWMutex
	tokens  map[[32]byte]struct{}
	pending []segment.Segment
}

// New returns a Registry that stores rotated segments in store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		finder: ingest.NewFinder[[]byte, segment.Segment](),
		store:  store,
		tokens: make(map[[32]byte]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Auth returns the shared Finder if token is accepted, and
// ingest.ErrInvalidToken otherwise.
func (r *Registry) Auth(token []byte) (*Finder, error) {
	sum := blake3.Sum256(token)

	r.mu.RLock()
	_, ok := r.tokens[sum]
	r.mu.RUnlock()

	if !ok {
		return nil, ingest.ErrInvalidToken
	}
	return r.finder, nil
}

// Finder returns the registry's routing table.
func (r *Registry) Finder() *Finder {
	return r.finder
}

// AllowToken accepts token.
func (r *Registry) AllowToken(token []byte) {
	sum := blake3.Sum256(token)

	r.mu.Lock()
	r.tokens[sum] = struct{}{}
	r.mu.Unlock()
}

// AllowTokenHash accepts the token whose HashToken is hash.
func (r *Registry) AllowTokenHash(hash string) error {
	b, err := hex.DecodeString(hash)
	if err != nil {
		return errors.Wrapf(err, "token hash %q", hash)
	}
	var sum [32]byte
	if len(b) != len(sum) {
		return errors.Errorf("token hash %q: want %d bytes, got %d", hash, len(sum), len(b))
	}
	copy(sum[:], b)

	r.mu.Lock()
	r.tokens[sum] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Provision registers a fresh stream for every id that has none and
// returns how many were added.
func (r *Registry) Provision(ids ...[]byte) int {
	added := 0
	for _, id := range ids {
		if r.finder.InsertIfAbsent(id, segment.New(id, r.streamOpts...)) {
			added++
		}
	}
	return added
}

// Rotate turns the observations buffered under ids into segments and
// stores them. It returns the number of segments stored.
//
// A *segment.Stream is cut in place, so pushes made while Rotate runs land
// in either this segment or the next one. Any other stream is extracted and
// replaced by a fresh *segment.Stream.
//
// Ids without a stream and streams with nothing pushed are skipped. A stream
// that fails to extract stays in place. A segment the store rejects is kept
// and offered to the store again on the next Rotate.
func (r *Registry) Rotate(ids [][]byte) (int, error) {
	stored := r.retryPending()

	var (
		failed   int
		firstErr error
	)
	for _, id := range ids {
		seg, ok, err := r.rotate(id)
		if !ok || errors.Is(err, segment.ErrEmpty) {
			continue
		}
		if err != nil {
			r.logger.Error("extract stream", "id", string(id), "error", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := r.store.Put(seg); err != nil {
			r.logger.Warn("store segment", "id", string(id), "segment", seg.ID, "error", err)
			r.mu.Lock()
			r.pending = append(r.pending, seg)
			r.mu.Unlock()
			continue
		}
		stored++
	}

	if firstErr != nil {
		return stored, errors.Wrapf(firstErr, "rotate: %d of %d streams failed", failed, len(ids))
	}
	return stored, nil
}

// cutter is a stream that can be emptied without being finalized.
type cutter interface {
	Cut() (segment.Segment, error)
}

func (r *Registry) rotate(id []byte) (segment.Segment, bool, error) {
	stream, ok := r.finder.Get(id)
	if !ok {
		return segment.Segment{}, false, nil
	}
	if c, ok := stream.(cutter); ok {
		seg, err := c.Cut()
		return seg, true, err
	}
	return r.finder.Rotate(id, segment.New(id, r.streamOpts...))
}

// Pending returns the number of segments waiting to be stored.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

func (r *Registry) retryPending() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	stored := 0
	var failed []segment.Segment
	for _, seg := range pending {
		if err := r.store.Put(seg); err != nil {
			failed = append(failed, seg)
			continue
		}
		stored++
	}

	if len(failed) > 0 {
		r.logger.Warn("store pending segments", "failed", len(failed))
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
	}
	return stored
}
