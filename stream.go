package ingest

import (
	"sort"
	"sync"
	"time"
)

// Stream is the per-id sink that messages are routed to.
//
// Push records one observation. Extract finalizes the stream and returns its
// result; after a successful Extract the stream is consumed and must not be
// used again. If Extract fails, the stream must be left exactly as it was
// before the call: the Finder puts it back under its id so no state is lost.
type Stream[P, X any] interface {
	Push(timestamp time.Duration, payload P) error
	Extract() (X, error)
}

// Finder is the routing table from message id to Stream.
//
// All methods take one table-wide lock, so a Finder may be shared between
// goroutines. The lock does not extend to the streams themselves: a Stream
// returned by Get may be pushed to concurrently with other Finder calls.
type Finder[P, X any] struct {
	mu      sync.Mutex
	streams map[string]Stream[P, X]
}

// NewFinder returns an empty Finder.
func NewFinder[P, X any]() *Finder[P, X] {
	return &Finder[P, X]{streams: make(map[string]Stream[P, X])}
}

// Insert registers s under id, replacing any previous stream. It reports
// whether a stream was replaced.
func (f *Finder[P, X]) Insert(id []byte, s Stream[P, X]) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, replaced := f.streams[string(id)]
	f.streams[string(id)] = s
	return replaced
}

// InsertIfAbsent registers s under id unless a stream is already there. It
// reports whether s was registered.
func (f *Finder[P, X]) InsertIfAbsent(id []byte, s Stream[P, X]) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.streams[string(id)]; ok {
		return false
	}
	f.streams[string(id)] = s
	return true
}

// Get returns the stream registered under id.
func (f *Finder[P, X]) Get(id []byte) (Stream[P, X], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[string(id)]
	return s, ok
}

// Remove unregisters and returns the stream under id without finalizing it.
func (f *Finder[P, X]) Remove(id []byte) (Stream[P, X], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[string(id)]
	if ok {
		delete(f.streams, string(id))
	}
	return s, ok
}

// Len returns the number of registered streams.
func (f *Finder[P, X]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.streams)
}

// IDs returns the registered ids in byte order.
func (f *Finder[P, X]) IDs() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.streams))
	for id := range f.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = []byte(id)
	}
	return out
}

// Extract finalizes the stream registered under id.
//
// ok is false only when no stream is registered under id; the table is left
// untouched in that case. On success the entry is gone. On failure the same
// stream is registered again under id and err is the stream's error, so a
// failed Extract leaves the table as it found it.
func (f *Finder[P, X]) Extract(id []byte) (x X, ok bool, err error) {
	return f.extract(id, nil)
}

// Rotate is Extract followed, on success only, by registering next under id.
// The swap happens under one lock acquisition, so other goroutines never see
// id unregistered.
func (f *Finder[P, X]) Rotate(id []byte, next Stream[P, X]) (x X, ok bool, err error) {
	return f.extract(id, next)
}

func (f *Finder[P, X]) extract(id []byte, next Stream[P, X]) (x X, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := string(id)
	s, ok := f.streams[key]
	if !ok {
		return x, false, nil
	}
	delete(f.streams, key)

	x, err = s.Extract()
	if err != nil {
		f.streams[key] = s
		return x, true, err
	}

	if next != nil {
		f.streams[key] = next
	}
	return x, true, nil
}
