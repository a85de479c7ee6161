package registry

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Zereker/ingest"
	"github.com/Zereker/ingest/archive"
	"github.com/Zereker/ingest/segment"
)

var errUnavailable = errors.New("store unavailable")

// flakyStore rejects every Put while down is set.
type flakyStore struct {
	mu       sync.Mutex
	down     bool
	segments []segment.Segment
}

func (s *flakyStore) Put(seg segment.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errUnavailable
	}
	s.segments = append(s.segments, seg)
	return nil
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func push(t *testing.T, r *Registry, token, id string, payload ...byte) {
	t.Helper()
	msg := ingest.Message[[]byte]{
		Header:  ingest.Header{Token: []byte(token), ID: []byte(id), Timestamp: time.Second},
		Payload: payload,
	}
	require.NoError(t, ingest.Consume[[]byte, segment.Segment](r, msg))
}

func TestHashToken(t *testing.T) {
	t.Parallel()
	// BLAKE3 of the empty input.
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", HashToken(nil))
	assert.Len(t, HashToken([]byte("secret")), 64)
}

func TestRegistry_Auth(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		accepted := rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "accepted")
		other := rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "other")

		r := New(&flakyStore{})
		r.AllowToken(accepted)

		finder, err := r.Auth(accepted)
		require.NoError(t, err)
		require.Same(t, r.Finder(), finder)

		_, err = r.Auth(other)
		if bytes.Equal(accepted, other) {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ingest.ErrInvalidToken)
		}
	})
}

func TestRegistry_AllowTokenHash(t *testing.T) {
	t.Parallel()
	r := New(&flakyStore{})

	require.NoError(t, r.AllowTokenHash(HashToken([]byte("secret"))))
	_, err := r.Auth([]byte("secret"))
	assert.NoError(t, err)

	assert.Error(t, r.AllowTokenHash("not hex"))
	assert.Error(t, r.AllowTokenHash("abcd"))
}

func TestRegistry_Provision(t *testing.T) {
	t.Parallel()
	r := New(&flakyStore{})

	assert.Equal(t, 2, r.Provision([]byte("s1"), []byte("s2")))
	first, _ := r.Finder().Get([]byte("s1"))

	assert.Equal(t, 1, r.Provision([]byte("s1"), []byte("s3")))
	again, _ := r.Finder().Get([]byte("s1"))
	assert.Same(t, first, again)
	assert.Equal(t, 3, r.Finder().Len())
}

func TestRegistry_Rotate(t *testing.T) {
	t.Parallel()
	store, err := archive.Open("")
	require.NoError(t, err)
	defer store.Close()

	r := New(store, StreamOption(segment.CompressionOption(segment.CompressionZstd)))
	r.AllowToken([]byte("t"))
	r.Provision([]byte("s1"), []byte("s2"))

	before, _ := r.Finder().Get([]byte("s1"))
	push(t, r, "t", "s1", 1)
	push(t, r, "t", "s1", 2)

	stored, err := r.Rotate([][]byte{[]byte("s1"), []byte("s2"), []byte("unknown")})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	segments, err := store.List([]byte("s1"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 2, segments[0].Count)

	observations, err := segment.Decode(segments[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, observations[0].Payload)
	assert.Equal(t, []byte{2}, observations[1].Payload)

	// s1 was emptied in place; s2 was left as it was.
	s1, ok := r.Finder().Get([]byte("s1"))
	require.True(t, ok)
	assert.Same(t, before, s1)
	assert.Zero(t, s1.(*segment.Stream).Len())
	assert.Equal(t, 2, r.Finder().Len())

	push(t, r, "t", "s1", 3)
	stored, err = r.Rotate([][]byte{[]byte("s1")})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	segments, err = store.List([]byte("s1"))
	require.NoError(t, err)
	assert.Len(t, segments, 2)
}

func TestRegistry_RotateRetriesPending(t *testing.T) {
	t.Parallel()
	store := &flakyStore{down: true}
	r := New(store, LoggerOption(&nopLogger{}))
	r.AllowToken([]byte("t"))
	r.Provision([]byte("s1"))

	push(t, r, "t", "s1", 1)
	stored, err := r.Rotate([][]byte{[]byte("s1")})
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Equal(t, 1, r.Pending())

	// Still down: the segment stays pending.
	stored, err = r.Rotate(nil)
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Equal(t, 1, r.Pending())

	store.setDown(false)
	push(t, r, "t", "s1", 2)
	stored, err = r.Rotate([][]byte{[]byte("s1")})
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
	assert.Zero(t, r.Pending())
	require.Len(t, store.segments, 2)
	assert.Equal(t, 1, store.segments[0].Count)
}

func TestRegistry_RotateExtractFailureKeepsStream(t *testing.T) {
	t.Parallel()
	r := New(&flakyStore{}, LoggerOption(&nopLogger{}))

	finalized := segment.New([]byte("s1"))
	require.NoError(t, finalized.Push(0, []byte{1}))
	_, err := finalized.Extract()
	require.NoError(t, err)
	r.Finder().Insert([]byte("s1"), finalized)

	stored, err := r.Rotate([][]byte{[]byte("s1")})
	assert.ErrorIs(t, err, segment.ErrFinalized)
	assert.Zero(t, stored)

	got, ok := r.Finder().Get([]byte("s1"))
	require.True(t, ok)
	assert.Same(t, finalized, got)
}

// fixedStream extracts to a prepared segment.
type fixedStream struct {
	seg segment.Segment
}

func (s *fixedStream) Push(time.Duration, []byte) error { return nil }

func (s *fixedStream) Extract() (segment.Segment, error) { return s.seg, nil }

func TestRegistry_RotateReplacesOtherStreams(t *testing.T) {
	t.Parallel()
	store := &flakyStore{}
	r := New(store)
	r.Finder().Insert([]byte("s1"), &fixedStream{seg: segment.Segment{StreamID: []byte("s1"), Count: 7}})

	stored, err := r.Rotate([][]byte{[]byte("s1")})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
	require.Len(t, store.segments, 1)
	assert.Equal(t, 7, store.segments[0].Count)

	next, ok := r.Finder().Get([]byte("s1"))
	require.True(t, ok)
	assert.IsType(t, &segment.Stream{}, next)
}

func TestRegistry_RotateConcurrentPushes(t *testing.T) {
	t.Parallel()
	store := &flakyStore{}
	r := New(store, LoggerOption(&nopLogger{}))
	r.AllowToken([]byte("t"))
	r.Provision([]byte("s1"))

	const (
		pushers   = 4
		perPusher = 250
	)

	stop := make(chan struct{})
	rotated := make(chan struct{})
	go func() {
		defer close(rotated)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := r.Rotate([][]byte{[]byte("s1")})
			assert.NoError(t, err)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < pushers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPusher; i++ {
				msg := ingest.Message[[]byte]{
					Header:  ingest.Header{Token: []byte("t"), ID: []byte("s1"), Timestamp: time.Duration(i)},
					Payload: []byte{byte(i)},
				}
				assert.NoError(t, ingest.Consume[[]byte, segment.Segment](r, msg))
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-rotated

	_, err := r.Rotate([][]byte{[]byte("s1")})
	require.NoError(t, err)

	total := 0
	for _, seg := range store.segments {
		total += seg.Count
	}
	assert.Equal(t, pushers*perPusher, total)
}

func TestRegistry_ConcurrentProvision(t *testing.T) {
	t.Parallel()
	r := New(&flakyStore{})
	r.AllowToken([]byte("t"))
	r.Provision([]byte("s1"))
	push(t, r, "t", "s1", 1)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := r.Provision([]byte("s1"), []byte("s2"))
			mu.Lock()
			added += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, added)
	s1, ok := r.Finder().Get([]byte("s1"))
	require.True(t, ok)
	assert.Equal(t, 1, s1.(*segment.Stream).Len())
}

func TestRegistry_SessionFlow(t *testing.T) {
	t.Parallel()
	store := &flakyStore{}
	r := New(store)
	r.AllowToken([]byte("t"))
	r.Provision([]byte("s1"), []byte("s2"))

	var data []byte
	for _, id := range []string{"s1", "s2", "s1", "s3"} {
		h := ingest.Header{Token: []byte("t"), ID: []byte(id), Timestamp: time.Second}
		data = ingest.AppendFrame(data, h, []byte(id))
	}
	bad := ingest.Header{Token: []byte("eve"), ID: []byte("s2")}
	data = ingest.AppendFrame(data, bad, nil)

	session := ingest.NewSession[[]byte, segment.Segment](r, bytes.NewReader(data), ingest.Raw{})
	ids := session.IDsToExtract()
	assert.Equal(t, [][]byte{[]byte("s1"), []byte("s2")}, ids)

	stored, err := r.Rotate(ids)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	counts := map[string]int{}
	for _, seg := range store.segments {
		counts[string(seg.StreamID)] = seg.Count
	}
	assert.Equal(t, map[string]int{"s1": 2, "s2": 1}, counts)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
