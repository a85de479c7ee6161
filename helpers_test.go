package ingest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"pgregory.net/rapid"
)

var errBroken = errors.New("broken")

type push struct {
	timestamp time.Duration
	payload   []byte
}

// recordingStream accepts every push and extracts to the number of pushes.
type recordingStream struct {
	pushes    []push
	extracted bool
}

func (s *recordingStream) Push(timestamp time.Duration, payload []byte) error {
	s.pushes = append(s.pushes, push{timestamp: timestamp, payload: bytes.Clone(payload)})
	return nil
}

func (s *recordingStream) Extract() (int, error) {
	s.extracted = true
	return len(s.pushes), nil
}

// brokenStream rejects every push and every extract.
type brokenStream struct {
	attempts int
}

func (s *brokenStream) Push(time.Duration, []byte) error {
	s.attempts++
	return errBroken
}

func (s *brokenStream) Extract() (int, error) {
	s.attempts++
	return 0, errBroken
}

// acceptAll is a server that accepts any token.
func acceptAll(finder *Finder[[]byte, int]) Server[[]byte, int] {
	return AuthFunc[[]byte, int](func([]byte) (*Finder[[]byte, int], error) {
		return finder, nil
	})
}

// refuseAll is a server that rejects every token.
func refuseAll() Server[[]byte, int] {
	return AuthFunc[[]byte, int](func([]byte) (*Finder[[]byte, int], error) {
		return nil, ErrInvalidToken
	})
}

// unreachable is a server that must never be asked to authenticate.
func unreachable(t interface{ Fatalf(string, ...any) }) Server[[]byte, int] {
	return AuthFunc[[]byte, int](func([]byte) (*Finder[[]byte, int], error) {
		t.Fatalf("server should not be reached")
		return nil, nil
	})
}

func be32(n uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, n)
}

func lenPrefixed(b []byte) []byte {
	return append(be32(uint32(len(b))), b...)
}

// packet is one generated message.
type packet struct {
	token   []byte
	id      []byte
	millis  uint64
	payload []byte
}

func (p packet) header() Header {
	return Header{
		Token:     p.token,
		ID:        p.id,
		Timestamp: time.Duration(p.millis) * time.Millisecond,
	}
}

func (p packet) frame() []byte {
	return AppendFrame(nil, p.header(), p.payload)
}

func genPacket(t *rapid.T) packet {
	return packet{
		token:   rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "token"),
		id:      rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "id"),
		millis:  rapid.Uint64Range(0, MaxTimestampMillis).Draw(t, "millis"),
		payload: rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload"),
	}
}
