package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/ingest"
	"github.com/Zereker/ingest/codec"
	"github.com/Zereker/ingest/internal/config"
	"github.com/Zereker/ingest/registry"
	"github.com/Zereker/ingest/segment"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Compression = segment.CompressionLZ4
	cfg.ShutdownTimeout = time.Second
	cfg.TokenHashes = []string{registry.HashToken([]byte("secret"))}
	cfg.Streams = []string{"s1", "s2"}
	require.NoError(t, cfg.Validate())
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	d, err := newDaemon(cfg, newLogger(io.Discard, slog.LevelDebug))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.run(ctx)
	}()
	return d, cancel, done
}

func send(t *testing.T, d *daemon, token string, frames ...ingest.Header) {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, d.listener.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer conn.Close()

	for _, h := range frames {
		h.Token = []byte(token)
		require.NoError(t, ingest.WriteFrame(conn, h, h.ID))
	}
	require.NoError(t, conn.CloseWrite())

	// Wait for the daemon to close its side.
	_, _ = io.Copy(io.Discard, conn)
}

func TestDaemon_RotatesOnDisconnect(t *testing.T) {
	d, cancel, done := startDaemon(t, testConfig(t))
	defer cancel()

	send(t, d, "secret",
		ingest.Header{ID: []byte("s1"), Timestamp: time.Second},
		ingest.Header{ID: []byte("unknown"), Timestamp: time.Second},
		ingest.Header{ID: []byte("s1"), Timestamp: 2 * time.Second},
	)

	require.Eventually(t, func() bool {
		segments, err := d.archive.List([]byte("s1"))
		return err == nil && len(segments) == 1
	}, 5*time.Second, 10*time.Millisecond)

	segments, err := d.archive.List([]byte("s1"))
	require.NoError(t, err)
	assert.Equal(t, 2, segments[0].Count)
	assert.Equal(t, time.Second, segments[0].First)
	assert.Equal(t, 2*time.Second, segments[0].Last)

	observations, err := segment.Decode(segments[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("s1"), observations[0].Payload)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for daemon to stop")
	}
}

func TestDaemon_InvalidTokenDisconnects(t *testing.T) {
	d, cancel, done := startDaemon(t, testConfig(t))

	conn, err := net.DialTCP("tcp", nil, d.listener.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer conn.Close()

	// The daemon may reset the connection before the client finishes, so
	// write errors are expected.
	_ = ingest.WriteFrame(conn, ingest.Header{Token: []byte("wrong"), ID: []byte("s1")}, nil)
	_ = ingest.WriteFrame(conn, ingest.Header{Token: []byte("wrong"), ID: []byte("s2")}, nil)
	_, _ = io.Copy(io.Discard, conn)

	cancel()
	require.NoError(t, <-done)

	s1, ok := d.registry.Finder().Get([]byte("s1"))
	require.True(t, ok)
	assert.Zero(t, s1.(*segment.Stream).Len())
}

func TestDaemon_FinalRotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = t.TempDir()
	d, cancel, done := startDaemon(t, cfg)

	// The connection stays open, so only shutdown rotates s2.
	conn, err := net.DialTCP("tcp", nil, d.listener.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer conn.Close()
	h := ingest.Header{Token: []byte("secret"), ID: []byte("s2")}
	require.NoError(t, ingest.WriteFrame(conn, h, []byte("x")))

	require.Eventually(t, func() bool {
		s2, _ := d.registry.Finder().Get([]byte("s2"))
		return s2.(*segment.Stream).Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Reopen the persisted archive.
	d2, err := newDaemon(cfg, newLogger(io.Discard, slog.LevelInfo))
	require.NoError(t, err)
	defer d2.archive.Close()
	defer d2.listener.Close()

	segments, err := d2.archive.List([]byte("s2"))
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

func TestDaemon_CBORPayloads(t *testing.T) {
	cfg := testConfig(t)
	cfg.Payload = config.PayloadCBOR
	d, cancel, done := startDaemon(t, cfg)

	valid, err := codec.Marshal(map[string]any{"temp": 21.5})
	require.NoError(t, err)

	conn, err := net.DialTCP("tcp", nil, d.listener.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer conn.Close()

	h := ingest.Header{Token: []byte("secret"), ID: []byte("s1"), Timestamp: time.Second}
	require.NoError(t, ingest.WriteFrame(conn, h, []byte{0xff, 0x00}))
	require.NoError(t, ingest.WriteFrame(conn, h, valid))
	require.NoError(t, conn.CloseWrite())
	_, _ = io.Copy(io.Discard, conn)

	require.Eventually(t, func() bool {
		segments, err := d.archive.List([]byte("s1"))
		return err == nil && len(segments) == 1
	}, 5*time.Second, 10*time.Millisecond)

	segments, err := d.archive.List([]byte("s1"))
	require.NoError(t, err)
	observations, err := segment.Decode(segments[0])
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, valid, observations[0].Payload)

	cancel()
	require.NoError(t, <-done)
}

func TestPayloadDecoder(t *testing.T) {
	for _, format := range []string{config.PayloadRaw, config.PayloadCBOR, config.PayloadProtobuf} {
		dec, err := payloadDecoder(format)
		require.NoError(t, err, format)
		assert.NotNil(t, dec, format)
	}

	protobuf, err := payloadDecoder(config.PayloadProtobuf)
	require.NoError(t, err)
	_, err = protobuf.DecodePayload([]byte{0x0a, 0x05, 'a'})
	assert.Error(t, err)

	_, err = payloadDecoder("json")
	assert.Error(t, err)
}

func TestNewDaemon_BadTokenHash(t *testing.T) {
	cfg := testConfig(t)
	cfg.TokenHashes = []string{"zz"}

	_, err := newDaemon(cfg, newLogger(io.Discard, slog.LevelInfo))
	assert.Error(t, err)
}

func TestHashTokenCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-token", "secret"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, registry.HashToken([]byte("secret")), strings.TrimSpace(out.String()))
}

func TestServeCommand_RequiresConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve"})

	assert.Error(t, cmd.Execute())
}

func TestServeCommand_InvalidListenOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streams: [s1]\n"), 0o600))

	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "--config", path, "--listen", "no-port"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--listen")
}
