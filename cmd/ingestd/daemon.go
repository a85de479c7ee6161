package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Zereker/ingest"
	"github.com/Zereker/ingest/archive"
	"github.com/Zereker/ingest/codec"
	"github.com/Zereker/ingest/internal/config"
	"github.com/Zereker/ingest/registry"
	"github.com/Zereker/ingest/segment"
)

// daemon serves one listener. Every connection feeds the shared registry;
// when a connection ends, the streams it wrote to are rotated into the
// archive.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	archive  *archive.Archive
	registry *registry.Registry
	decoder  ingest.PayloadDecoder[[]byte]
	listener *ingest.Listener
}

// payloadDecoder returns the decoder for a configured payload format.
// Checked decoders keep the raw bytes, so segments always hold payloads as
// they were sent.
func payloadDecoder(format string) (ingest.PayloadDecoder[[]byte], error) {
	switch format {
	case config.PayloadRaw:
		return ingest.Raw{}, nil
	case config.PayloadCBOR:
		return codec.Checked[any](codec.CBOR[any]{}), nil
	case config.PayloadProtobuf:
		return codec.Checked[*structpb.Struct](codec.NewProto(func() *structpb.Struct { return new(structpb.Struct) })), nil
	default:
		return nil, errors.Errorf("unknown payload format %q", format)
	}
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Listen)
	if err != nil {
		return nil, errors.Wrap(err, "resolve listen address")
	}

	decoder, err := payloadDecoder(cfg.Payload)
	if err != nil {
		return nil, err
	}

	store, err := archive.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	reg := registry.New(store,
		registry.LoggerOption(logger),
		registry.StreamOption(
			segment.CompressionOption(cfg.Compression),
			segment.MaxObservationsOption(cfg.MaxObservations),
		),
	)
	for _, h := range cfg.TokenHashes {
		if err := reg.AllowTokenHash(h); err != nil {
			store.Close()
			return nil, err
		}
	}
	for _, id := range cfg.Streams {
		reg.Provision([]byte(id))
	}

	listener, err := ingest.Listen(addr,
		ingest.ListenerLoggerOption(logger),
		ingest.ListenerShutdownTimeoutOption(cfg.ShutdownTimeout),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &daemon{
		cfg:      cfg,
		logger:   logger,
		archive:  store,
		registry: reg,
		decoder:  decoder,
		listener: listener,
	}, nil
}

// run serves until ctx is canceled, then rotates every stream and closes the
// archive.
func (d *daemon) run(ctx context.Context) error {
	d.logger.Info("ingestd starting",
		"listen", d.listener.Addr(),
		"data_dir", d.cfg.DataDir,
		"streams", d.registry.Finder().Len(),
		"compression", d.cfg.Compression,
		"payload", d.cfg.Payload)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.listener.Serve(ctx, d)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stored, rotateErr := d.registry.Rotate(d.registry.Finder().IDs())
	d.logger.Info("final rotation", "segments", stored, "pending", d.registry.Pending())
	if rotateErr != nil {
		d.logger.Error("final rotation", "error", rotateErr)
	}

	if closeErr := d.archive.Close(); closeErr != nil && err == nil {
		err = errors.Wrap(closeErr, "close archive")
	}
	return err
}

// Handle runs one connection to completion and rotates the streams it
// touched.
func (d *daemon) Handle(ctx context.Context, raw *net.TCPConn) {
	conn, err := ingest.NewConn[[]byte, segment.Segment](raw, d.registry, d.decoder,
		ingest.LoggerOption(d.logger),
		ingest.MessageMaxSize(d.cfg.MaxFrameSize),
		ingest.HeartbeatOption(d.cfg.Heartbeat),
		ingest.OnErrorOption(d.onError),
	)
	if err != nil {
		d.logger.Error("new connection", "addr", raw.RemoteAddr(), "error", err)
		raw.Close()
		return
	}

	_ = conn.Run(ctx)

	ids := conn.IDs()
	if len(ids) == 0 {
		return
	}
	stored, err := d.registry.Rotate(ids)
	if err != nil {
		d.logger.Error("rotate", "addr", conn.Addr(), "error", err)
	}
	d.logger.Debug("rotated", "addr", conn.Addr(), "streams", len(ids), "segments", stored)
}

// onError drops connections presenting an unknown token and skips frames
// that are malformed or address unknown or full streams.
func (d *daemon) onError(err error) ingest.ErrorAction {
	var authErr *ingest.AuthError
	if errors.As(err, &authErr) {
		return ingest.Disconnect
	}
	return ingest.Continue
}
