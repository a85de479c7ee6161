// Command sender writes a few CBOR-encoded readings to an ingestd daemon.
package main

import (
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Zereker/ingest"
	"github.com/Zereker/ingest/codec"
)

type reading struct {
	Sensor string  `cbor:"sensor"`
	Value  float64 `cbor:"value"`
}

func main() {
	addr := pflag.String("addr", "127.0.0.1:7070", "daemon address")
	token := pflag.String("token", "", "access token")
	id := pflag.String("id", "s1", "stream id")
	count := pflag.Int("count", 10, "number of readings to send")
	pflag.Parse()

	tcpAddr, err := net.ResolveTCPAddr("tcp", *addr)
	if err != nil {
		slog.Error("resolve address", "error", err)
		os.Exit(1)
	}

	conn, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		slog.Error("dial", "addr", tcpAddr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	start := time.Now()
	for i := 0; i < *count; i++ {
		payload, err := codec.Marshal(reading{Sensor: "temperature", Value: 20 + float64(i)/10})
		if err != nil {
			slog.Error("encode reading", "error", err)
			return
		}

		h := ingest.Header{
			Token:     []byte(*token),
			ID:        []byte(*id),
			Timestamp: time.Duration(time.Since(start).Milliseconds()) * time.Millisecond,
		}
		if err := ingest.WriteFrame(conn, h, payload); err != nil {
			slog.Error("send", "error", err)
			return
		}
	}

	// Half-close so the daemon sees a clean end of input and rotates the
	// stream.
	if err := conn.CloseWrite(); err != nil {
		slog.Error("close write", "error", err)
		return
	}
	slog.Info("sent readings", "addr", tcpAddr, "id", *id, "count", *count)
}
