// Package archive persists extracted segments in a badger key-value store.
package archive

import (
	"cmp"
	"encoding/hex"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/Zereker/ingest/codec"
	"github.com/Zereker/ingest/segment"
)

const keyPrefix = "seg/"

// Archive stores segments keyed by stream id and segment id. It is safe for
// concurrent use.
type Archive struct {
	db *badger.DB
}

// Open opens the archive in dir, creating it if needed. An empty dir opens
// an in-memory archive.
func Open(dir string) (*Archive, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %q", dir)
	}
	return &Archive{db: db}, nil
}

func streamPrefix(streamID []byte) []byte {
	return []byte(keyPrefix + hex.EncodeToString(streamID) + "/")
}

func segmentKey(seg segment.Segment) []byte {
	return append(streamPrefix(seg.StreamID), seg.ID.String()...)
}

// Put stores seg. Storing a segment with the same stream and segment id
// again overwrites it.
func (a *Archive) Put(seg segment.Segment) error {
	value, err := codec.Marshal(seg)
	if err != nil {
		return errors.Wrap(err, "encode segment")
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(segmentKey(seg), value)
	})
	return errors.Wrapf(err, "put segment %s", seg.ID)
}

// List returns the segments of streamID ordered by their first timestamp.
func (a *Archive) List(streamID []byte) ([]segment.Segment, error) {
	prefix := streamPrefix(streamID)

	var segments []segment.Segment
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var seg segment.Segment
				if err := codec.Unmarshal(v, &seg); err != nil {
					return errors.Wrapf(err, "decode segment %s", it.Item().Key())
				}
				segments = append(segments, seg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list segments of %x", streamID)
	}

	slices.SortFunc(segments, func(a, b segment.Segment) int {
		if c := cmp.Compare(a.First, b.First); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return segments, nil
}

// Close flushes and closes the store.
func (a *Archive) Close() error {
	return a.db.Close()
}
