// Package compress turns closed segment files into compressed artifacts.
//
// Compression runs off the ingestion path: the Worker accepts closed
// segments, compresses each one in its own task and deletes the original
// only after the artifact has been completely written and renamed into
// place.
package compress

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var ErrUnknownCodec = errors.New("unknown compression codec")

// Codec is a streaming compression format with a fixed file suffix.
type Codec struct {
	Name   string
	Suffix string
	// NewWriter wraps w. Closing the returned writer flushes the stream but
	// must not close w.
	NewWriter func(w io.Writer) (io.WriteCloser, error)
}

// DefaultCodec matches the historical "gzip -9" artifacts.
const DefaultCodec = "gzip"

var codecs = map[string]Codec{
	"gzip": {
		Name:   "gzip",
		Suffix: ".gz",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, gzip.BestCompression)
		},
	},
	"zstd": {
		Name:   "zstd",
		Suffix: ".zst",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w,
				zstd.WithEncoderLevel(zstd.SpeedBestCompression),
				zstd.WithEncoderConcurrency(1),
			)
		},
	},
	"lz4": {
		Name:   "lz4",
		Suffix: ".lz4",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			zw := lz4.NewWriter(w)
			if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
				return nil, err
			}
			return zw, nil
		},
	},
	"snappy": {
		Name:   "snappy",
		Suffix: ".sz",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return snappy.NewBufferedWriter(w), nil
		},
	},
}

// Lookup returns the codec registered under name (case-insensitive).
func Lookup(name string) (Codec, error) {
	c, ok := codecs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Codec{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownCodec, name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
