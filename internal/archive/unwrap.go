// Package archive expands checkpoint containers into the pickle streams
// they carry.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnsupportedMember marks an archive member that does not hold a stream
	ErrUnsupportedMember = errors.New("unsupported archive member")
	// ErrLimitExceeded marks content larger than the configured bounds
	ErrLimitExceeded = errors.New("limit exceeded")
)

// Format tags where a stream came from
type Format string

const (
	FormatStream    Format = "stream"
	FormatZipMember Format = "zip-member"
	FormatTarMember Format = "tar-member"
)

// Stream is one serialized object graph ready for decoding
type Stream struct {
	Origin string
	Data   []byte
	Format Format
	// Wrappers lists the compression layers removed, outermost first
	Wrappers []string
	// Skipped is set when a stream was found but not extracted, and says
	// which bound stopped it. Data is then empty or still compressed.
	Skipped string
}

// Analyzable reports whether the stream holds extracted content
func (s Stream) Analyzable() bool {
	return s.Skipped == ""
}

// Options bounds how much an archive may expand to
type Options struct {
	MaxEntries     int
	MaxMemberBytes int64
	MaxTotalBytes  int64
	MaxDepth       int
}

// DefaultOptions returns the limits used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxEntries:     2048,
		MaxMemberBytes: 64 << 20,
		MaxTotalBytes:  512 << 20,
		MaxDepth:       2,
	}
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
	zstdMagic     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	tarMagic      = []byte("ustar")
)

var streamSuffixes = []string{".pkl", ".pickle", ".joblib", ".dill"}

// Unwrapper expands artifacts into streams
type Unwrapper struct {
	opts   Options
	logger *slog.Logger
}

// NewUnwrapper creates an unwrapper; zero option fields take defaults
func NewUnwrapper(opts Options, logger *slog.Logger) *Unwrapper {
	def := DefaultOptions()
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.MaxMemberBytes <= 0 {
		opts.MaxMemberBytes = def.MaxMemberBytes
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = def.MaxTotalBytes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	return &Unwrapper{opts: opts, logger: logger}
}

// Unwrap reads the artifact at path. Only an unreadable file is an error;
// anything that is not a recognised container becomes a single stream.
func (u *Unwrapper) Unwrap(p string) ([]Stream, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return u.UnwrapBytes(filepath.Base(p), data), nil
}

// UnwrapBytes expands an in-memory artifact named name
func (u *Unwrapper) UnwrapBytes(name string, data []byte) []Stream {
	return u.unwrap(name, data, 0, nil)
}

func (u *Unwrapper) unwrap(name string, data []byte, depth int, wrappers []string) []Stream {
	single := []Stream{{Origin: name, Data: data, Format: FormatStream, Wrappers: wrappers}}

	switch {
	case bytes.HasPrefix(data, zipMagic) || bytes.HasPrefix(data, zipEmptyMagic):
		streams, err := u.fromZip(data, wrappers)
		if err != nil {
			u.logger.Info("Not a readable zip container, scanning as one stream", "artifact", name, "error", err)
			return single
		}
		return streams

	case bytes.HasPrefix(data, gzipMagic), bytes.HasPrefix(data, zstdMagic):
		if depth >= u.opts.MaxDepth {
			u.logger.Warn("Compression nesting limit reached", "artifact", name, "depth", depth)
			single[0].Skipped = fmt.Sprintf("compression nested deeper than %d layers", u.opts.MaxDepth)
			return single
		}
		kind, inner, err := u.decompress(data)
		if errors.Is(err, ErrLimitExceeded) {
			u.logger.Warn("Compressed wrapper exceeds size limit", "artifact", name, "error", err)
			single[0].Skipped = fmt.Sprintf("decompressed size exceeds %d bytes", u.opts.MaxTotalBytes)
			return single
		}
		if err != nil {
			u.logger.Info("Compressed wrapper unreadable, scanning as one stream", "artifact", name, "error", err)
			return single
		}
		return u.unwrap(stripCompressionSuffix(name), inner, depth+1, append(append([]string(nil), wrappers...), kind))

	case isTar(data):
		streams, err := u.fromTar(data, wrappers)
		if err != nil {
			u.logger.Info("Not a readable tar container, scanning as one stream", "artifact", name, "error", err)
			return single
		}
		return streams
	}
	return single
}

// budget tracks how much of an archive has been extracted. Every supported
// member past a bound still yields a skipped stream.
type budget struct {
	opts    Options
	entries int
	total   int64
	full    bool
}

// admit decides whether a member of the given declared size may be read.
// The returned reason is empty when it may.
func (b *budget) admit(size int64) string {
	b.entries++
	switch {
	case b.entries > b.opts.MaxEntries:
		return fmt.Sprintf("archive holds more than %d entries", b.opts.MaxEntries)
	case b.full:
		return fmt.Sprintf("archive expands past %d bytes", b.opts.MaxTotalBytes)
	case size > b.opts.MaxMemberBytes:
		return fmt.Sprintf("member size %d exceeds %d bytes", size, b.opts.MaxMemberBytes)
	}
	return ""
}

// consume charges n extracted bytes and reports the reason when that
// overruns the total bound
func (b *budget) consume(n int64) string {
	b.total += n
	if b.total > b.opts.MaxTotalBytes {
		b.full = true
		return fmt.Sprintf("archive expands past %d bytes", b.opts.MaxTotalBytes)
	}
	return ""
}

func (u *Unwrapper) extract(name string, size int64, open func() (io.ReadCloser, error), b *budget, format Format, wrappers []string) Stream {
	stream := Stream{Origin: name, Format: format, Wrappers: wrappers}
	if reason := b.admit(size); reason != "" {
		u.logger.Warn("Archive member not extracted", "member", name, "reason", reason)
		stream.Skipped = reason
		return stream
	}
	rc, err := open()
	if err != nil {
		u.logger.Warn("Archive member unreadable", "member", name, "error", err)
		stream.Skipped = "member unreadable"
		return stream
	}
	body, err := readBounded(rc, u.opts.MaxMemberBytes)
	rc.Close()
	switch {
	case errors.Is(err, ErrLimitExceeded):
		u.logger.Warn("Archive member exceeds size limit", "member", name, "declared", size)
		stream.Skipped = fmt.Sprintf("member size exceeds %d bytes", u.opts.MaxMemberBytes)
		return stream
	case err != nil:
		u.logger.Warn("Archive member unreadable", "member", name, "error", err)
		stream.Skipped = "member unreadable"
		return stream
	}
	if reason := b.consume(int64(len(body))); reason != "" {
		u.logger.Warn("Archive total size limit reached", "member", name, "limit", u.opts.MaxTotalBytes)
		stream.Skipped = reason
		return stream
	}
	stream.Data = body
	return stream
}

func (u *Unwrapper) fromZip(data []byte, wrappers []string) ([]Stream, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var (
		streams []Stream
		skipped int
		b       = &budget{opts: u.opts}
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := selectMember(f.Name); err != nil {
			u.logger.Debug("Skipping archive member", "member", f.Name, "reason", err)
			b.entries++
			continue
		}
		size := int64(f.UncompressedSize64)
		if f.UncompressedSize64 > uint64(u.opts.MaxMemberBytes) {
			size = u.opts.MaxMemberBytes + 1
		}
		stream := u.extract(f.Name, size, f.Open, b, FormatZipMember, wrappers)
		if !stream.Analyzable() {
			skipped++
		}
		streams = append(streams, stream)
	}
	if len(streams) == 0 {
		u.logger.Warn("Zip container holds no serialized streams", "entries", len(zr.File))
	}
	if skipped > 0 {
		u.logger.Warn("Archive members left unextracted", "count", skipped)
	}
	return streams, nil
}

func (u *Unwrapper) fromTar(data []byte, wrappers []string) ([]Stream, error) {
	tr := tar.NewReader(bytes.NewReader(data))

	var (
		streams []Stream
		b       = &budget{opts: u.opts}
	)
	for seen := 0; ; seen++ {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if seen == 0 {
				return nil, err
			}
			u.logger.Warn("Tar container truncated", "error", err)
			break
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if err := selectMember(header.Name); err != nil {
			u.logger.Debug("Skipping archive member", "member", header.Name, "reason", err)
			b.entries++
			continue
		}
		open := func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }
		stream := u.extract(header.Name, header.Size, open, b, FormatTarMember, wrappers)
		streams = append(streams, stream)
	}
	return streams, nil
}

func (u *Unwrapper) decompress(data []byte) (string, []byte, error) {
	var (
		kind string
		r    io.Reader
	)
	if bytes.HasPrefix(data, gzipMagic) {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return "", nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		kind, r = "gzip", gz
	} else {
		zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderMaxMemory(uint64(u.opts.MaxTotalBytes)))
		if err != nil {
			return "", nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		kind, r = "zstd", zr
	}
	out, err := readBounded(r, u.opts.MaxTotalBytes)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		err = fmt.Errorf("%w: %v", ErrLimitExceeded, err)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", kind, err)
	}
	return kind, out, nil
}

// selectMember accepts members that normally hold pickle data
func selectMember(name string) error {
	base := path.Base(name)
	if base == "data.pkl" || base == "pickle" {
		return nil
	}
	lower := strings.ToLower(base)
	for _, suffix := range streamSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedMember, name)
}

func readBounded(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrLimitExceeded, limit)
	}
	return body, nil
}

func isTar(data []byte) bool {
	return len(data) >= 262 && bytes.Equal(data[257:262], tarMagic)
}

func stripCompressionSuffix(name string) string {
	for _, ext := range []string{".gz", ".gzip", ".zst", ".zstd"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
