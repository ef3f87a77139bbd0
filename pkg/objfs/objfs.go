// Package objfs acquires object file bytes from a filesystem. Inputs
// compressed with gzip or zstd are inflated, and the externally stored
// members of thin archives are read relative to the archive.
package objfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/grafana/objfile/pkg/archive"
	"github.com/grafana/objfile/pkg/object"
)

const defaultMaxSize = 4 << 30

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type Option func(*Loader)

func WithLogger(l log.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithMaxSize bounds the size of a decompressed input.
func WithMaxSize(n int64) Option {
	return func(ld *Loader) { ld.maxSize = n }
}

// WithRegisterer registers the loader metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(ld *Loader) { ld.reg = reg }
}

// WithCache keeps the decompressed contents of up to n files in memory, so
// repeated reads of the same path, such as thin archive members shared by
// several archives, hit the filesystem once.
func WithCache(n int) Option {
	return func(ld *Loader) { ld.cacheSize = n }
}

// WithObjectOptions sets the options passed to object.Parse.
func WithObjectOptions(opts ...object.Option) Option {
	return func(ld *Loader) { ld.objectOpts = append(ld.objectOpts, opts...) }
}

type Loader struct {
	fs         afero.Fs
	logger     log.Logger
	reg        prometheus.Registerer
	metrics    *metrics
	maxSize    int64
	cacheSize  int
	cache      *lru.Cache[string, []byte]
	objectOpts []object.Option
}

func New(fs afero.Fs, opts ...Option) *Loader {
	ld := &Loader{fs: fs, logger: log.NewNopLogger(), maxSize: defaultMaxSize}
	for _, o := range opts {
		o(ld)
	}
	ld.metrics = newMetrics(ld.reg)
	if ld.cacheSize > 0 {
		// NewWithEvict only fails on a non-positive size.
		ld.cache, _ = lru.NewWithEvict(ld.cacheSize, func(_ string, data []byte) {
			ld.metrics.cachedBytes.Sub(float64(len(data)))
			ld.metrics.cachedEntries.Dec()
		})
	}
	return ld
}

// NewOS returns a Loader over the host filesystem.
func NewOS(opts ...Option) *Loader {
	return New(afero.NewOsFs(), opts...)
}

// ReadFile returns the contents of path, decompressed when it starts with a
// gzip or zstd header.
func (ld *Loader) ReadFile(path string) ([]byte, error) {
	if ld.cache != nil {
		if data, ok := ld.cache.Get(path); ok {
			ld.metrics.cacheLookups.WithLabelValues("hit").Inc()
			return data, nil
		}
		ld.metrics.cacheLookups.WithLabelValues("miss").Inc()
	}
	data, err := afero.ReadFile(ld.fs, path)
	if err != nil {
		ld.metrics.observeRead("", 0, err)
		return nil, errors.Wrapf(err, "read %s", path)
	}
	out, codec, err := ld.decompress(data)
	ld.metrics.observeRead(codec, len(out), err)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", path)
	}
	if codec != "" {
		level.Debug(ld.logger).Log("msg", "decompressed input", "path", path, "codec", codec, "compressed", len(data), "size", len(out))
	}
	if ld.cache != nil {
		if ok, _ := ld.cache.ContainsOrAdd(path, out); !ok {
			ld.metrics.cachedBytes.Add(float64(len(out)))
			ld.metrics.cachedEntries.Inc()
		}
	}
	return out, nil
}

// decompress inflates data and names the codec used, or returns data
// unchanged with an empty codec.
func (ld *Loader) decompress(data []byte) ([]byte, string, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("create gzip reader: %w", err)
		}
		defer gr.Close()
		out, err := ld.readLimited(gr)
		return out, "gzip", err
	case bytes.HasPrefix(data, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, "", fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		out, err := ld.readLimited(zr)
		return out, "zstd", err
	}
	return data, "", nil
}

func (ld *Loader) readLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, ld.maxSize+1))
	if err != nil {
		return nil, err
	}
	if n > ld.maxSize {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", ld.maxSize)
	}
	return buf.Bytes(), nil
}

// Open reads and parses path.
func (ld *Loader) Open(path string) (*object.File, error) {
	data, err := ld.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := ld.parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return f, nil
}

func (ld *Loader) parse(data []byte) (*object.File, error) {
	kind, _ := object.DetectKind(data)
	f, err := object.Parse(data, ld.parseOptions()...)
	ld.metrics.observeParse(kind.String(), err)
	return f, err
}

func (ld *Loader) parseOptions() []object.Option {
	return append([]object.Option{object.WithLogger(ld.logger)}, ld.objectOpts...)
}

// MemberData returns the bytes of member m of the archive at archivePath.
// Thin archive members are read from their own file, relative to the
// directory of the archive.
func (ld *Loader) MemberData(archivePath string, a *archive.File, m archive.Member) ([]byte, error) {
	if !m.External {
		return a.MemberData(m)
	}
	path := m.Name
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(archivePath), path)
	}
	data, err := ld.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != m.Size {
		level.Debug(ld.logger).Log("msg", "thin archive member changed size", "member", path, "recorded", m.Size, "actual", len(data))
	}
	return data, nil
}

// Member is a parsed archive member.
type Member struct {
	archive.Member
	File *object.File
	Err  error
}

// OpenMembers parses every regular member of the archive at path. A member
// that fails to parse is returned with Err set; the archive itself failing to
// parse is an error.
func (ld *Loader) OpenMembers(path string) ([]Member, error) {
	data, err := ld.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := archive.Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse archive %s", path)
	}
	members, err := a.Members()
	if err != nil {
		level.Debug(ld.logger).Log("msg", "archive member list truncated", "path", path, "err", err)
	}
	res := make([]Member, 0, len(members))
	for _, m := range members {
		pm := Member{Member: m}
		data, err := ld.MemberData(path, a, m)
		if err == nil {
			pm.File, err = ld.parse(data)
		}
		if err != nil {
			pm.Err = errors.Wrapf(err, "member %s", m.Name)
		}
		res = append(res, pm)
	}
	return res, nil
}

// WriteFile stores data at path, creating parent directories.
func (ld *Loader) WriteFile(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := ld.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return errors.Wrapf(afero.WriteFile(ld.fs, path, data, perm), "write %s", path)
}
