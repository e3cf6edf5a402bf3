// Package storage moves finished recordings into the user-visible library.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
)

// ErrInvalidContainer is returned when a finished file is not a readable MP4.
var ErrInvalidContainer = errors.New("storage: invalid mp4 container")

// Config configures a Library.
type Config struct {
	Dir      string
	Subdir   string
	Attempts uint
	Delay    time.Duration
	// Validate parses the container before delivering it.
	Validate bool
}

// Library delivers files into Dir/Subdir.
type Library struct {
	cfg  Config
	root string

	delivered atomic.Uint64
	retries   atomic.Uint64
	rejected  atomic.Uint64
}

// LibraryStats reports delivery counters.
type LibraryStats struct {
	Root      string `json:"root"`
	Delivered uint64 `json:"delivered"`
	Retries   uint64 `json:"retries"`
	Rejected  uint64 `json:"rejected"`
}

// Info summarizes an MP4 file.
type Info struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Tracks     int    `json:"tracks"`
	Fragmented bool   `json:"fragmented"`
	Fragments  int    `json:"fragments"`
}

// NewLibrary creates the library directory if needed.
func NewLibrary(cfg Config) (*Library, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage: library dir is required")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}

	root := filepath.Join(cfg.Dir, cfg.Subdir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create library dir: %w", err)
	}
	return &Library{cfg: cfg, root: root}, nil
}

// Root returns the directory files are delivered to.
func (l *Library) Root() string { return l.root }

// Deliver moves path into the library and returns the destination. The source
// is removed once the destination is complete.
func (l *Library) Deliver(ctx context.Context, path string) (string, error) {
	if l.cfg.Validate {
		info, err := Inspect(path)
		if err != nil {
			l.rejected.Add(1)
			return "", err
		}
		slog.Debug("storage: container validated",
			"path", path,
			"size", humanize.Bytes(uint64(info.Size)),
			"tracks", info.Tracks,
			"fragments", info.Fragments,
		)
	}

	dest := filepath.Join(l.root, filepath.Base(path))

	dest, err := retry.DoWithData(
		func() (string, error) { return dest, move(path, dest) },
		retry.Attempts(l.cfg.Attempts),
		retry.Delay(l.cfg.Delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.retries.Add(1)
			slog.Warn("storage: retrying delivery", "attempt", n+1, "path", path, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("storage: deliver %s: %w", path, err)
	}

	l.delivered.Add(1)
	slog.Info("storage: recording delivered", "path", dest)
	return dest, nil
}

// Stats returns counters.
func (l *Library) Stats() LibraryStats {
	return LibraryStats{
		Root:      l.root,
		Delivered: l.delivered.Load(),
		Retries:   l.retries.Load(),
		Rejected:  l.rejected.Load(),
	}
}

// Inspect parses path as MP4 and requires at least one track.
func Inspect(path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("storage: inspect: %w", err)
	}
	if st.Size() == 0 {
		return Info{}, fmt.Errorf("%w: %s is empty", ErrInvalidContainer, path)
	}

	f, err := mp4.ReadMP4File(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}

	moov := f.Moov
	if moov == nil && f.Init != nil {
		moov = f.Init.Moov
	}
	if moov == nil || len(moov.Traks) == 0 {
		return Info{}, fmt.Errorf("%w: %s has no tracks", ErrInvalidContainer, path)
	}

	info := Info{
		Path:       path,
		Size:       st.Size(),
		Tracks:     len(moov.Traks),
		Fragmented: f.IsFragmented(),
	}
	for _, seg := range f.Segments {
		info.Fragments += len(seg.Fragments)
	}
	return info, nil
}

// move renames src to dst, copying across filesystems.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return retry.Unrecoverable(err)
		}
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
