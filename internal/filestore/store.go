package filestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotExist reports a missing original, manifest or segment.
	ErrNotExist = errors.New("filestore: file does not exist")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("filestore: upload exceeds size limit")
	// ErrOutsideRoot guards removals of paths that do not belong to the store.
	ErrOutsideRoot = errors.New("filestore: path outside managed root")
)

const (
	ManifestName = "manifest.mpd"
	// InitTemplate and MediaTemplate are the DASH muxer file name templates.
	InitTemplate  = "init-stream$RepresentationID$.m4s"
	MediaTemplate = "chunk-stream$RepresentationID$-$Number%05d$.m4s"

	maxCollisionSuffix = 1000
)

var (
	segmentNamePattern = regexp.MustCompile(`^(init-stream\d+\.m4s|chunk-stream\d+-\d+\.m4s)$`)
	videoIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// IsSegmentName reports whether name matches the init or media segment pattern.
func IsSegmentName(name string) bool {
	return segmentNamePattern.MatchString(name)
}

type Config struct {
	VideoRoot   string
	SegmentRoot string
	// MaxUploadBytes caps a single original; zero disables the limit.
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Store manages originals and segment directories beneath two roots.
type Store struct {
	videoRoot   string
	segmentRoot string
	maxBytes    int64
	logger      *slog.Logger
}

// Original describes a durably written upload.
type Original struct {
	Name     string
	Path     string
	Size     int64
	Checksum string
}

// New resolves both roots to absolute paths and creates them when missing.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.VideoRoot) == "" {
		return nil, fmt.Errorf("video root is required")
	}
	if strings.TrimSpace(cfg.SegmentRoot) == "" {
		return nil, fmt.Errorf("segment root is required")
	}
	videoRoot, err := filepath.Abs(cfg.VideoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve video root: %w", err)
	}
	segmentRoot, err := filepath.Abs(cfg.SegmentRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve segment root: %w", err)
	}
	for _, dir := range []string{videoRoot, segmentRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		videoRoot:   videoRoot,
		segmentRoot: segmentRoot,
		maxBytes:    cfg.MaxUploadBytes,
		logger:      logger,
	}, nil
}

func (s *Store) VideoRoot() string   { return s.videoRoot }
func (s *Store) SegmentRoot() string { return s.segmentRoot }

// SegmentDir returns {segmentRoot}/{id}.
func (s *Store) SegmentDir(id string) (string, error) {
	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: video id %q", ErrInvalidName, id)
	}
	return filepath.Join(s.segmentRoot, id), nil
}

// ManifestPath returns {segmentRoot}/{id}/manifest.mpd.
func (s *Store) ManifestPath(id string) (string, error) {
	dir, err := s.SegmentDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ManifestName), nil
}

// SegmentPath resolves an init or media segment for id. Names that do not
// match the segment pattern are rejected with ErrInvalidName.
func (s *Store) SegmentPath(id, name string) (string, error) {
	if !IsSegmentName(name) {
		return "", fmt.Errorf("%w: segment %q", ErrInvalidName, name)
	}
	dir, err := s.SegmentDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// PrepareSegmentDir removes any previous output for id and recreates an empty
// directory.
func (s *Store) PrepareSegmentDir(id string) (string, error) {
	dir, err := s.SegmentDir(id)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear segment dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create segment dir: %w", err)
	}
	return dir, nil
}

// RemoveSegments deletes the segment directory for id. A missing directory is
// not an error.
func (s *Store) RemoveSegments(id string) error {
	dir, err := s.SegmentDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove segments for %s: %w", id, err)
	}
	return nil
}

// RemoveOriginal deletes a stored original. A missing file is not an error.
func (s *Store) RemoveOriginal(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve original path: %w", err)
	}
	if filepath.Dir(abs) != s.videoRoot {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove original: %w", err)
	}
	return nil
}

// Open opens a managed file for reading and returns its size. Missing files
// and directories map to ErrNotExist.
func (s *Store) Open(path string) (*os.File, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, filepath.Base(path))
		}
		return nil, 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, filepath.Base(path))
	}
	return file, info.Size(), nil
}

// WriteOriginal streams r into the video root under the sanitized name. Bytes
// land in a temporary file that is synced and then linked into place, so a
// reader never observes a partial original. An existing file with the same
// name is kept and the new upload receives a -1, -2, ... suffix.
func (s *Store) WriteOriginal(ctx context.Context, name string, r io.Reader) (Original, error) {
	clean, err := SanitizeFileName(name)
	if err != nil {
		return Original{}, err
	}

	tmp, err := os.CreateTemp(s.videoRoot, ".upload-*.tmp")
	if err != nil {
		return Original{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return Original{}, fmt.Errorf("init digest: %w", err)
	}
	src := io.Reader(&contextReader{ctx: ctx, r: r})
	if s.maxBytes > 0 {
		src = io.LimitReader(src, s.maxBytes+1)
	}
	size, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		return Original{}, fmt.Errorf("write original: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return Original{}, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err := tmp.Sync(); err != nil {
		return Original{}, fmt.Errorf("sync original: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Original{}, fmt.Errorf("close original: %w", err)
	}

	finalName, finalPath, err := s.place(tmpName, clean)
	if err != nil {
		return Original{}, err
	}
	committed = true
	syncDir(s.videoRoot)

	return Original{
		Name:     finalName,
		Path:     finalPath,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// place moves tmpName to the first free candidate name. os.Link refuses to
// replace an existing file, which makes the reservation race free.
func (s *Store) place(tmpName, clean string) (string, string, error) {
	ext := filepath.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)
	for i := 0; i < maxCollisionSuffix; i++ {
		candidate := clean
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		target := filepath.Join(s.videoRoot, candidate)
		err := os.Link(tmpName, target)
		if err == nil {
			os.Remove(tmpName)
			return candidate, target, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		// Filesystems without hard links fall back to a checked rename.
		if _, statErr := os.Lstat(target); statErr == nil {
			continue
		}
		if err := os.Rename(tmpName, target); err != nil {
			return "", "", fmt.Errorf("commit original: %w", err)
		}
		return candidate, target, nil
	}
	os.Remove(tmpName)
	return "", "", fmt.Errorf("commit original: too many files named %q", clean)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
