// Package file replays sample uploads from a local directory.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

// Source streams every matching file in a directory in name order. Upload
// names embed their timestamp, so name order is upload order.
type Source struct {
	dir     string
	pattern string
	logger  *zap.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithPattern sets the glob matched against file names. Defaults to *.json.
func WithPattern(pattern string) Option {
	return func(s *Source) {
		s.pattern = pattern
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// New creates a directory source.
func New(dir string, opts ...Option) (*Source, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	s := &Source{dir: dir, pattern: "*.json", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := filepath.Match(s.pattern, ""); err != nil {
		return nil, fmt.Errorf("pattern %q: %w", s.pattern, err)
	}
	return s, nil
}

// Files lists the matching files in replay order.
func (s *Source) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(s.pattern, e.Name()); ok {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Stream returns a channel of file deliveries. It closes after the last file.
func (s *Source) Stream(ctx context.Context) (<-chan sampleio.Delivery, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	out := make(chan sampleio.Delivery, 16)

	go func() {
		defer close(out)
		for _, path := range files {
			body, err := os.ReadFile(path)
			if err != nil {
				s.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
				continue
			}

			select {
			case out <- sampleio.NewDelivery(filepath.Base(path), body, nil):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close is a no-op.
func (s *Source) Close() error {
	return nil
}
