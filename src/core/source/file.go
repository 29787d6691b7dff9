package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cnaize/geofw/src/types"
)

var _ Source = (*File)(nil)

// File reads databases kept up to date by an external tool.
type File struct {
	paths map[Kind]string
}

func NewFile(paths map[Kind]string) *File {
	return &File{
		paths: paths,
	}
}

func (s *File) Name() string {
	return "file"
}

func (s *File) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.paths))
	for kind := range s.paths {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	return kinds
}

func (s *File) Fetch(ctx context.Context, kind Kind) ([]byte, error) {
	path, ok := s.paths[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no %s file configured", types.ErrFetch, kind)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrFetch, err)
	}

	return data, nil
}

// Watch calls trigger once the files settled after a change. The parent
// directories are watched so atomic replaces are seen too.
func (s *File) Watch(ctx context.Context, settle time.Duration, trigger func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	names := make(map[string]struct{}, len(s.paths))
	for _, path := range s.paths {
		path = filepath.Clean(path)
		names[path] = struct{}{}

		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
		}
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(settle)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, ok := names[filepath.Clean(event.Name)]; !ok {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(settle)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-timer.C:
				trigger()
			}
		}
	}()

	return nil
}
