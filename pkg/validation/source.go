package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/handlerkit/pkg/telemetry"
)

// reloadDelay debounces bursts of file system events.
const reloadDelay = 500 * time.Millisecond

// FileSchemaSource is a SchemaValidator loaded from a file that can follow
// changes to that file.
type FileSchemaSource struct {
	path    string
	current atomic.Pointer[SchemaValidator]
	logger  *telemetry.Logger
}

// NewFileSchemaSource loads the schema at path.
func NewFileSchemaSource(path string, logger *telemetry.Logger) (*FileSchemaSource, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	s := &FileSchemaSource{
		path:   path,
		logger: logger.NewComponentLogger("schema-source").WithField("path", path),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload recompiles the schema. On error the previous schema stays active.
func (s *FileSchemaSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	v, err := NewSchemaValidator(data)
	if err != nil {
		return fmt.Errorf("schema %s: %w", s.path, err)
	}
	s.current.Store(v)
	s.logger.Debug("Schema loaded")
	return nil
}

// Validate implements Validator.
func (s *FileSchemaSource) Validate(ctx context.Context, raw json.RawMessage) error {
	return s.current.Load().Validate(ctx, raw)
}

// Watch reloads the schema whenever the file changes, until ctx is cancelled.
func (s *FileSchemaSource) Watch(ctx context.Context) error {
	target := filepath.Clean(s.path)
	return watch(ctx, filepath.Dir(target), func(name string) bool {
		return filepath.Clean(name) == target
	}, s.Reload, s.logger)
}

// WatchPolicies reloads v from dir whenever a .rego file under it changes,
// until ctx is cancelled.
func WatchPolicies(ctx context.Context, dir string, v *PolicyValidator) error {
	return watch(ctx, dir, func(name string) bool {
		return strings.HasSuffix(name, ".rego")
	}, func() error {
		policies, err := LoadPolicies(dir)
		if err != nil {
			return err
		}
		return v.Load(ctx, policies)
	}, v.logger)
}

// watch calls reload, debounced, for every write, create, or rename of a
// matching file under dir. It returns once the watcher is running.
func watch(ctx context.Context, dir string, match func(string) bool, reload func() error, logger *telemetry.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var reloadTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !match(event.Name) {
					continue
				}
				logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("File changed")

				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDelay, func() {
					if err := reload(); err != nil {
						logger.WithError(err).Error("Failed to reload")
						return
					}
					logger.Info("Reloaded")
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Error("Watcher error")
			}
		}
	}()

	logger.WithField("dir", dir).Debug("Started watching")
	return nil
}
