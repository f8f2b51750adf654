package model

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/classifiers"
	"github.com/hed1ad/hivesense/pkg/classifiers/forest"
	"github.com/hed1ad/hivesense/pkg/hive"
)

// Holder is a process-wide classifier resource. It serves the loaded model,
// or the fallback until a model has been loaded, and swaps models atomically
// on Reload. Readers never observe a partially loaded model.
type Holder struct {
	current  atomic.Pointer[active]
	loader   Loader
	fallback classifiers.Classifier
	logger   *zap.Logger
}

type active struct {
	classifiers.Classifier
}

// NewHolder creates a holder serving fallback until Reload succeeds.
func NewHolder(loader Loader, fallback classifiers.Classifier, logger *zap.Logger) *Holder {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Holder{
		loader:   loader,
		fallback: fallback,
		logger:   logger,
	}
	h.current.Store(&active{fallback})
	return h
}

// Reload fetches and installs the model. On failure the previously active
// classifier stays in place and an ErrModelUnavailable error is returned.
func (h *Holder) Reload(ctx context.Context) error {
	data, err := h.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", hive.ErrModelUnavailable, err)
	}
	f, err := forest.Parse(data)
	if err != nil {
		return fmt.Errorf("%w: %v", hive.ErrModelUnavailable, err)
	}

	if h.fallback != nil && f.InputSize() != h.fallback.InputSize() {
		h.logger.Error("model input size differs from feature schema; predictions will be rejected",
			zap.String("source", h.loader.Source()),
			zap.Int("model_inputs", f.InputSize()),
			zap.Int("schema_features", h.fallback.InputSize()))
	}

	h.current.Store(&active{f})
	h.logger.Info("model loaded",
		zap.String("source", h.loader.Source()),
		zap.Int("trees", f.Trees()),
		zap.Int("inputs", f.InputSize()))

	return nil
}

// Active returns the classifier currently serving predictions.
func (h *Holder) Active() classifiers.Classifier {
	return h.current.Load().Classifier
}

// Predict delegates to the active classifier.
func (h *Holder) Predict(features hive.FeatureVector) (hive.ClassificationResult, error) {
	return h.Active().Predict(features)
}

// InputSize delegates to the active classifier.
func (h *Holder) InputSize() int {
	return h.Active().InputSize()
}

// Name delegates to the active classifier.
func (h *Holder) Name() string {
	return h.Active().Name()
}

// Watch reloads the model whenever the file at path is written or replaced.
// It blocks until ctx is done.
func (h *Holder) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so atomic renames over the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := h.Reload(ctx); err != nil {
				h.logger.Warn("model reload failed, keeping active model",
					zap.String("source", h.loader.Source()),
					zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("model watcher error", zap.Error(err))
		}
	}
}

// Select builds the classifier named by strategy. The model strategy loads the
// model once; if it is unavailable the rule-based fallback serves instead.
func Select(ctx context.Context, strategy string, loader Loader, fallback classifiers.Classifier, logger *zap.Logger) (classifiers.Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strategy {
	case classifiers.StrategyRules:
		return fallback, nil
	case classifiers.StrategyModel:
		if loader == nil {
			return nil, errors.New("model strategy requires a model store")
		}
		h := NewHolder(loader, fallback, logger)
		if err := h.Reload(ctx); err != nil {
			logger.Warn("model unavailable, falling back to rule-based classifier",
				zap.String("source", loader.Source()),
				zap.Error(err))
		}
		return h, nil
	default:
		return nil, fmt.Errorf("unknown classifier strategy %q", strategy)
	}
}
