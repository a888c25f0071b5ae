// Package local implements the in-process TTS backend: a folder of sbv2
// model archives, a bounded residency cache, and a single inference worker.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/metrics"
	"github.com/sipeed/picovoice/pkg/tts"
)

const (
	ModelExt = ".sbv2"

	// Local models expose a single speaker and style.
	defaultName = "default"
)

type Config struct {
	ModelDir string
	// MaxLoaded caps resident models. Zero means unbounded.
	MaxLoaded int
	// Backlog is the capacity of the worker request queue.
	Backlog int
}

type modelSet struct {
	catalog *tts.Catalog
	paths   map[string]string
}

// Backend is the local tts.Backend.
type Backend struct {
	dir    string
	worker *worker
	models atomic.Pointer[modelSet]
}

func New(engine Engine, cfg Config) (*Backend, error) {
	set, err := scanModels(cfg.ModelDir)
	if err != nil {
		return nil, err
	}

	cache := newResidencyCache(engine, cfg.MaxLoaded)
	cache.onSize = metrics.SetResidentModels

	b := &Backend{dir: cfg.ModelDir, worker: newWorker(cache, cfg.Backlog)}
	b.models.Store(set)

	logger.InfoCF("local", "Local TTS backend ready", map[string]any{
		"model_dir":  cfg.ModelDir,
		"models":     set.catalog.Len(),
		"max_loaded": cfg.MaxLoaded,
	})
	return b, nil
}

// scanModels lists *.sbv2 files in dir. Model identity is the file stem and
// ids follow name order.
func scanModels(dir string) (*modelSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading model folder: %v", tts.ErrModelNotFound, err)
	}

	var names []string
	paths := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ModelExt {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ModelExt)
		names = append(names, name)
		paths[name] = filepath.Join(dir, e.Name())
		logger.DebugCF("local", "Found model", map[string]any{"model": name})
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no %s files in %s", tts.ErrModelNotFound, ModelExt, dir)
	}

	sort.Strings(names)
	one := map[string]int{defaultName: 0}
	models := make([]tts.Model, 0, len(names))
	for i, name := range names {
		models = append(models, tts.NewModel(i, name, one, one))
	}
	return &modelSet{catalog: tts.NewCatalog(models), paths: paths}, nil
}

func (b *Backend) Kind() tts.BackendKind { return tts.Local }

func (b *Backend) Resolve(p tts.Profile, guildDefault string) tts.Voice {
	return b.models.Load().catalog.Resolve(p, guildDefault)
}

func (b *Backend) Models() []tts.Model {
	return b.models.Load().catalog.Models()
}

// Synthesize runs one inference on the worker. The model is loaded first if
// it is not resident.
func (b *Backend) Synthesize(ctx context.Context, text string, v tts.Voice) (tts.Clip, error) {
	path, ok := b.models.Load().paths[v.ModelName]
	if !ok {
		return tts.Clip{}, fmt.Errorf("%w: %s", tts.ErrModelNotFound, v.ModelName)
	}

	var (
		audio  []byte
		jobErr error
	)
	err := b.worker.submit(ctx, func(c *residencyCache) {
		if err := c.ensureLoaded(v.ModelName, path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				jobErr = fmt.Errorf("%w: %v", tts.ErrModelNotFound, err)
			} else {
				jobErr = fmt.Errorf("%w: loading %s: %v", tts.ErrSynthesisFailure, v.ModelName, err)
			}
			return
		}
		out, err := c.engine.Synthesize(v.ModelName, text, SynthesizeOptions{
			SpeakerID:   v.SpeakerID,
			StyleID:     v.StyleID,
			LengthScale: v.Rate,
		})
		if err != nil {
			jobErr = fmt.Errorf("%w: %v", tts.ErrSynthesisFailure, err)
			return
		}
		audio = out
	})
	if err != nil {
		return tts.Clip{}, fmt.Errorf("%w: %v", tts.ErrSynthesisFailure, err)
	}
	if jobErr != nil {
		return tts.Clip{}, jobErr
	}
	return tts.Clip{Audio: audio, Kind: tts.Local}, nil
}

// Reload rescans the model folder and unloads every resident model. A scan
// that finds nothing keeps the current set.
func (b *Backend) Reload(ctx context.Context) error {
	set, err := scanModels(b.dir)
	if err != nil {
		return err
	}
	if err := b.worker.submit(ctx, func(c *residencyCache) { c.unloadAll() }); err != nil {
		return fmt.Errorf("%w: %v", tts.ErrSynthesisFailure, err)
	}
	b.models.Store(set)
	logger.InfoCF("local", "Model folder rescanned", map[string]any{
		"models": set.catalog.Len(),
	})
	return nil
}

// Resident reports the resident models, oldest first.
func (b *Backend) Resident(ctx context.Context) ([]string, error) {
	var out []string
	if err := b.worker.submit(ctx, func(c *residencyCache) { out = c.snapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Close() {
	b.worker.stop()
}
