// Package modelindex maintains a read-only index of Live2D model
// descriptors found under the configured model directory. The index is an
// immutable snapshot behind an atomic pointer; a filesystem watcher rebuilds
// and swaps the snapshot when descriptors change, so readers never block.
package modelindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

// ErrUnknownModel is returned for lookups of a model name the index does
// not contain.
var ErrUnknownModel = errors.New("modelindex: unknown model")

const reloadDebounce = 500 * time.Millisecond

// Expression is one entry of a model's expression list.
type Expression struct {
	Name string `json:"name"`
	File string `json:"file"`
}

// Motion is one motion file within a group.
type Motion struct {
	File string `json:"file"`
}

// Parameter is a cdi3 parameter. PhysicsDriven marks parameters that the
// physics simulation writes to; setting those by hand fights the simulation
// so they are excluded from the settable list.
type Parameter struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	PhysicsDriven bool   `json:"physics_driven,omitempty"`
}

// Model is the parsed descriptor set for one model.
type Model struct {
	Name         string
	Dir          string
	Expressions  []Expression
	MotionGroups map[string][]Motion
	Parameters   []Parameter
}

// SettableParameters returns the parameters a caller may write, excluding
// physics outputs.
func (m *Model) SettableParameters() []Parameter {
	out := make([]Parameter, 0, len(m.Parameters))
	for _, p := range m.Parameters {
		if !p.PhysicsDriven {
			out = append(out, p)
		}
	}
	return out
}

// MotionGroupNames returns the group names, sorted.
func (m *Model) MotionGroupNames() []string {
	names := make([]string, 0, len(m.MotionGroups))
	for name := range m.MotionGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type snapshot struct {
	models map[string]*Model
}

// Index serves model lookups against the current snapshot.
type Index struct {
	log pslog.Logger
	dir string

	current atomic.Pointer[snapshot]
}

// New scans dir once and returns the index. A missing or empty directory is
// not an error; the index is simply empty.
func New(dir string, logger pslog.Logger) (*Index, error) {
	idx := &Index{
		log: svcfields.WithSubsystem(logger, "modelindex"),
		dir: dir,
	}
	snap, err := scan(dir)
	if err != nil {
		return nil, err
	}
	idx.current.Store(snap)
	idx.log.Info("model index built", "dir", dir, "models", len(snap.models))
	return idx, nil
}

// Models returns the indexed model names, sorted.
func (idx *Index) Models() []string {
	snap := idx.current.Load()
	names := make([]string, 0, len(snap.models))
	for name := range snap.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the model descriptor for name.
func (idx *Index) Lookup(name string) (*Model, error) {
	snap := idx.current.Load()
	model, ok := snap.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return model, nil
}

// Reload rescans the model directory and swaps in the fresh snapshot.
func (idx *Index) Reload() error {
	snap, err := scan(idx.dir)
	if err != nil {
		return err
	}
	idx.current.Store(snap)
	idx.log.Info("model index reloaded", "models", len(snap.models))
	return nil
}

// Watch rescans the directory whenever descriptor files change. Events are
// debounced so a burst of writes triggers one rebuild. It blocks until ctx
// is done.
func (idx *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(idx.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(idx.dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				// Best effort, a model dir created later is picked
				// up by the parent watch event.
				_ = watcher.Add(filepath.Join(idx.dir, entry.Name()))
			}
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			if err := idx.Reload(); err != nil {
				idx.log.Warn("model index reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			idx.log.Warn("model watcher error", "error", err)
		}
	}
}

// Descriptor JSON shapes. Only the fields the index needs are declared.

type model3File struct {
	FileReferences struct {
		DisplayInfo string `json:"DisplayInfo"`
		Physics     string `json:"Physics"`
		Expressions []struct {
			Name string `json:"Name"`
			File string `json:"File"`
		} `json:"Expressions"`
		Motions map[string][]struct {
			File string `json:"File"`
		} `json:"Motions"`
	} `json:"FileReferences"`
}

type cdi3File struct {
	Parameters []struct {
		ID      string `json:"Id"`
		GroupID string `json:"GroupId"`
		Name    string `json:"Name"`
	} `json:"Parameters"`
}

type physics3File struct {
	PhysicsSettings []struct {
		Output []struct {
			Destination struct {
				Target string `json:"Target"`
				ID     string `json:"Id"`
			} `json:"Destination"`
		} `json:"Output"`
	} `json:"PhysicsSettings"`
}

func scan(dir string) (*snapshot, error) {
	snap := &snapshot{models: make(map[string]*Model)}
	if dir == "" {
		return snap, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, err
	}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".model3.json") {
			return nil
		}
		model, err := loadModel(path)
		if err != nil {
			// skip malformed descriptors
			return nil
		}
		snap.models[model.Name] = model
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func loadModel(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m3 model3File
	if err := json.Unmarshal(raw, &m3); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	model := &Model{
		Name:         strings.TrimSuffix(filepath.Base(path), ".model3.json"),
		Dir:          dir,
		MotionGroups: make(map[string][]Motion),
	}
	for _, expr := range m3.FileReferences.Expressions {
		model.Expressions = append(model.Expressions, Expression{Name: expr.Name, File: expr.File})
	}
	sort.Slice(model.Expressions, func(i, j int) bool {
		return model.Expressions[i].Name < model.Expressions[j].Name
	})
	for group, motions := range m3.FileReferences.Motions {
		for _, motion := range motions {
			model.MotionGroups[group] = append(model.MotionGroups[group], Motion{File: motion.File})
		}
	}

	physicsDriven := make(map[string]bool)
	if m3.FileReferences.Physics != "" {
		if outputs, err := loadPhysicsOutputs(filepath.Join(dir, m3.FileReferences.Physics)); err == nil {
			physicsDriven = outputs
		}
	}
	if m3.FileReferences.DisplayInfo != "" {
		params, err := loadParameters(filepath.Join(dir, m3.FileReferences.DisplayInfo), physicsDriven)
		if err == nil {
			model.Parameters = params
		}
	}
	return model, nil
}

func loadParameters(path string, physicsDriven map[string]bool) ([]Parameter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cdi cdi3File
	if err := json.Unmarshal(raw, &cdi); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	params := make([]Parameter, 0, len(cdi.Parameters))
	for _, p := range cdi.Parameters {
		params = append(params, Parameter{
			ID:            p.ID,
			Name:          p.Name,
			GroupID:       p.GroupID,
			PhysicsDriven: physicsDriven[p.ID],
		})
	}
	return params, nil
}

func loadPhysicsOutputs(path string) (map[string]bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var phys physics3File
	if err := json.Unmarshal(raw, &phys); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	driven := make(map[string]bool)
	for _, setting := range phys.PhysicsSettings {
		for _, output := range setting.Output {
			if output.Destination.Target == "Parameter" && output.Destination.ID != "" {
				driven[output.Destination.ID] = true
			}
		}
	}
	return driven, nil
}
