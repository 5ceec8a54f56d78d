package constructor

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aescanero/constellation/pkg/constellation"
)

// Applied lists what Apply added.
type Applied struct {
	TaskIDs       []string `json:"task_ids"`
	DependencyIDs []string `json:"dependency_ids"`
}

// Empty reports whether nothing was added.
func (a Applied) Empty() bool {
	return len(a.TaskIDs) == 0 && len(a.DependencyIDs) == 0
}

// Build creates a constellation from spec.
func Build(spec *Spec, opts ...constellation.Option) (*constellation.Constellation, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}
	if spec.Metadata != nil {
		opts = append([]constellation.Option{constellation.WithMetadata(spec.Metadata)}, opts...)
	}
	c := constellation.New(spec.Name, opts...)
	err := c.Update(func(tx *constellation.Txn) error {
		_, err := Apply(tx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Apply adds the tasks and dependencies of spec to the constellation behind
// tx. Tasks without an ID get the next free task-N; dependencies without one
// get dep-N. Dependency endpoints resolve by task ID first, then by task
// name, case-insensitively, against both existing and newly added tasks.
//
// Apply stops at the first rejected element; elements added before it stay.
func Apply(tx *constellation.Txn, spec *Spec) (Applied, error) {
	var applied Applied

	taskIDs := make(map[string]bool)
	byName := make(map[string]string)
	for _, t := range tx.Tasks() {
		taskIDs[t.ID] = true
		byName[strings.ToLower(t.Name)] = t.ID
	}
	reservedDeps := make(map[string]bool)
	for _, d := range tx.Dependencies() {
		reservedDeps[d.ID] = true
	}

	// Generated IDs skip every ID the spec names explicitly.
	reservedTasks := maps.Clone(taskIDs)
	for _, ts := range spec.Tasks {
		if ts.ID != "" {
			reservedTasks[ts.ID] = true
		}
	}
	for _, ds := range spec.Dependencies {
		if ds.ID != "" {
			reservedDeps[ds.ID] = true
		}
	}

	for _, ts := range spec.Tasks {
		task, err := newTask(ts)
		if err != nil {
			return applied, err
		}
		if task.ID == "" {
			task.ID = nextID("task-", reservedTasks)
		}
		if err := tx.AddTask(task); err != nil {
			return applied, fmt.Errorf("failed to add task %s: %w", task.ID, err)
		}
		taskIDs[task.ID] = true
		if task.Name != "" {
			byName[strings.ToLower(task.Name)] = task.ID
		}
		applied.TaskIDs = append(applied.TaskIDs, task.ID)
	}

	resolve := func(ref string) (string, error) {
		if taskIDs[ref] {
			return ref, nil
		}
		if id, ok := byName[strings.ToLower(strings.TrimSpace(ref))]; ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %q", constellation.ErrUnknownTask, ref)
	}

	for _, ds := range spec.Dependencies {
		from, err := resolve(ds.FromTaskID)
		if err != nil {
			return applied, fmt.Errorf("dependency %s: %w", ds.ID, err)
		}
		to, err := resolve(ds.ToTaskID)
		if err != nil {
			return applied, fmt.Errorf("dependency %s: %w", ds.ID, err)
		}
		depType, err := constellation.ParseDependencyType(ds.DependencyType)
		if err != nil {
			return applied, fmt.Errorf("dependency %s: %w: %w", ds.ID, ErrInvalidSpec, err)
		}
		id := ds.ID
		if id == "" {
			id = nextID("dep-", reservedDeps)
		}
		dep := constellation.NewDependency(id, from, to, depType)
		dep.ConditionDescription = ds.ConditionDescription
		if err := tx.AddDependency(dep); err != nil {
			return applied, fmt.Errorf("failed to add dependency %s -> %s: %w", from, to, err)
		}
		applied.DependencyIDs = append(applied.DependencyIDs, id)
	}

	return applied, nil
}

func newTask(ts TaskSpec) (*constellation.Task, error) {
	priority, err := constellation.ParsePriority(ts.Priority)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w: %w", ts.ID, ErrInvalidSpec, err)
	}
	if ts.RetryCount < 0 {
		return nil, fmt.Errorf("task %s: %w: negative retry_count", ts.ID, ErrInvalidSpec)
	}
	t := constellation.NewTask(ts.ID, ts.Name, ts.Description)
	t.Priority = priority
	t.DeviceType = ts.DeviceType
	t.TargetDeviceID = ts.TargetDeviceID
	t.Timeout = ts.Timeout.Duration()
	t.RetryCount = ts.RetryCount
	t.Metadata = ts.Metadata
	return t, nil
}

// nextID returns the lowest free prefix-N and marks it used.
func nextID(prefix string, used map[string]bool) string {
	for n := 1; ; n++ {
		id := prefix + strconv.Itoa(n)
		if !used[id] {
			used[id] = true
			return id
		}
	}
}

// FromJSON builds a constellation from a JSON spec.
func FromJSON(data []byte, opts ...constellation.Option) (*constellation.Constellation, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w: %w", ErrInvalidSpec, err)
	}
	return Build(&spec, opts...)
}

// FromYAML builds a constellation from a YAML spec.
func FromYAML(data []byte, opts ...constellation.Option) (*constellation.Constellation, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w: %w", ErrInvalidSpec, err)
	}
	return Build(&spec, opts...)
}

// LoadFile builds a constellation from a file, choosing the format by
// extension: .json, .yaml/.yml, anything else is read as free text named
// after the file.
func LoadFile(path string, opts ...constellation.Option) (*constellation.Constellation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FromJSON(data, opts...)
	case ".yaml", ".yml":
		return FromYAML(data, opts...)
	default:
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return FromText(name, string(data), opts...)
	}
}
