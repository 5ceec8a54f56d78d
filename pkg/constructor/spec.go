package constructor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec describes a constellation to build.
type Spec struct {
	Name         string         `json:"name" yaml:"name"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Tasks        TaskList       `json:"tasks" yaml:"tasks"`
	Dependencies DependencyList `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// TaskSpec describes one task. Empty fields take the constellation defaults.
type TaskSpec struct {
	ID             string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Priority       string         `json:"priority,omitempty" yaml:"priority,omitempty"`
	DeviceType     string         `json:"device_type,omitempty" yaml:"device_type,omitempty"`
	TargetDeviceID string         `json:"target_device_id,omitempty" yaml:"target_device_id,omitempty"`
	Timeout        Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryCount     int            `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DependencySpec describes one dependency. FromTaskID and ToTaskID may name
// a task by ID or by name.
type DependencySpec struct {
	ID                   string `json:"id,omitempty" yaml:"id,omitempty"`
	FromTaskID           string `json:"from_task_id" yaml:"from_task_id"`
	ToTaskID             string `json:"to_task_id" yaml:"to_task_id"`
	DependencyType       string `json:"dependency_type,omitempty" yaml:"dependency_type,omitempty"`
	ConditionDescription string `json:"condition_description,omitempty" yaml:"condition_description,omitempty"`
}

// TaskList decodes from either a list of tasks or a map keyed by task ID.
type TaskList []TaskSpec

// UnmarshalJSON accepts the list and map forms.
func (l *TaskList) UnmarshalJSON(data []byte) error {
	if isJSONObject(data) {
		var m map[string]TaskSpec
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*l = nil
		for _, id := range sortedKeys(m) {
			t := m[id]
			if t.ID == "" {
				t.ID = id
			}
			*l = append(*l, t)
		}
		return nil
	}
	var list []TaskSpec
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// UnmarshalYAML accepts the list and map forms.
func (l *TaskList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		var m map[string]TaskSpec
		if err := value.Decode(&m); err != nil {
			return err
		}
		*l = nil
		for _, id := range sortedKeys(m) {
			t := m[id]
			if t.ID == "" {
				t.ID = id
			}
			*l = append(*l, t)
		}
		return nil
	}
	var list []TaskSpec
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// DependencyList decodes from either a list of dependencies or a map keyed
// by dependency ID.
type DependencyList []DependencySpec

// UnmarshalJSON accepts the list and map forms.
func (l *DependencyList) UnmarshalJSON(data []byte) error {
	if isJSONObject(data) {
		var m map[string]DependencySpec
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*l = nil
		for _, id := range sortedKeys(m) {
			d := m[id]
			if d.ID == "" {
				d.ID = id
			}
			*l = append(*l, d)
		}
		return nil
	}
	var list []DependencySpec
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// UnmarshalYAML accepts the list and map forms.
func (l *DependencyList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		var m map[string]DependencySpec
		if err := value.Decode(&m); err != nil {
			return err
		}
		*l = nil
		for _, id := range sortedKeys(m) {
			d := m[id]
			if d.ID == "" {
				d.ID = id
			}
			*l = append(*l, d)
		}
		return nil
	}
	var list []DependencySpec
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Duration wraps time.Duration. It decodes from a Go duration string such as
// "90s" or from a number of seconds.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler for Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if tag := value.ShortTag(); tag == "!!int" || tag == "!!float" {
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
