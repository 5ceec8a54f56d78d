package constellation

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Document is the persisted form of a constellation. Tasks and dependencies
// are keyed by ID; predicates are not part of it.
type Document struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	State        State                  `json:"state"`
	Tasks        map[string]*Task       `json:"tasks"`
	Dependencies map[string]*Dependency `json:"dependencies"`
	Metadata     map[string]any         `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// ToDocument snapshots the constellation under the update lock.
func (c *Constellation) ToDocument() *Document {
	defer c.lock("to_document")()

	doc := &Document{
		ID:           c.id,
		Name:         c.name,
		State:        c.state,
		Tasks:        make(map[string]*Task, len(c.tasks)),
		Dependencies: make(map[string]*Dependency, len(c.deps)),
		Metadata:     maps.Clone(c.metadata),
		CreatedAt:    c.createdAt,
		UpdatedAt:    c.updatedAt,
	}
	for id, t := range c.tasks {
		cp := t.Clone()
		if cp.DependencyIDs == nil {
			cp.DependencyIDs = []string{}
		}
		if cp.DependentIDs == nil {
			cp.DependentIDs = []string{}
		}
		doc.Tasks[id] = cp
	}
	for id, d := range c.deps {
		doc.Dependencies[id] = d.Clone()
	}
	if c.startedAt != nil {
		t := *c.startedAt
		doc.StartedAt = &t
	}
	if c.completedAt != nil {
		t := *c.completedAt
		doc.CompletedAt = &t
	}
	return doc
}

// MarshalJSON encodes the constellation as its Document.
func (c *Constellation) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ToDocument())
}

// FromDocument rebuilds a constellation. Task statuses, results and cached
// dependency evaluations are restored as persisted; the derived adjacency
// sets are recomputed. Dangling references and cycles are rejected.
func FromDocument(doc *Document, opts ...Option) (*Constellation, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}
	if doc.ID != "" {
		opts = append([]Option{WithID(doc.ID)}, opts...)
	}
	c := New(doc.Name, opts...)
	if doc.Metadata != nil {
		c.metadata = maps.Clone(doc.Metadata)
	}
	if doc.State != "" {
		c.state = doc.State
	}
	if !doc.CreatedAt.IsZero() {
		c.createdAt = doc.CreatedAt
	}

	for _, id := range sortedKeys(doc.Tasks) {
		in := doc.Tasks[id]
		if in == nil {
			return nil, fmt.Errorf("task %s: empty entry", id)
		}
		t := in.Clone()
		if t.ID == "" {
			t.ID = id
		}
		if t.ID != id {
			return nil, structuralf(ErrDuplicateID, "task keyed %s carries id %s", id, t.ID)
		}
		if t.Status == "" {
			t.Status = TaskStatusPending
		}
		if !t.Status.Valid() {
			return nil, fmt.Errorf("task %s: unknown status %q", id, t.Status)
		}
		if t.Priority == 0 {
			t.Priority = PriorityMedium
		}
		t.DependencyIDs = nil
		t.DependentIDs = nil
		c.tasks[id] = t
		c.outgoing[id] = make(map[string]struct{})
		c.incoming[id] = make(map[string]struct{})
	}

	for _, id := range sortedKeys(doc.Dependencies) {
		in := doc.Dependencies[id]
		if in == nil {
			return nil, fmt.Errorf("dependency %s: empty entry", id)
		}
		d := in.Clone()
		if d.ID == "" {
			d.ID = id
		}
		if d.Type == "" {
			d.Type = DependencyUnconditional
		}
		if _, err := ParseDependencyType(string(d.Type)); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", id, err)
		}
		from, ok := c.tasks[d.FromTaskID]
		if !ok {
			return nil, structuralf(ErrUnknownTask, "dependency %s references missing prerequisite %s", id, d.FromTaskID)
		}
		to, ok := c.tasks[d.ToTaskID]
		if !ok {
			return nil, structuralf(ErrUnknownTask, "dependency %s references missing dependent %s", id, d.ToTaskID)
		}
		if path := c.findPath(to.ID, from.ID); path != nil {
			return nil, structuralf(ErrCycle, "%s", strings.Join(append(path, to.ID), " -> "))
		}
		c.deps[id] = d
		c.outgoing[from.ID][id] = struct{}{}
		c.incoming[to.ID][id] = struct{}{}
		from.DependentIDs = insertSorted(from.DependentIDs, to.ID)
		to.DependencyIDs = insertSorted(to.DependencyIDs, from.ID)
	}

	if doc.StartedAt != nil {
		t := *doc.StartedAt
		c.startedAt = &t
	}
	if doc.CompletedAt != nil {
		t := *doc.CompletedAt
		c.completedAt = &t
	}
	c.updatedAt = doc.UpdatedAt
	if c.updatedAt.IsZero() {
		c.updatedAt = c.createdAt
	}
	c.refreshStats()
	return c, nil
}

// Unmarshal decodes a JSON Document into a constellation.
func Unmarshal(data []byte, opts ...Option) (*Constellation, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode constellation: %w", err)
	}
	return FromDocument(&doc, opts...)
}
