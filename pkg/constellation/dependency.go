package constellation

import (
	"sync"
	"time"
)

// Outcome is the terminal result of a prerequisite task, as seen by the
// dependencies leaving it.
type Outcome struct {
	TaskID string
	Status TaskStatus
	Result any
	Err    error
}

// Succeeded reports whether the prerequisite completed successfully.
func (o Outcome) Succeeded() bool { return o.Status == TaskStatusCompleted }

// Predicate decides whether a conditional dependency is satisfied.
type Predicate func(Outcome) bool

// Dependency is a directed edge: ToTaskID waits for FromTaskID.
type Dependency struct {
	ID                   string         `json:"id"`
	FromTaskID           string         `json:"from_task_id"`
	ToTaskID             string         `json:"to_task_id"`
	Type                 DependencyType `json:"dependency_type"`
	ConditionDescription string         `json:"condition_description,omitempty"`
	Satisfied            bool           `json:"satisfied"`
	LastEvaluatedAt      *time.Time     `json:"last_evaluated_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`

	// Predicate is only consulted for conditional dependencies and is never
	// persisted; re-attach it after loading via a PredicateRegistry.
	Predicate Predicate `json:"-"`
}

// NewDependency creates an unsatisfied dependency from -> to.
func NewDependency(id, from, to string, depType DependencyType) *Dependency {
	if depType == "" {
		depType = DependencyUnconditional
	}
	return &Dependency{
		ID:         id,
		FromTaskID: from,
		ToTaskID:   to,
		Type:       depType,
		CreatedAt:  time.Now().UTC(),
	}
}

// Evaluate applies the dependency policy to the prerequisite's outcome.
//
//	unconditional   always
//	success_only    prerequisite completed
//	completion_only prerequisite terminal
//	conditional     Predicate(outcome); success_only without a predicate
func (d *Dependency) Evaluate(outcome Outcome) bool {
	switch d.Type {
	case DependencyUnconditional:
		return true
	case DependencySuccessOnly:
		return outcome.Succeeded()
	case DependencyCompletionOnly:
		return outcome.Status.IsTerminal()
	case DependencyConditional:
		if d.Predicate == nil {
			return outcome.Succeeded()
		}
		return d.Predicate(outcome)
	default:
		return false
	}
}

func (d *Dependency) evaluate(outcome Outcome) bool {
	now := time.Now().UTC()
	d.Satisfied = d.Evaluate(outcome)
	d.LastEvaluatedAt = &now
	return d.Satisfied
}

// Clone returns a copy of d. The predicate is shared.
func (d *Dependency) Clone() *Dependency {
	cp := *d
	if d.LastEvaluatedAt != nil {
		t := *d.LastEvaluatedAt
		cp.LastEvaluatedAt = &t
	}
	return &cp
}

// PredicateRegistry keeps predicates for conditional dependencies keyed by
// dependency ID, so they can be bound again after a constellation is loaded.
type PredicateRegistry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

// NewPredicateRegistry creates an empty registry.
func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{preds: make(map[string]Predicate)}
}

// Register stores p for the dependency with the given ID.
func (r *PredicateRegistry) Register(dependencyID string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[dependencyID] = p
}

// Lookup returns the predicate registered for dependencyID.
func (r *PredicateRegistry) Lookup(dependencyID string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.preds[dependencyID]
	return p, ok
}

// Bind attaches every registered predicate whose dependency exists in c.
// It returns the number of predicates bound.
func (r *PredicateRegistry) Bind(c *Constellation) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := 0
	_ = c.Update(func(tx *Txn) error {
		for id, p := range r.preds {
			if tx.AttachPredicate(id, p) == nil {
				bound++
			}
		}
		return nil
	})
	return bound
}
