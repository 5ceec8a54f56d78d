package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/constellation/internal/application/devices"
	"github.com/aescanero/constellation/pkg/constellation"
)

// Strategy selects how tasks without a device are spread over devices.
type Strategy string

const (
	// StrategyCapability picks devices supporting the task's device type in
	// turn, falling back to all devices when none match.
	StrategyCapability Strategy = "capability"
	// StrategyRoundRobin ignores device types.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastLoaded picks the matching device with the fewest tasks.
	StrategyLeastLoaded Strategy = "least_loaded"
)

// ParseStrategy parses a strategy name. An empty name yields
// StrategyCapability.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyCapability, nil
	case StrategyCapability, StrategyRoundRobin, StrategyLeastLoaded:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown assignment strategy %q", s)
}

// DeviceProvider is the view of the device registry the orchestrator needs.
type DeviceProvider interface {
	Available() []devices.Device
	Acquire(id, taskID string) error
	Release(id string)
}

// assigner resolves target devices. It is used under the constellation lock
// and keeps its round-robin position across calls.
type assigner struct {
	mu       sync.Mutex
	strategy Strategy
	manual   map[string]string
	next     int
	planned  map[string]int // device ID -> tasks assigned in this run and not yet started
}

func newAssigner(strategy Strategy, manual map[string]string) *assigner {
	if strategy == "" {
		strategy = StrategyCapability
	}
	return &assigner{
		strategy: strategy,
		manual:   manual,
		planned:  make(map[string]int),
	}
}

// assignAll gives every waiting task without a device one, in topological
// order so that round-robin placement is deterministic.
func (a *assigner) assignAll(tx *constellation.Txn, available []devices.Device) (map[string]string, error) {
	order, err := tx.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	assigned := make(map[string]string)
	for _, id := range order {
		t, _ := tx.Task(id)
		deviceID, err := a.assign(tx, t, available)
		if err != nil {
			return assigned, err
		}
		if deviceID != "" {
			assigned[id] = deviceID
		}
	}
	return assigned, nil
}

// assign resolves and records the device for t. It returns "" when t keeps
// its device, is not waiting or there are no devices to pick from.
func (a *assigner) assign(tx *constellation.Txn, t constellation.Task, available []devices.Device) (string, error) {
	if !t.Status.IsWaiting() {
		return "", nil
	}
	deviceID, ok := a.manual[t.ID]
	if !ok {
		if t.TargetDeviceID != "" {
			return "", nil
		}
		deviceID = a.pick(t, available)
	}
	if deviceID == "" || deviceID == t.TargetDeviceID {
		return "", nil
	}
	if err := tx.AssignDevice(t.ID, deviceID); err != nil {
		return "", fmt.Errorf("failed to assign %s to %s: %w", t.ID, deviceID, err)
	}
	a.mu.Lock()
	a.planned[deviceID]++
	a.mu.Unlock()
	return deviceID, nil
}

// started tells the assigner a planned task began running on deviceID.
func (a *assigner) started(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.planned[deviceID] > 0 {
		a.planned[deviceID]--
	}
}

func (a *assigner) pick(t constellation.Task, available []devices.Device) string {
	if len(available) == 0 {
		return ""
	}
	candidates := available
	if a.strategy != StrategyRoundRobin {
		var matching []devices.Device
		for _, d := range available {
			if d.Supports(t.DeviceType) {
				matching = append(matching, d)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.strategy == StrategyLeastLoaded {
		best := candidates[0]
		for _, d := range candidates[1:] {
			if d.Active+a.planned[d.ID] < best.Active+a.planned[best.ID] {
				best = d
			}
		}
		return best.ID
	}

	d := candidates[a.next%len(candidates)]
	a.next++
	return d.ID
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
