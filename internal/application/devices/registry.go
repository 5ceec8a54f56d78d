package devices

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrDuplicateDevice = errors.New("device already registered")
	ErrDeviceOffline   = errors.New("device offline")
)

// Status represents device status
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Device is an execution target tasks can be assigned to.
type Device struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       Status    `json:"status"`
	Active       int       `json:"active"`
	LastTask     string    `json:"last_task,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Supports reports whether the device can run tasks of the given type. An
// empty type is supported by every device.
func (d Device) Supports(deviceType string) bool {
	return deviceType == "" || d.Type == deviceType || slices.Contains(d.Capabilities, deviceType)
}

// Registry tracks the devices known to the orchestrator
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		devices: make(map[string]*Device),
	}
}

// Register adds an idle device.
func (r *Registry) Register(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
	}
	d.Status = StatusIdle
	d.Active = 0
	d.Capabilities = slices.Clone(d.Capabilities)
	d.LastSeen = time.Now()
	r.devices[d.ID] = &d

	r.logger.Info("device registered",
		zap.String("device_id", d.ID),
		zap.String("device_type", d.Type),
		zap.Strings("capabilities", d.Capabilities))
	return nil
}

// Unregister removes a device. Tasks already running on it are unaffected.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[id]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	delete(r.devices, id)
	r.logger.Info("device unregistered", zap.String("device_id", id))
	return nil
}

// Get returns a copy of a device.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// List returns all devices sorted by ID
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns the devices that are not offline, sorted by ID.
func (r *Registry) Available() []Device {
	all := r.List()
	return slices.DeleteFunc(all, func(d Device) bool { return d.Status == StatusOffline })
}

// Acquire records that a task started on the device.
func (r *Registry) Acquire(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if d.Status == StatusOffline {
		return fmt.Errorf("%w: %s", ErrDeviceOffline, id)
	}
	d.Active++
	d.Status = StatusBusy
	d.LastTask = taskID
	d.LastSeen = time.Now()
	return nil
}

// Release records that a task on the device finished.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return
	}
	if d.Active > 0 {
		d.Active--
	}
	if d.Active == 0 && d.Status == StatusBusy {
		d.Status = StatusIdle
	}
	d.LastSeen = time.Now()
}

// Heartbeat marks a device as seen, bringing it back online if needed.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.LastSeen = time.Now()
	if d.Status == StatusOffline {
		d.Status = StatusIdle
		if d.Active > 0 {
			d.Status = StatusBusy
		}
		r.logger.Info("device back online", zap.String("device_id", id))
	}
	return nil
}

// SetOffline takes a device out of assignment.
func (r *Registry) SetOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.Status = StatusOffline
	return nil
}

// markStale sets devices not seen since cutoff offline and returns their IDs.
func (r *Registry) markStale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, d := range r.devices {
		// Busy devices are reporting through their running tasks.
		if d.Status == StatusIdle && d.LastSeen.Before(cutoff) {
			d.Status = StatusOffline
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// Counts returns the number of devices in each status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[Status]int{StatusIdle: 0, StatusBusy: 0, StatusOffline: 0}
	for _, d := range r.devices {
		counts[d.Status]++
	}
	return counts
}

func (d *Device) clone() Device {
	cp := *d
	cp.Capabilities = slices.Clone(d.Capabilities)
	return cp
}
