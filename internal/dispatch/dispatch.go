// Package dispatch forwards free-form commands to registered QLC+ clients.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lawnchairsociety/qlcbridge/internal/logger"
)

// NoTargetResponse is returned when none of the requested targets is registered.
const NoTargetResponse = "No valid device found."

// ErrEmptyCommand is returned for requests without a command.
var ErrEmptyCommand = errors.New("command is required")

// Target is anything that can run a correlated command.
type Target interface {
	SendCommand(ctx context.Context, command string) (string, error)
}

// Request selects targets by name and carries the raw command.
type Request struct {
	Command string   `json:"command"`
	Targets []string `json:"targets"`
}

// Response carries the raw reply from the first matching target.
type Response struct {
	Response string `json:"response"`
	Target   string `json:"target,omitempty"`
}

// Registry holds the named targets commands can be dispatched to.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// Register adds or replaces a target.
func (r *Registry) Register(name string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = t
}

// Unregister removes a target.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, name)
}

// Lookup returns the target registered under name.
func (r *Registry) Lookup(name string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	return t, ok
}

// Names returns the registered target names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends the command verbatim to the first requested target that is
// registered and returns its raw reply. Client errors are returned unchanged.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Response, error) {
	if req.Command == "" {
		return Response{}, ErrEmptyCommand
	}

	for _, name := range req.Targets {
		t, ok := r.Lookup(name)
		if !ok {
			continue
		}

		logger.Always("Dispatching command", "target", name, "command", req.Command)
		reply, err := t.SendCommand(ctx, req.Command)
		if err != nil {
			logger.Warning("Dispatched command failed", "target", name, "error", err)
			return Response{Target: name}, err
		}
		return Response{Response: reply, Target: name}, nil
	}

	logger.Debug("No dispatch target matched", "targets", req.Targets)
	return Response{Response: NoTargetResponse}, nil
}
