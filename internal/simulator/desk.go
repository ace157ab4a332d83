// Package simulator serves a fake QLC+ desk over the QLC+ WebSocket text API.
package simulator

import (
	"strconv"
	"strings"
	"sync"
)

// Widget is a virtual console control exposed by the desk.
type Widget struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Value int    `yaml:"value"`
}

// Desk holds the state a QLC+ instance would report: widgets, the grand
// master level, and counters for the desk-wide actions.
type Desk struct {
	mu            sync.Mutex
	widgets       []Widget
	master        int
	resets        int
	stops         int
	unknownFrames []string
}

// NewDesk creates a desk with the given widgets, in listing order.
func NewDesk(widgets ...Widget) *Desk {
	d := &Desk{master: 255}
	d.widgets = append(d.widgets, widgets...)
	return d
}

// DefaultDesk returns a small desk suitable for demos.
func DefaultDesk() *Desk {
	return NewDesk(
		Widget{ID: "0", Name: "Blackout", Value: 0},
		Widget{ID: "1", Name: "Wash Red", Value: 255},
		Widget{ID: "2", Name: "Front Fill", Value: 128},
		Widget{ID: "3", Name: "Strobe", Value: 0},
	)
}

// Value returns the level of a widget and whether it exists.
func (d *Desk) Value(id string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.widgets {
		if w.ID == id {
			return w.Value, true
		}
	}
	return 0, false
}

// Master returns the grand master level.
func (d *Desk) Master() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master
}

// Resets returns how many times the simple desk universe was reset.
func (d *Desk) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Stops returns how many times all functions were stopped.
func (d *Desk) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Handle applies one inbound frame to the desk. It returns the reply frame
// and whether a reply is sent at all; value-set frames get none.
func (d *Desk) Handle(frame string) (string, bool) {
	parts := strings.Split(frame, "|")

	d.mu.Lock()
	defer d.mu.Unlock()

	if parts[0] == "QLC+API" && len(parts) >= 2 {
		return d.handleAPI(parts)
	}

	if len(parts) != 2 {
		d.unknownFrames = append(d.unknownFrames, frame)
		return "", false
	}

	value, err := strconv.Atoi(parts[1])
	if err != nil {
		d.unknownFrames = append(d.unknownFrames, frame)
		return "", false
	}

	if parts[0] == "GM_VALUE" {
		d.master = clamp(value)
		return "", false
	}

	for i := range d.widgets {
		if d.widgets[i].ID == parts[0] {
			d.widgets[i].Value = clamp(value)
			return "", false
		}
	}
	d.unknownFrames = append(d.unknownFrames, frame)
	return "", false
}

func (d *Desk) handleAPI(parts []string) (string, bool) {
	prefix := parts[0] + "|" + parts[1]

	switch parts[1] {
	case "getWidgetsList":
		var b strings.Builder
		b.WriteString(prefix)
		for _, w := range d.widgets {
			b.WriteString("|" + w.ID + "|" + w.Name)
		}
		return b.String(), true

	case "getWidgetStatus":
		if len(parts) < 3 {
			return prefix, true
		}
		for _, w := range d.widgets {
			if w.ID == parts[2] {
				return prefix + "|" + strconv.Itoa(w.Value), true
			}
		}
		return prefix + "|", true

	case "getGMValue":
		return prefix + "|" + strconv.Itoa(d.master), true

	case "sdResetUniverse":
		d.resets++
		return "", false

	case "stopAllFunctions":
		d.stops++
		for i := range d.widgets {
			d.widgets[i].Value = 0
		}
		return "", false
	}

	d.unknownFrames = append(d.unknownFrames, strings.Join(parts, "|"))
	return "", false
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// Unknown returns frames the desk did not understand.
func (d *Desk) Unknown() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]string, len(d.unknownFrames))
	copy(result, d.unknownFrames)
	return result
}
