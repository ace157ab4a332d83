package simulator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// deskFile is the YAML layout accepted by LoadDesk.
type deskFile struct {
	Master  *int     `yaml:"master"`
	Widgets []Widget `yaml:"widgets"`
}

// LoadDesk reads a desk layout from a YAML file:
//
//	master: 255
//	widgets:
//	  - {id: "0", name: Blackout, value: 0}
func LoadDesk(path string) (*Desk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f deskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i, w := range f.Widgets {
		if w.ID == "" {
			return nil, fmt.Errorf("widget %d: id is required", i)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("widget %q: duplicate id", w.ID)
		}
		seen[w.ID] = true
		f.Widgets[i].Value = clamp(w.Value)
	}

	d := NewDesk(f.Widgets...)
	if f.Master != nil {
		d.master = clamp(*f.Master)
	}
	return d, nil
}
