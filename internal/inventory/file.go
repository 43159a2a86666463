package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"smart-switch-home/internal/store"
)

// inventoryFile is the YAML structure of an inventory seed file.
type inventoryFile struct {
	Rooms   []store.Room   `yaml:"rooms"`
	Devices []store.Device `yaml:"devices"`
}

// LoadFile reads a YAML inventory file and upserts its rooms and devices
// into st, in file order. A missing file is not an error.
// Returns the number of devices loaded.
func LoadFile(path string, st store.Store, logger *slog.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no inventory file found", "path", path)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range f.Rooms {
		r := f.Rooms[i]
		if r.ID == "" {
			return 0, fmt.Errorf("%s: room %d has no id", path, i)
		}
		if err := st.SaveRoom(&r); err != nil {
			return 0, fmt.Errorf("save room %s: %w", r.ID, err)
		}
	}
	for i := range f.Devices {
		d := f.Devices[i]
		if d.ID == "" {
			return 0, fmt.Errorf("%s: device %d has no id", path, i)
		}
		if err := st.SaveDevice(&d); err != nil {
			return 0, fmt.Errorf("save device %s: %w", d.ID, err)
		}
	}

	logger.Info("loaded inventory file", "path", path, "rooms", len(f.Rooms), "devices", len(f.Devices))
	return len(f.Devices), nil
}
