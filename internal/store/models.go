package store

// Device is an inventory entry known to the controller.
type Device struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Room     string   `json:"room,omitempty" yaml:"room"`         // room ID, "" or "0" = none
	Services []string `json:"services,omitempty" yaml:"services"` // exposed service (capability) IDs
}

// HasService reports whether the device exposes the given service ID.
func (d *Device) HasService(sid string) bool {
	for _, s := range d.Services {
		if s == sid {
			return true
		}
	}
	return false
}

// Room groups devices for display.
type Room struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// deviceStorage is the on-disk form of a Device. Seq preserves the
// inventory's insertion order across restarts.
type deviceStorage struct {
	Seq uint64 `json:"seq"`
	Device
}
