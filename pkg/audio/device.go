package audio

import "strings"

// Device describes an audio input device reported by a [Backend].
type Device struct {
	// ID is the backend's stable identifier for the device.
	ID string

	// Label is the human-readable device name. May be empty when the platform
	// withholds labels (e.g. before permission is granted).
	Label string

	// IsDefault reports whether the platform considers this the default input.
	IsDefault bool
}

// Matcher decides whether a device is an acceptable capture target.
type Matcher func(Device) bool

// LabelContains returns a [Matcher] that accepts devices whose label contains
// substr, compared case-insensitively. An empty substr matches nothing, which
// leaves device choice to the platform default.
func LabelContains(substr string) Matcher {
	needle := strings.ToLower(strings.TrimSpace(substr))
	return func(d Device) bool {
		if needle == "" || d.Label == "" {
			return false
		}
		return strings.Contains(strings.ToLower(d.Label), needle)
	}
}

// SelectDevice returns the ID of the first device accepted by m. ok is false
// when nothing matches (or m is nil), meaning the platform default should be
// used.
func SelectDevice(devices []Device, m Matcher) (id string, ok bool) {
	if m == nil {
		return "", false
	}
	for _, d := range devices {
		if m(d) {
			return d.ID, true
		}
	}
	return "", false
}
