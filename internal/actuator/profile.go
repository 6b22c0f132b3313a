package actuator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
	"github.com/nerrad567/agrivision-core/internal/motion"
)

const profilePermissions = 0600

// AxisState is the persisted state of one axis.
type AxisState struct {
	Position      float64 `yaml:"position"`
	StepPin       int     `yaml:"step_pin"`
	DirPin        int     `yaml:"dir_pin"`
	motion.Params `yaml:",inline"`
}

// Profile is the persisted actuator state: pin assignments, motion
// parameters and the last known position of each axis.
type Profile struct {
	EnablePin   int       `yaml:"enable_pin"`
	ValvePin    int       `yaml:"valve_pin"`
	X           AxisState `yaml:"x"`
	Y           AxisState `yaml:"y"`
	NeedsHoming bool      `yaml:"needs_homing,omitempty"`
	SavedAt     time.Time `yaml:"saved_at,omitempty"`
}

// ProfileFromConfig builds the initial profile at the origin from the
// actuator section of config.yaml.
func ProfileFromConfig(cfg config.ActuatorConfig) Profile {
	return Profile{
		EnablePin: cfg.EnablePin,
		ValvePin:  cfg.ValvePin,
		X:         axisStateFromConfig(cfg.X),
		Y:         axisStateFromConfig(cfg.Y),
	}
}

func axisStateFromConfig(a config.AxisConfig) AxisState {
	return AxisState{
		StepPin: a.StepPin,
		DirPin:  a.DirPin,
		Params: motion.Params{
			MinSpeed:     a.MinSpeed,
			MaxSpeed:     a.MaxSpeed,
			Acceleration: a.Acceleration,
			StepsPerUnit: a.StepsPerMM,
			Reversed:     a.Reversed,
		},
	}
}

// LoadProfile reads a persisted profile.
//
// Parameters:
//   - path: YAML file written by SaveProfile
//
// Returns:
//   - Profile: The stored profile
//   - bool: false when the file does not exist yet
//   - error: If the file exists but cannot be read or parsed
func LoadProfile(path string) (Profile, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Profile{}, false, nil
		}
		return Profile{}, false, fmt.Errorf("reading actuator profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, false, fmt.Errorf("parsing actuator profile: %w", err)
	}
	if err := p.X.Validate(); err != nil {
		return Profile{}, false, fmt.Errorf("actuator profile x: %w", err)
	}
	if err := p.Y.Validate(); err != nil {
		return Profile{}, false, fmt.Errorf("actuator profile y: %w", err)
	}
	return p, true, nil
}

// SaveProfile writes p atomically by renaming a temporary file over path.
func SaveProfile(path string, p Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding actuator profile: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".actuator-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp profile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp profile: %w", err)
	}
	if err := tmp.Chmod(profilePermissions); err != nil {
		tmp.Close()
		return fmt.Errorf("setting profile permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp profile: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing actuator profile: %w", err)
	}
	return nil
}
