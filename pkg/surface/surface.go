// Package surface is the single mutex-guarded exchange point between the
// control task and the presentation side. Presentation code only uses the
// typed accessors; the control task uses Exchange once per cycle.
package surface

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/profile"
	"github.com/itohio/goreflow/pkg/runmode"
)

const (
	DefaultTopSetpoint    = 150
	DefaultBottomSetpoint = 70
	// MaxSetpoint is the hottest setpoint accepted from the presentation side.
	MaxSetpoint = 350
)

var (
	// ErrRunActive refuses edits that are only allowed while idle.
	ErrRunActive = errors.New("surface: run active")
	// ErrInvalidIndex is returned for a profile slot outside the bank.
	ErrInvalidIndex = errors.New("surface: invalid profile index")
	// ErrInvalidSetpoint is returned for NaN or out-of-range setpoints.
	ErrInvalidSetpoint = errors.New("surface: invalid setpoint")
)

// RunFlags are the run requests raised by the presentation side.
type RunFlags struct {
	Auto   bool `json:"auto"`
	Manual bool `json:"manual"`
}

// Settings are the read-write fields.
type Settings struct {
	Setpoints       [runmode.Zones]float32   `json:"setpoints"`
	Flags           RunFlags                 `json:"flags"`
	SelectedProfile int                      `json:"selected_profile"`
	Profiles        profile.Bank             `json:"-"`
	Gains           [runmode.Zones]pid.Gains `json:"gains"`
}

// DefaultSettings returns factory settings.
func DefaultSettings() Settings {
	s := Settings{
		Profiles: profile.DefaultBank(),
	}
	s.Setpoints[runmode.Top] = DefaultTopSetpoint
	s.Setpoints[runmode.Bottom] = DefaultBottomSetpoint
	return s
}

// Telemetry are the fields only the control task writes.
type Telemetry struct {
	PV        [runmode.Zones]float32   `json:"pv"`
	Elapsed   uint32                   `json:"elapsed"`
	State     runmode.State            `json:"-"`
	Targets   [runmode.Zones]float32   `json:"targets"`
	Duties    [runmode.Zones]uint16    `json:"duties"`
	Terms     [runmode.Zones]pid.Terms `json:"-"`
	Completed uint32                   `json:"completed_runs"`
}

// Snapshot is a consistent copy of both halves.
type Snapshot struct {
	Telemetry Telemetry
	Settings  Settings
}

// Surface guards Settings and Telemetry with one mutex. No method blocks
// while holding it.
type Surface struct {
	mu  sync.Mutex
	set Settings
	tel Telemetry
}

// New creates a surface with the given initial settings.
func New(settings Settings) *Surface {
	return &Surface{set: settings}
}

// Exchange runs fn under the lock. It is reserved for the control task, which
// reads settings, clears run flags and writes telemetry through it. fn must
// not block.
func (s *Surface) Exchange(fn func(set *Settings, tel *Telemetry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.set, &s.tel)
}

// Snapshot copies both halves at once.
func (s *Surface) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Telemetry: s.tel, Settings: s.set}
}

// Telemetry returns a copy of the telemetry.
func (s *Surface) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tel
}

// Settings returns a copy of the settings.
func (s *Surface) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// PV returns the filtered temperature of zone z.
func (s *Surface) PV(z runmode.Zone) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tel.PV[z]
}

// Elapsed returns the seconds into the current run.
func (s *Surface) Elapsed() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tel.Elapsed
}

// Running reports whether a run is requested or still active.
func (s *Surface) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running()
}

func (s *Surface) running() bool {
	return s.set.Flags.Auto || s.set.Flags.Manual || s.tel.State != runmode.Idle
}

// Setpoint returns the manual setpoint of zone z.
func (s *Surface) Setpoint(z runmode.Zone) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Setpoints[z]
}

// SetSetpoint changes the manual setpoint of zone z. Allowed during a manual
// run, where it re-aims the ramp.
func (s *Surface) SetSetpoint(z runmode.Zone, v float32) error {
	if math32.IsNaN(v) || v < 0 || v > MaxSetpoint {
		return errors.Wrapf(ErrInvalidSetpoint, "%s zone %g", z, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.Setpoints[z] = v
	return nil
}

// RequestManual raises the manual run flag.
func (s *Surface) RequestManual() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set.Flags.Auto || s.tel.State == runmode.AutoRunning {
		return errors.Wrap(runmode.ErrIllegalTransition, "auto run active")
	}
	s.set.Flags.Manual = true
	return nil
}

// RequestAuto raises the auto run flag for the selected profile.
func (s *Surface) RequestAuto() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set.Flags.Manual || s.tel.State == runmode.ManualRunning {
		return errors.Wrap(runmode.ErrIllegalTransition, "manual run active")
	}
	if err := s.set.Profiles[s.set.SelectedProfile].Validate(); err != nil {
		return err
	}
	s.set.Flags.Auto = true
	return nil
}

// RequestStop clears both run flags. The control task drops the duties to
// zero on its next cycle.
func (s *Surface) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.Flags = RunFlags{}
}

// Flags returns the run flags.
func (s *Surface) Flags() RunFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Flags
}

// SelectedProfile returns the selected profile slot.
func (s *Surface) SelectedProfile() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.SelectedProfile
}

// SelectProfile changes the selected slot. Refused while running.
func (s *Surface) SelectProfile(i int) error {
	if i < 0 || i >= profile.BankSize {
		return errors.Wrapf(ErrInvalidIndex, "%d", i)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return errors.Wrap(ErrRunActive, "select profile")
	}
	s.set.SelectedProfile = i
	return nil
}

// Profile returns slot i of the bank.
func (s *Surface) Profile(i int) (profile.Profile, error) {
	if i < 0 || i >= profile.BankSize {
		return profile.Profile{}, errors.Wrapf(ErrInvalidIndex, "%d", i)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Profiles[i], nil
}

// SetProfile overwrites slot i with a valid profile. Refused while running.
func (s *Surface) SetProfile(i int, p profile.Profile) error {
	if i < 0 || i >= profile.BankSize {
		return errors.Wrapf(ErrInvalidIndex, "%d", i)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return errors.Wrap(ErrRunActive, "edit profile")
	}
	s.set.Profiles[i] = p
	return nil
}

// Gains returns the gains of zone z.
func (s *Surface) Gains(z runmode.Zone) pid.Gains {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Gains[z]
}

// SetGains changes the gains of zone z. Negative gains are rejected and the
// previous gains kept; edits are refused while running.
func (s *Surface) SetGains(z runmode.Zone, g pid.Gains) error {
	if !g.Valid() {
		return errors.Wrapf(pid.ErrInvalidTuning, "%s zone gains %+v", z, g)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return errors.Wrap(ErrRunActive, "edit gains")
	}
	s.set.Gains[z] = g
	return nil
}
