package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/itohio/goreflow/pkg/pid"
)

// Config represents the daemon configuration.
type Config struct {
	LogLevel  zapcore.Level   `yaml:"log_level"`
	Control   ControlConfig   `yaml:"control"`
	Sensing   SensingConfig   `yaml:"sensing"`
	PWM       PWMConfig       `yaml:"pwm"`
	Store     StoreConfig     `yaml:"store"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	History   HistoryConfig   `yaml:"history"`
	API       APIConfig       `yaml:"api"`
	Plant     PlantConfig     `yaml:"plant"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ControlConfig contains control loop parameters.
type ControlConfig struct {
	Period        time.Duration `yaml:"period"`
	SampleTime    float32       `yaml:"sample_time"`    // Nominal PID sample time (s), not measured
	DerivativeTau float32       `yaml:"derivative_tau"` // 0 disables derivative filtering
	RampSeconds   uint32        `yaml:"ramp_seconds"`   // Manual ramp window
	OutputMin     float32       `yaml:"output_min"`
	OutputMax     float32       `yaml:"output_max"`
}

// SensingConfig contains thermocouple sampling parameters.
type SensingConfig struct {
	Period      time.Duration `yaml:"period"`
	MinInterval time.Duration `yaml:"min_interval"` // Converter conversion time
	BitDelay    time.Duration `yaml:"bit_delay"`
	Window      int           `yaml:"window"` // Moving average window
}

// PWMConfig contains relay PWM parameters.
type PWMConfig struct {
	Resolution uint16        `yaml:"resolution"`
	Tick       time.Duration `yaml:"tick"`
}

// StoreConfig contains EEPROM parameters.
type StoreConfig struct {
	Bus        string        `yaml:"bus"`   // i2c-dev node, or empty for the simulated device
	Image      string        `yaml:"image"` // Backing file of the simulated device
	Address    uint16        `yaml:"address"`
	WriteCycle time.Duration `yaml:"write_cycle"`
}

// HardwareConfig contains GPIO line offsets.
type HardwareConfig struct {
	Sim            bool   `yaml:"sim"` // Use the simulated oven instead of GPIO
	Chip           string `yaml:"chip"`
	ThermoSO       int    `yaml:"thermo_so"`
	ThermoSCK      int    `yaml:"thermo_sck"`
	TopCS          int    `yaml:"top_cs"`
	BottomCS       int    `yaml:"bottom_cs"`
	ShiftData      int    `yaml:"shift_data"`
	ShiftClock     int    `yaml:"shift_clock"`
	ShiftLatch     int    `yaml:"shift_latch"`
	TopRelayBit    uint8  `yaml:"top_relay_bit"`
	BottomRelayBit uint8  `yaml:"bottom_relay_bit"`
}

// TelemetryConfig contains telemetry sinks.
type TelemetryConfig struct {
	Buffer int          `yaml:"buffer"`
	Log    bool         `yaml:"log"` // Write telemetry lines to the log
	Serial SerialConfig `yaml:"serial"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// SerialConfig contains serial port configuration. Empty port disables it.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// MQTTConfig contains broker configuration. Empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"` // Generated when empty
}

// HistoryConfig contains the run history database. Empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains the HTTP API listener. Empty address disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// PlantConfig contains the simulated oven model.
type PlantConfig struct {
	Ambient      float32 `yaml:"ambient"`       // °C
	TopGain      float32 `yaml:"top_gain"`      // Steady-state rise at full duty (°C)
	BottomGain   float32 `yaml:"bottom_gain"`   // Steady-state rise at full duty (°C)
	TimeConstant float32 `yaml:"time_constant"` // s
	Coupling     float32 `yaml:"coupling"`      // Fraction of each zone's heat reaching the other
}

// DefaultsConfig contains factory values used when the store is blank or absent.
type DefaultsConfig struct {
	TopSetpoint    float32   `yaml:"top_setpoint"`
	BottomSetpoint float32   `yaml:"bottom_setpoint"`
	TopGains       pid.Gains `yaml:"top_gains"`
	BottomGains    pid.Gains `yaml:"bottom_gains"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		LogLevel: zapcore.InfoLevel,
		Control: ControlConfig{
			Period:        time.Second,
			SampleTime:    1.0,
			DerivativeTau: 0.3, // Pole at 1/0.3
			RampSeconds:   90,
			OutputMin:     0,
			OutputMax:     1,
		},
		Sensing: SensingConfig{
			Period:      200 * time.Millisecond,
			MinInterval: 220 * time.Millisecond,
			Window:      10,
		},
		PWM: PWMConfig{
			Resolution: 1000,
			Tick:       500 * time.Microsecond, // 0.5s relay period
		},
		Store: StoreConfig{
			Image:      "eeprom.bin",
			Address:    0x50,
			WriteCycle: 7 * time.Millisecond,
		},
		Hardware: HardwareConfig{
			Sim:            true,
			Chip:           "gpiochip0",
			ThermoSO:       18,
			ThermoSCK:      20,
			TopCS:          19,
			BottomCS:       17,
			ShiftData:      21,
			ShiftClock:     23,
			ShiftLatch:     22,
			TopRelayBit:    5,
			BottomRelayBit: 4,
		},
		Telemetry: TelemetryConfig{
			Buffer: 16,
			Log:    true,
			Serial: SerialConfig{
				Baud: 115200,
			},
			MQTT: MQTTConfig{
				Topic: "reflow/telemetry",
			},
		},
		API: APIConfig{
			Listen: "127.0.0.1:8070",
		},
		Plant: PlantConfig{
			Ambient:      25,
			TopGain:      260,
			BottomGain:   220,
			TimeConstant: 60,
			Coupling:     0.15,
		},
		Defaults: DefaultsConfig{
			TopSetpoint:    150,
			BottomSetpoint: 70,
			TopGains:       pid.Gains{Kp: 0.025, Ki: 0.0004, Kd: 0.3},
			BottomGains:    pid.Gains{Kp: 0.03, Ki: 0.0005, Kd: 0.3},
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Control.Period <= 0 {
		c.Control.Period = def.Control.Period
	}
	if c.Control.SampleTime <= 0 {
		c.Control.SampleTime = def.Control.SampleTime
	}
	if c.Control.DerivativeTau < 0 {
		c.Control.DerivativeTau = def.Control.DerivativeTau
	}
	if c.Control.RampSeconds == 0 {
		c.Control.RampSeconds = def.Control.RampSeconds
	}
	if c.Control.OutputMax <= c.Control.OutputMin {
		c.Control.OutputMin = def.Control.OutputMin
		c.Control.OutputMax = def.Control.OutputMax
	}

	if c.Sensing.Period <= 0 {
		c.Sensing.Period = def.Sensing.Period
	}
	if c.Sensing.MinInterval <= 0 {
		c.Sensing.MinInterval = def.Sensing.MinInterval
	}
	if c.Sensing.Window <= 0 {
		c.Sensing.Window = def.Sensing.Window
	}

	if c.PWM.Resolution == 0 {
		c.PWM.Resolution = def.PWM.Resolution
	}
	if c.PWM.Tick <= 0 {
		c.PWM.Tick = def.PWM.Tick
	}

	if c.Store.Address == 0 {
		c.Store.Address = def.Store.Address
	}
	if c.Store.WriteCycle <= 0 {
		c.Store.WriteCycle = def.Store.WriteCycle
	}

	if c.Hardware.Chip == "" {
		c.Hardware.Chip = def.Hardware.Chip
	}

	if c.Telemetry.Buffer <= 0 {
		c.Telemetry.Buffer = def.Telemetry.Buffer
	}
	if c.Telemetry.Serial.Baud == 0 {
		c.Telemetry.Serial.Baud = def.Telemetry.Serial.Baud
	}
	if c.Telemetry.MQTT.Topic == "" {
		c.Telemetry.MQTT.Topic = def.Telemetry.MQTT.Topic
	}

	if c.Plant.TimeConstant <= 0 {
		c.Plant.TimeConstant = def.Plant.TimeConstant
	}
}
