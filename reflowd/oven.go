package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/itohio/goreflow/pkg/api"
	"github.com/itohio/goreflow/pkg/config"
	"github.com/itohio/goreflow/pkg/control"
	"github.com/itohio/goreflow/pkg/eeprom"
	"github.com/itohio/goreflow/pkg/gpio"
	"github.com/itohio/goreflow/pkg/history"
	"github.com/itohio/goreflow/pkg/logger"
	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/plant"
	"github.com/itohio/goreflow/pkg/pwm"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/settings"
	"github.com/itohio/goreflow/pkg/surface"
	"github.com/itohio/goreflow/pkg/telemetry"
	"github.com/itohio/goreflow/pkg/thermocouple"
)

const plantStep = 100 * time.Millisecond

// hardware is the oven I/O, real or simulated.
type hardware struct {
	sensors [runmode.Zones]thermocouple.Lines
	relays  pwm.Output
	oven    *plant.Oven
	close   func()
}

func openHardware(log *zap.SugaredLogger, cfg *config.Config) (*hardware, error) {
	if cfg.Hardware.Sim {
		p := cfg.Plant
		oven := plant.New(plant.Config{
			Ambient:      p.Ambient,
			Gains:        [runmode.Zones]float32{p.TopGain, p.BottomGain},
			TimeConstant: p.TimeConstant,
			Coupling:     p.Coupling,
		}, nil)
		log.Infow("using simulated oven", "ambient", p.Ambient, "time_constant", p.TimeConstant)
		return &hardware{
			sensors: [runmode.Zones]thermocouple.Lines{oven.Sensor(runmode.Top), oven.Sensor(runmode.Bottom)},
			relays:  oven,
			oven:    oven,
			close:   func() {},
		}, nil
	}

	h := cfg.Hardware
	chip, err := gpio.OpenChip(h.Chip)
	if err != nil {
		return nil, err
	}
	board, err := gpio.NewBoard(chip, gpio.Pins{
		ThermoSO:  h.ThermoSO,
		ThermoSCK: h.ThermoSCK,
		CS:        [runmode.Zones]int{h.TopCS, h.BottomCS},
		Data:      h.ShiftData,
		Clock:     h.ShiftClock,
		Latch:     h.ShiftLatch,
		RelayBits: [runmode.Zones]uint8{h.TopRelayBit, h.BottomRelayBit},
	})
	if err != nil {
		return nil, err
	}
	log.Infow("using GPIO board", "chip", h.Chip)
	return &hardware{
		sensors: board.Sensors,
		relays:  board.Relays,
		close: func() {
			if err := board.Close(); err != nil {
				log.Warnw("failed to release GPIO", "err", err)
			}
			if n := gpio.Errors(); n > 0 {
				log.Warnw("GPIO line errors during run", "count", n)
			}
		},
	}, nil
}

// openStore returns the EEPROM on the configured i2c-dev bus, or the
// simulated device backed by the image file.
func openStore(log *zap.SugaredLogger, cfg *config.Config) (*eeprom.Store, func(), error) {
	storeCfg := eeprom.Config{Address: cfg.Store.Address, WriteCycle: cfg.Store.WriteCycle}

	if cfg.Store.Bus != "" {
		bus, err := eeprom.OpenLinux(cfg.Store.Bus)
		if err != nil {
			return nil, nil, err
		}
		log.Infow("using EEPROM", "bus", cfg.Store.Bus, "address", cfg.Store.Address)
		return eeprom.New(bus, storeCfg), func() { bus.Close() }, nil
	}

	sim, err := eeprom.OpenSimFile(cfg.Store.Image, nil)
	if err != nil {
		return nil, nil, err
	}
	log.Infow("using simulated EEPROM", "image", cfg.Store.Image)
	return eeprom.New(sim, storeCfg), func() {}, nil
}

// loadSettings reads the persisted bank and gains. Every failure falls back
// to factory values and is only logged.
func loadSettings(log *zap.SugaredLogger, store settings.Store, cfg *config.Config) surface.Settings {
	set := surface.DefaultSettings()
	set.Setpoints = [runmode.Zones]float32{cfg.Defaults.TopSetpoint, cfg.Defaults.BottomSetpoint}
	set.Gains = [runmode.Zones]pid.Gains{cfg.Defaults.TopGains, cfg.Defaults.BottomGains}

	p, replaced, err := settings.Load(store)
	switch {
	case errors.Is(err, settings.ErrAbsent):
		log.Warn("settings store absent, using defaults; saving disabled until it answers")
		return set
	case errors.Is(err, settings.ErrBlank):
		log.Info("settings store blank, using defaults")
		return set
	case err != nil:
		log.Warnw("failed to load settings, using defaults", "err", err)
		return set
	}

	if replaced > 0 {
		log.Warnw("invalid stored profiles replaced by the default", "count", replaced)
	}
	set.Profiles = p.Profiles
	set.Gains = p.Gains
	log.Infow("settings loaded", "top_gains", p.Gains[runmode.Top], "bottom_gains", p.Gains[runmode.Bottom])
	return set
}

// openSinks opens the configured telemetry sinks. A sink that fails to open
// is skipped.
func openSinks(log *zap.SugaredLogger, cfg *config.Config) ([]telemetry.Sink, *history.Recorder) {
	var sinks []telemetry.Sink
	t := cfg.Telemetry

	if t.Log {
		sinks = append(sinks, telemetry.NewLogSink(logger.Named("telemetry")))
	}
	if t.Serial.Port != "" {
		s, err := telemetry.OpenSerial(t.Serial.Port, t.Serial.Baud)
		if err != nil {
			log.Warnw("serial telemetry disabled", "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if t.MQTT.Broker != "" {
		s, err := telemetry.DialMQTT(logger.Named("mqtt"), t.MQTT.Broker, t.MQTT.ClientID, t.MQTT.Topic)
		if err != nil {
			log.Warnw("MQTT telemetry disabled", "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	var hist *history.Recorder
	if cfg.History.Path != "" {
		h, err := history.Open(cfg.History.Path)
		if err != nil {
			log.Warnw("run history disabled", "err", err)
		} else {
			hist = h
			sinks = append(sinks, h)
		}
	}
	return sinks, hist
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.L()

	hw, err := openHardware(log, cfg)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(log, cfg)
	if err != nil {
		hw.close()
		return err
	}

	surf := surface.New(loadSettings(log, store, cfg))

	var samplers [runmode.Zones]*thermocouple.Sampler
	for z := range samplers {
		samplers[z] = thermocouple.New(hw.sensors[z], thermocouple.Config{
			MinInterval: cfg.Sensing.MinInterval,
			BitDelay:    cfg.Sensing.BitDelay,
		})
	}
	sensors := control.NewSensors(logger.Named("sensing"), samplers, cfg.Sensing.Window)

	c := cfg.Control
	machine := runmode.New(runmode.Config{
		RampWindow: c.RampSeconds,
		Resolution: cfg.PWM.Resolution,
		SampleTime: c.SampleTime,
		Tau:        c.DerivativeTau,
		OutputMin:  c.OutputMin,
		OutputMax:  c.OutputMax,
	}, pid.New(), pid.New())
	engine := pwm.NewEngine(hw.relays, cfg.PWM.Resolution, int(runmode.Zones))

	sinks, hist := openSinks(log, cfg)
	publisher := telemetry.NewPublisher(logger.Named("telemetry"), cfg.Telemetry.Buffer, sinks...)
	loop := control.NewLoop(logger.Named("control"), sensors, surf, machine, engine, publisher)

	sched := control.NewScheduler(log)
	sched.Go("sensing", func(ctx context.Context) error { return sensors.Run(ctx, cfg.Sensing.Period) })
	sched.Go("control", func(ctx context.Context) error { return loop.Run(ctx, c.Period) })
	sched.Go("pwm", func(ctx context.Context) error { return engine.Run(ctx, cfg.PWM.Tick) })
	sched.Go("telemetry", publisher.Run)
	if hw.oven != nil {
		sched.Go("plant", func(ctx context.Context) error { return hw.oven.Run(ctx, plantStep) })
	}
	if cfg.API.Listen != "" {
		var runs api.RunHistory
		if hist != nil {
			runs = hist
		}
		srv := api.New(logger.Named("api"), surf, store, runs)
		sched.Go("api", func(ctx context.Context) error { return srv.Serve(ctx, cfg.API.Listen) })
	}
	sched.OnExit(hw.close)
	sched.OnExit(closeStore)
	sched.OnExit(func() {
		if n := publisher.Dropped(); n > 0 {
			log.Warnw("telemetry events dropped", "count", n)
		}
	})

	log.Infow("controller running", "control_period", c.Period, "pwm_tick", cfg.PWM.Tick)
	return sched.Run(ctx)
}
