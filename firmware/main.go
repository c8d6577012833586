//go:build tinygo

//go:generate tinygo flash -target=pico

package main

import (
	"context"
	"fmt"
	"machine"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/eeprom"
	"github.com/itohio/goreflow/pkg/filter"
	"github.com/itohio/goreflow/pkg/gpio"
	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/pwm"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/settings"
	"github.com/itohio/goreflow/pkg/surface"
	"github.com/itohio/goreflow/pkg/thermocouple"
)

var (
	uart = machine.UART0

	store  *eeprom.Store
	surf   *surface.Surface
	runner *runmode.Machine
	engine *pwm.Engine

	// Sensor state, taken before the surface lock
	sensorMu sync.Mutex
	samplers [runmode.Zones]*thermocouple.Sampler
	filters  [runmode.Zones]*filter.MovingAverage
	open     [runmode.Zones]bool

	// Serial buffer for reading lines
	serialBuffer [16]byte
	serialPos    int
)

func main() {
	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	surf = surface.New(loadSettings())

	configureSensors()
	configureRelays()

	runner = runmode.New(runmode.Config{
		RampWindow: RAMP_SECONDS,
		Resolution: PWM_RESOLUTION,
		SampleTime: SAMPLE_TIME,
		Tau:        DERIVATIVE_TAU,
		OutputMin:  0,
		OutputMax:  1,
	}, pid.New(), pid.New())

	go engine.Run(context.Background(), PWM_TICK_US*time.Microsecond)
	go senseLoop()

	lastControl := time.Now()
	for {
		processSerial()

		if now := time.Now(); now.Sub(lastControl) >= CONTROL_INTERVAL_MS*time.Millisecond {
			control()
			lastControl = now
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func loadSettings() surface.Settings {
	machine.I2C0.Configure(machine.I2CConfig{
		SDA:       PIN_I2C_SDA,
		SCL:       PIN_I2C_SCL,
		Frequency: I2C_FREQUENCY,
	})
	store = eeprom.New(machine.I2C0, eeprom.Config{})

	set := surface.DefaultSettings()
	p, replaced, err := settings.Load(store)
	switch {
	case err == nil:
	case errors.Is(err, settings.ErrAbsent):
		println("eeprom: not found, using defaults")
		return set
	case errors.Is(err, settings.ErrBlank):
		println("eeprom: blank, using defaults")
		return set
	default:
		println("eeprom:", err.Error())
		return set
	}
	if replaced > 0 {
		println("eeprom: replaced invalid profiles", replaced)
	}
	set.Profiles = p.Profiles
	set.Gains = p.Gains
	return set
}

func configureSensors() {
	PIN_THERM_SO.Configure(machine.PinConfig{Mode: machine.PinInput})
	PIN_THERM_SCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_THERM_CS_TOP.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_THERM_CS_BOTTOM.Configure(machine.PinConfig{Mode: machine.PinOutput})

	bus := gpio.NewBus(PIN_THERM_SO, PIN_THERM_SCK)
	cs := [runmode.Zones]machine.Pin{PIN_THERM_CS_TOP, PIN_THERM_CS_BOTTOM}
	for z := range samplers {
		samplers[z] = thermocouple.New(bus.Device(cs[z]), thermocouple.Config{})
		filters[z] = filter.New(FILTER_WINDOW)
	}
}

func configureRelays() {
	PIN_SFT_DATA.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_SFT_CLOCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_SFT_LATCH.Configure(machine.PinConfig{Mode: machine.PinOutput})

	relays := pwm.NewHC595(PIN_SFT_DATA, PIN_SFT_CLOCK, PIN_SFT_LATCH, SSR_TOP_BIT, SSR_BOTTOM_BIT)
	engine = pwm.NewEngine(relays, PWM_RESOLUTION, int(runmode.Zones))
}

func senseLoop() {
	for {
		for z := runmode.Top; z < runmode.Zones; z++ {
			r, err := samplers[z].Sample()
			switch {
			case err == nil:
			case errors.Is(err, thermocouple.ErrNotReady):
				continue
			case errors.Is(err, thermocouple.ErrOpenCircuit):
				sensorMu.Lock()
				if !open[z] {
					println("thermocouple open circuit", z.String())
				}
				open[z] = true
				sensorMu.Unlock()
				continue
			default:
				continue
			}

			sensorMu.Lock()
			if open[z] {
				println("thermocouple connected", z.String())
			}
			open[z] = false
			filters[z].Record(int(r.Code))
			sensorMu.Unlock()
		}
		time.Sleep(SENSE_INTERVAL_MS * time.Millisecond)
	}
}

func temperatures() (temps [runmode.Zones]float32) {
	sensorMu.Lock()
	defer sensorMu.Unlock()
	for z := range temps {
		temps[z] = thermocouple.ToCelsius(filters[z].Average())
	}
	return temps
}

func control() {
	temps := temperatures()

	var (
		out     runmode.Output
		refused error
	)
	surf.Exchange(func(set *surface.Settings, tel *surface.Telemetry) {
		out, refused = runner.Step(temps, runmode.Request{
			Manual:    set.Flags.Manual,
			Auto:      set.Flags.Auto,
			Setpoints: set.Setpoints,
			Profile:   set.Profiles[set.SelectedProfile],
			Gains:     set.Gains,
		})
		if refused != nil || out.Completed {
			set.Flags = surface.RunFlags{}
		}
		if out.Completed {
			tel.Completed++
		}
		tel.PV = temps
		tel.Elapsed = out.Elapsed
		tel.State = out.State
		tel.Targets = out.Targets
		tel.Duties = out.Duties
		tel.Terms = out.Terms
	})

	for z := runmode.Top; z < runmode.Zones; z++ {
		engine.Send(int(z), out.Duties[z])
	}

	if refused != nil {
		println("refused:", refused.Error())
		return
	}
	if out.Started {
		for z := runmode.Top; z < runmode.Zones; z++ {
			c := runner.Controller(z)
			g := c.Gains()
			fmt.Printf("Starting P %f I %f D %f sampleTime %.1f tau %f\n", g.Kp, g.Ki, g.Kd, c.SampleTime(), c.Tau())
		}
	}
	if out.State == runmode.Idle {
		return
	}

	// zone;elapsed;measurement;output;proportional;integral;derivative;error;setpoint
	for z := runmode.Top; z < runmode.Zones; z++ {
		t := out.Terms[z]
		fmt.Printf("%s;%d;%.2f;%.3f;%.3f;%.3f;%.3f;%.2f;%.2f\n",
			z, out.Elapsed, t.Measurement, t.Output, t.Proportional, t.Integral, t.Derivative, t.Error, t.Setpoint)
	}
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 0 {
				command(string(serialBuffer[:serialPos]))
			}
			serialPos = 0
			continue
		}

		// Ignore whitespace
		if data == ' ' || data == '\t' {
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		}
	}
}

func command(cmd string) {
	var err error
	switch cmd[0] {
	case 'm':
		err = surf.RequestManual()
	case 'a':
		err = surf.RequestAuto()
	case 's':
		surf.RequestStop()
	case 'p':
		var i int
		if i, err = strconv.Atoi(cmd[1:]); err == nil {
			err = surf.SelectProfile(i)
		}
	case 't', 'b':
		z := runmode.Top
		if cmd[0] == 'b' {
			z = runmode.Bottom
		}
		var v float64
		if v, err = strconv.ParseFloat(cmd[1:], 32); err == nil {
			err = surf.SetSetpoint(z, float32(v))
		}
	case 'w':
		set := surf.Settings()
		err = settings.Save(store, settings.Persisted{Profiles: set.Profiles, Gains: set.Gains})
	default:
		err = errors.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		println("error:", err.Error())
		return
	}
	println("ok")
}
