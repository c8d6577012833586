//go:build tinygo

package main

import "machine"

const (
	// Thermocouple converters share SO and SCK
	PIN_THERM_SO        = machine.GPIO18
	PIN_THERM_SCK       = machine.GPIO20
	PIN_THERM_CS_TOP    = machine.GPIO19
	PIN_THERM_CS_BOTTOM = machine.GPIO17

	// 74HC595 driving the solid state relays
	PIN_SFT_DATA   = machine.GPIO21
	PIN_SFT_LATCH  = machine.GPIO22
	PIN_SFT_CLOCK  = machine.GPIO23
	SSR_TOP_BIT    = 5
	SSR_BOTTOM_BIT = 4

	// AT24C16 settings EEPROM
	PIN_I2C_SDA   = machine.GPIO0
	PIN_I2C_SCL   = machine.GPIO1
	I2C_FREQUENCY = 400 * machine.KHz

	// Task periods
	SENSE_INTERVAL_MS   = 200
	CONTROL_INTERVAL_MS = 1000
	PWM_TICK_US         = 500
	PWM_RESOLUTION      = 1000

	// Controller
	FILTER_WINDOW  = 10
	RAMP_SECONDS   = 90
	SAMPLE_TIME    = 1.0
	DERIVATIVE_TAU = 0.3

	// Command console. One command per line:
	//   m        start manual run
	//   a        start auto run with the selected profile
	//   s        stop
	//   p<0-9>   select profile
	//   t<degC>  top setpoint, b<degC> bottom setpoint
	//   w        save profiles and gains
	UART_BAUD_RATE = 115200
)
