package config

import (
	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/plan"
	"github.com/montanafw/trimcal/pkg/sampler"
)

// Backend selects the register transport of the station.
type Backend string

const (
	// BackendSim drives the in-memory simulated board.
	BackendSim Backend = "sim"
	// BackendSerial drives a device through its serial debug monitor.
	BackendSerial Backend = "serial"
)

type Config interface {
	Backend() Backend
	SerialPort() string
	SerialBaud() int
	ADCChannel() int
	SysclkHz() uint32
	StabilizeAttempts() int
	PollBudget() int
	OscTimeoutCycles() uint32
	Targets() plan.Plan
	FactoryDefaults() map[calibration.Block]calibration.TrimCode
	Mandatory() []calibration.Block
	Cron() string
	AllowNonRootAccess() bool

	SetTargets(plan.Plan)
	SetCron(string)
	SetAllowNonRootAccess(bool)

	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// SamplerConfig returns the sampler bounds configured in c.
func SamplerConfig(c Config) sampler.Config {
	return sampler.Config{
		StabilizeAttempts: c.StabilizeAttempts(),
		PollBudget:        c.PollBudget(),
		TimeoutCycles:     c.OscTimeoutCycles(),
	}.WithDefaults()
}

// RunnerOptions returns plan runner options built from c. notify may be nil.
func RunnerOptions(c Config, notify func(plan.Event)) plan.Options {
	return plan.Options{
		ADCChannel:      c.ADCChannel(),
		SysclkHz:        c.SysclkHz(),
		Sampler:         SamplerConfig(c),
		FactoryDefaults: c.FactoryDefaults(),
		Mandatory:       c.Mandatory(),
		Notify:          notify,
	}
}
