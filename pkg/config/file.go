package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/hw/serialconn"
	"github.com/montanafw/trimcal/pkg/plan"
	"github.com/montanafw/trimcal/pkg/sampler"
	"github.com/montanafw/trimcal/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Backend:           ptr.To(BackendSim),
		SerialPort:        ptr.To("/dev/ttyUSB0"),
		SerialBaud:        ptr.To(serialconn.DefaultBaud),
		ADCChannel:        ptr.To(6),
		SysclkHz:          ptr.To(uint32(16_000_000)),
		StabilizeAttempts: ptr.To(sampler.DefaultStabilizeAttempts),
		PollBudget:        ptr.To(sampler.DefaultPollBudget),
		// Zero leaves the counter windows bounded by the poll budget only.
		OscTimeoutCycles: ptr.To(uint32(0)),
		Targets:          plan.Default().Steps,
		FactoryDefaults: map[calibration.Block]calibration.TrimCode{
			calibration.BlockVDDFLASH: 36,
		},
		Mandatory:          []calibration.Block{calibration.BlockVDDFLASH},
		Cron:               ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// RawFileConfig is the on-disk form. Unset fields fall back to defaults.
type RawFileConfig struct {
	Backend            *Backend                                   `json:"backend,omitempty"`
	SerialPort         *string                                    `json:"serialPort,omitempty"`
	SerialBaud         *int                                       `json:"serialBaud,omitempty"`
	ADCChannel         *int                                       `json:"adcChannel,omitempty"`
	SysclkHz           *uint32                                    `json:"sysclkHz,omitempty"`
	StabilizeAttempts  *int                                       `json:"stabilizeAttempts,omitempty"`
	PollBudget         *int                                       `json:"pollBudget,omitempty"`
	OscTimeoutCycles   *uint32                                    `json:"oscTimeoutCycles,omitempty"`
	Targets            []plan.Step                                `json:"targets,omitempty"`
	FactoryDefaults    map[calibration.Block]calibration.TrimCode `json:"factoryDefaults,omitempty"`
	Mandatory          []calibration.Block                        `json:"mandatory,omitempty"`
	Cron               *string                                    `json:"cron,omitempty"`
	AllowNonRootAccess *bool                                      `json:"allowNonRootAccess,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		Backend:            ptr.To(c.Backend()),
		SerialPort:         ptr.To(c.SerialPort()),
		SerialBaud:         ptr.To(c.SerialBaud()),
		ADCChannel:         ptr.To(c.ADCChannel()),
		SysclkHz:           ptr.To(c.SysclkHz()),
		StabilizeAttempts:  ptr.To(c.StabilizeAttempts()),
		PollBudget:         ptr.To(c.PollBudget()),
		OscTimeoutCycles:   ptr.To(c.OscTimeoutCycles()),
		Targets:            c.Targets().Steps,
		FactoryDefaults:    c.FactoryDefaults(),
		Mandatory:          c.Mandatory(),
		Cron:               ptr.To(c.Cron()),
		AllowNonRootAccess: ptr.To(c.AllowNonRootAccess()),
	}

	return rawConfig, nil
}

// value returns *v, or *def when v is unset.
func value[T any](v, def *T) T {
	if v != nil {
		return *v
	}
	return *def
}

func (f *File) rlock() func() {
	if f.c == nil {
		panic("config is nil")
	}
	f.mu.RLock()
	return f.mu.RUnlock
}

func (f *File) Backend() Backend {
	defer f.rlock()()
	return value(f.c.Backend, defaultFileConfig.Backend)
}

func (f *File) SerialPort() string {
	defer f.rlock()()
	return value(f.c.SerialPort, defaultFileConfig.SerialPort)
}

func (f *File) SerialBaud() int {
	defer f.rlock()()
	return value(f.c.SerialBaud, defaultFileConfig.SerialBaud)
}

func (f *File) ADCChannel() int {
	defer f.rlock()()
	return value(f.c.ADCChannel, defaultFileConfig.ADCChannel)
}

func (f *File) SysclkHz() uint32 {
	defer f.rlock()()
	return value(f.c.SysclkHz, defaultFileConfig.SysclkHz)
}

func (f *File) StabilizeAttempts() int {
	defer f.rlock()()
	return value(f.c.StabilizeAttempts, defaultFileConfig.StabilizeAttempts)
}

func (f *File) PollBudget() int {
	defer f.rlock()()
	return value(f.c.PollBudget, defaultFileConfig.PollBudget)
}

func (f *File) OscTimeoutCycles() uint32 {
	defer f.rlock()()
	return value(f.c.OscTimeoutCycles, defaultFileConfig.OscTimeoutCycles)
}

// Targets returns the configured calibration plan. The steps are a copy.
func (f *File) Targets() plan.Plan {
	defer f.rlock()()

	steps := f.c.Targets
	if len(steps) == 0 {
		steps = defaultFileConfig.Targets
	}
	return plan.Plan{Steps: append([]plan.Step(nil), steps...)}
}

func (f *File) FactoryDefaults() map[calibration.Block]calibration.TrimCode {
	defer f.rlock()()

	src := f.c.FactoryDefaults
	if src == nil {
		src = defaultFileConfig.FactoryDefaults
	}
	out := make(map[calibration.Block]calibration.TrimCode, len(src))
	for b, code := range src {
		out[b] = code
	}
	return out
}

func (f *File) Mandatory() []calibration.Block {
	defer f.rlock()()

	if f.c.Mandatory == nil {
		return append([]calibration.Block(nil), defaultFileConfig.Mandatory...)
	}
	return append([]calibration.Block(nil), f.c.Mandatory...)
}

func (f *File) Cron() string {
	defer f.rlock()()
	return value(f.c.Cron, defaultFileConfig.Cron)
}

func (f *File) AllowNonRootAccess() bool {
	defer f.rlock()()
	return value(f.c.AllowNonRootAccess, defaultFileConfig.AllowNonRootAccess)
}

func (f *File) SetTargets(p plan.Plan) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Targets = append([]plan.Step(nil), p.Steps...)
}

func (f *File) SetCron(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Cron = &s
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

// validate rejects values no station can run with.
func (c *RawFileConfig) validate() error {
	if c.Backend != nil && *c.Backend != BackendSim && *c.Backend != BackendSerial {
		return fmt.Errorf("unknown backend %q", *c.Backend)
	}
	if c.ADCChannel != nil && (*c.ADCChannel < 0 || *c.ADCChannel >= hw.NumADCChannels) {
		return fmt.Errorf("adcChannel must be between 0 and %d, got %d", hw.NumADCChannels-1, *c.ADCChannel)
	}
	if c.SysclkHz != nil && *c.SysclkHz == 0 {
		return fmt.Errorf("sysclkHz must be positive")
	}
	if len(c.Targets) > 0 {
		if err := (plan.Plan{Steps: c.Targets}).Validate(); err != nil {
			return fmt.Errorf("invalid targets: %w", err)
		}
	}
	for b := range c.FactoryDefaults {
		if _, err := calibration.ParseBlock(string(b)); err != nil {
			return fmt.Errorf("invalid factoryDefaults: %w", err)
		}
	}
	for _, b := range c.Mandatory {
		if _, err := calibration.ParseBlock(string(b)); err != nil {
			return fmt.Errorf("invalid mandatory: %w", err)
		}
	}
	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	if err := conf.validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config in file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"backend":            f.Backend(),
		"serialPort":         f.SerialPort(),
		"adcChannel":         f.ADCChannel(),
		"sysclkHz":           f.SysclkHz(),
		"stabilizeAttempts":  f.StabilizeAttempts(),
		"pollBudget":         f.PollBudget(),
		"steps":              len(f.Targets().Steps),
		"mandatory":          f.Mandatory(),
		"cron":               f.Cron(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
	}
}
