// ============================================================================
// FEMD Config - daemon configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Typed configuration for the lanes, hardware backends, safety engine,
//          DAC bounds, temperature compensation tables and alarm delivery.
//
// Sources:
//   - YAML (.yaml/.yml) decoded with gopkg.in/yaml.v3
//   - JSON with comments (.json/.jsonc) stripped by tidwall/jsonc then decoded
//     with encoding/json, the layout the safety config has always used
//
// Every loader starts from Default() so a partial file only overrides what it names.
// Validate() is run by Load(); the rest of the daemon only ever sees a validated value.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/ChuLiYu/femd/pkg/types"
)

// MaxTablePoints is the largest temperature compensation table accepted per unit.
const MaxTablePoints = 16

// DefaultBand is used when ENV_FEM_BAND is unset.
const DefaultBand = "B41"

// BandEnv selects the compensation band at load time.
const BandEnv = "ENV_FEM_BAND"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete daemon configuration
type Config struct {
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Lanes        LanesConfig        `yaml:"lanes" json:"lanes"`
	Hardware     HardwareConfig     `yaml:"hardware" json:"hardware"`
	Safety       SafetyConfig       `yaml:"safety" json:"safety"`
	DAC          DACConfig          `yaml:"dac" json:"dac"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" json:"monitoring"`
	Emergency    EmergencyConfig    `yaml:"emergency" json:"emergency"`
	Compensation CompensationConfig `yaml:"temperature_compensation" json:"temperature_compensation"`
	Notify       NotifyConfig       `yaml:"notify" json:"notify"`
	StateFile    string             `yaml:"state_file" json:"state_file"`
}

type LoggingConfig struct {
	LogLevel     string `yaml:"log_level" json:"log_level"`
	SafetyEvents bool   `yaml:"safety_events" json:"safety_events"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// LanesConfig sizes the per-lane queues and sets the sampling period.
type LanesConfig struct {
	QueueCapacity       int `yaml:"queue_capacity" json:"queue_capacity"`
	OpTableSize         int `yaml:"op_table_size" json:"op_table_size"`
	SampleIntervalMs    int `yaml:"sample_interval_ms" json:"sample_interval_ms"`
	LatchSaveIntervalMs int `yaml:"latch_save_interval_ms" json:"latch_save_interval_ms"`
}

// HardwareConfig selects the bus and GPIO backends.
type HardwareConfig struct {
	Backend     string     `yaml:"backend" json:"backend"` // auto, sim, smbus
	Sysroot     string     `yaml:"sysroot" json:"sysroot"`
	CtrlBus     int        `yaml:"ctrl_bus" json:"ctrl_bus"`
	Fem1Bus     int        `yaml:"fem1_bus" json:"fem1_bus"`
	Fem2Bus     int        `yaml:"fem2_bus" json:"fem2_bus"`
	AdcSettleMs int        `yaml:"adc_settle_ms" json:"adc_settle_ms"`
	GPIO        GPIOConfig `yaml:"gpio" json:"gpio"`
}

type GPIOConfig struct {
	Backend string   `yaml:"backend" json:"backend"` // sysfs, sim
	Fem1    GPIOPins `yaml:"fem1" json:"fem1"`
	Fem2    GPIOPins `yaml:"fem2" json:"fem2"`
}

// GPIOPins are sysfs gpio numbers of one FEM's control lines.
type GPIOPins struct {
	TxRF      int `yaml:"tx_rf_enable" json:"tx_rf_enable"`
	RxRF      int `yaml:"rx_rf_enable" json:"rx_rf_enable"`
	PaVds     int `yaml:"pa_vds_enable" json:"pa_vds_enable"`
	RfPal     int `yaml:"rf_pal_enable" json:"rf_pal_enable"`
	PaDisable int `yaml:"pa_disable" json:"pa_disable"`
}

// SafetyConfig drives the trip/restore state machine.
type SafetyConfig struct {
	Enabled                     bool             `yaml:"enabled" json:"enabled"`
	CheckIntervalMs             int              `yaml:"check_interval_ms" json:"check_interval_ms"`
	MaxViolationsBeforeShutdown int              `yaml:"max_violations_before_shutdown" json:"max_violations_before_shutdown"`
	AutoRestoreEnabled          bool             `yaml:"auto_restore_enabled" json:"auto_restore_enabled"`
	RestoreCooldownMs           int              `yaml:"restore_cooldown_ms" json:"restore_cooldown_ms"`
	RestoreOkChecks             int              `yaml:"restore_ok_checks" json:"restore_ok_checks"`
	RestoreResetUnitStats       bool             `yaml:"restore_reset_unit_stats" json:"restore_reset_unit_stats"`
	Thresholds                  Thresholds       `yaml:"thresholds" json:"thresholds"`
	TemperatureZones            TemperatureZones `yaml:"temperature_zones" json:"temperature_zones"`
}

type Thresholds struct {
	MaxReversePowerDbm float64 `yaml:"max_reverse_power_dbm" json:"max_reverse_power_dbm"`
	MaxForwardPowerDbm float64 `yaml:"max_forward_power_dbm" json:"max_forward_power_dbm"`
	MaxPaCurrentA      float64 `yaml:"max_pa_current_a" json:"max_pa_current_a"`
	MaxTemperatureC    float64 `yaml:"max_temperature_c" json:"max_temperature_c"`
	MinTemperatureC    float64 `yaml:"min_temperature_c" json:"min_temperature_c"`
}

type TemperatureZones struct {
	CriticalHigh float64 `yaml:"critical_high" json:"critical_high"`
	WarningHigh  float64 `yaml:"warning_high" json:"warning_high"`
	NormalHigh   float64 `yaml:"normal_high" json:"normal_high"`
	NormalLow    float64 `yaml:"normal_low" json:"normal_low"`
	WarningLow   float64 `yaml:"warning_low" json:"warning_low"`
	CriticalLow  float64 `yaml:"critical_low" json:"critical_low"`
}

type DACConfig struct {
	VoltageRange    VoltageRange    `yaml:"voltage_range" json:"voltage_range"`
	DefaultVoltages DefaultVoltages `yaml:"default_voltages" json:"default_voltages"`
}

type VoltageRange struct {
	MinVoltage     float64 `yaml:"min_voltage" json:"min_voltage"`
	MaxVoltage     float64 `yaml:"max_voltage" json:"max_voltage"`
	ResolutionBits int     `yaml:"resolution_bits" json:"resolution_bits"`
}

type DefaultVoltages struct {
	CarrierVoltage  float64 `yaml:"carrier_voltage" json:"carrier_voltage"`
	PeakVoltage     float64 `yaml:"peak_voltage" json:"peak_voltage"`
	ShutdownVoltage float64 `yaml:"shutdown_voltage" json:"shutdown_voltage"`
	StandbyVoltage  float64 `yaml:"standby_voltage" json:"standby_voltage"`
}

type MonitoringConfig struct {
	ADC ADCMonitoring `yaml:"adc" json:"adc"`
}

type ADCMonitoring struct {
	CalibrationOffsetMv int `yaml:"calibration_offset_mv" json:"calibration_offset_mv"`
}

// EmergencyConfig chooses which GPIO lines a PA shutdown cuts.
type EmergencyConfig struct {
	DisableTxRF   bool `yaml:"disable_tx_rf" json:"disable_tx_rf"`
	DisablePaVds  bool `yaml:"disable_pa_vds" json:"disable_pa_vds"`
	Disable28VVds bool `yaml:"disable_28v_vds" json:"disable_28v_vds"`
}

// CompensationConfig holds per-band, per-unit temperature compensation tables.
type CompensationConfig struct {
	Band  string                `yaml:"band" json:"band"`
	Bands map[string]BandTables `yaml:"bands" json:"bands"`
}

type BandTables struct {
	Fem1 UnitTable `yaml:"fem1" json:"fem1"`
	Fem2 UnitTable `yaml:"fem2" json:"fem2"`
}

type UnitTable struct {
	VoltageLookup VoltageLookup `yaml:"voltage_lookup" json:"voltage_lookup"`
}

// TempPoint is one (temperature, carrier, peak) row of a compensation table.
type TempPoint struct {
	TemperatureC float64 `yaml:"temperature_c" json:"temperature_c"`
	Carrier      float64 `yaml:"carrier" json:"carrier"`
	Peak         float64 `yaml:"peak" json:"peak"`
}

type NotifyConfig struct {
	QueueSize int        `yaml:"queue_size" json:"queue_size"`
	Mail      MailConfig `yaml:"mail" json:"mail"`
}

type MailConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	Host               string   `yaml:"host" json:"host"`
	Port               int      `yaml:"port" json:"port"`
	Username           string   `yaml:"username" json:"username"`
	Password           string   `yaml:"password" json:"password"`
	From               string   `yaml:"from" json:"from"`
	To                 []string `yaml:"to" json:"to"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	// 連續告警時的最小寄信間隔與允許的突發數
	MinIntervalMs int `yaml:"min_interval_ms" json:"min_interval_ms"`
	Burst         int `yaml:"burst" json:"burst"`
}

// Default returns the configuration the daemon runs with when no file overrides it.
func Default() Config {
	return Config{
		Logging: LoggingConfig{LogLevel: "info", SafetyEvents: true},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
		Lanes: LanesConfig{
			QueueCapacity:       32,
			OpTableSize:         256,
			SampleIntervalMs:    1000,
			LatchSaveIntervalMs: 5000,
		},
		Hardware: HardwareConfig{
			Backend:     "auto",
			CtrlBus:     0,
			Fem1Bus:     1,
			Fem2Bus:     2,
			AdcSettleMs: 10,
			GPIO:        GPIOConfig{Backend: "sim"},
		},
		Safety: SafetyConfig{
			Enabled:                     true,
			CheckIntervalMs:             1000,
			MaxViolationsBeforeShutdown: 3,
			AutoRestoreEnabled:          true,
			RestoreCooldownMs:           30000,
			RestoreOkChecks:             5,
			RestoreResetUnitStats:       true,
			Thresholds: Thresholds{
				MaxReversePowerDbm: -10,
				MaxForwardPowerDbm: 30,
				MaxPaCurrentA:      5,
				MaxTemperatureC:    85,
				MinTemperatureC:    -40,
			},
			TemperatureZones: TemperatureZones{
				CriticalHigh: 85,
				WarningHigh:  75,
				NormalHigh:   65,
				NormalLow:    0,
				WarningLow:   -20,
				CriticalLow:  -40,
			},
		},
		DAC: DACConfig{
			VoltageRange: VoltageRange{MinVoltage: 0, MaxVoltage: 2.5, ResolutionBits: 12},
			DefaultVoltages: DefaultVoltages{
				CarrierVoltage:  1.2,
				PeakVoltage:     2.0,
				ShutdownVoltage: 0,
				StandbyVoltage:  0.5,
			},
		},
		Emergency: EmergencyConfig{DisableTxRF: true, DisablePaVds: true, Disable28VVds: true},
		Notify:    NotifyConfig{QueueSize: 16, Mail: MailConfig{Port: 587, MinIntervalMs: 60000, Burst: 4}},
	}
}

// Validate checks the cross-field rules. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	s := c.Safety
	if s.CheckIntervalMs < 100 {
		return invalid("safety.check_interval_ms must be >= 100, got %d", s.CheckIntervalMs)
	}
	if s.MaxViolationsBeforeShutdown <= 0 {
		return invalid("safety.max_violations_before_shutdown must be > 0")
	}
	if s.AutoRestoreEnabled && s.RestoreOkChecks <= 0 {
		return invalid("safety.restore_ok_checks must be > 0 when auto restore is enabled")
	}
	if s.RestoreCooldownMs < 0 {
		return invalid("safety.restore_cooldown_ms must not be negative")
	}
	if s.Thresholds.MaxTemperatureC <= s.Thresholds.MinTemperatureC {
		return invalid("safety.thresholds.max_temperature_c must be above min_temperature_c")
	}

	r := c.DAC.VoltageRange
	if r.MinVoltage < 0 || r.MaxVoltage <= 0 || r.MinVoltage > r.MaxVoltage {
		return invalid("dac.voltage_range must satisfy 0 <= min <= max and max > 0")
	}
	inRange := func(v float64) bool { return v >= r.MinVoltage && v <= r.MaxVoltage }
	d := c.DAC.DefaultVoltages
	if !inRange(d.CarrierVoltage) || !inRange(d.PeakVoltage) {
		return invalid("dac.default_voltages must lie within the voltage range")
	}
	if !inRange(d.ShutdownVoltage) || !inRange(d.StandbyVoltage) {
		return invalid("dac shutdown/standby voltages must lie within the voltage range")
	}

	for _, unit := range []types.Unit{types.Unit1, types.Unit2} {
		pts := c.Table(unit)
		if len(pts) > MaxTablePoints {
			return invalid("%s compensation table has %d points, max %d", unit, len(pts), MaxTablePoints)
		}
		for _, p := range pts {
			if math.IsNaN(p.TemperatureC) || math.IsInf(p.TemperatureC, 0) {
				return invalid("%s compensation point has a non-finite temperature", unit)
			}
			if !inRange(p.Carrier) || !inRange(p.Peak) {
				return invalid("%s compensation point at %.1fC is outside the DAC range", unit, p.TemperatureC)
			}
		}
	}

	if c.Lanes.QueueCapacity <= 0 || c.Lanes.OpTableSize <= 0 {
		return invalid("lanes.queue_capacity and lanes.op_table_size must be > 0")
	}
	if c.Lanes.SampleIntervalMs <= 0 {
		return invalid("lanes.sample_interval_ms must be > 0")
	}

	switch c.Hardware.Backend {
	case "auto", "sim", "smbus":
	default:
		return invalid("hardware.backend %q is not one of auto, sim, smbus", c.Hardware.Backend)
	}
	switch c.Hardware.GPIO.Backend {
	case "sim", "sysfs":
	default:
		return invalid("hardware.gpio.backend %q is not one of sim, sysfs", c.Hardware.GPIO.Backend)
	}

	if m := c.Notify.Mail; m.Enabled && (m.Host == "" || m.From == "" || len(m.To) == 0) {
		return invalid("notify.mail needs host, from and at least one recipient")
	}
	return nil
}

// ActiveBand returns the configured band, falling back to ENV_FEM_BAND and then B41.
func (c *Config) ActiveBand() string {
	if c.Compensation.Band != "" {
		return c.Compensation.Band
	}
	if b := os.Getenv(BandEnv); b != "" {
		return b
	}
	return DefaultBand
}

// Table returns the active band's compensation points for unit, nil when none are configured.
func (c *Config) Table(unit types.Unit) []TempPoint {
	band, ok := c.Compensation.Bands[c.ActiveBand()]
	if !ok {
		return nil
	}
	switch unit {
	case types.Unit1:
		return band.Fem1.VoltageLookup
	case types.Unit2:
		return band.Fem2.VoltageLookup
	}
	return nil
}
