package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/femd/internal/config"
	"github.com/ChuLiYu/femd/pkg/types"
)

// Environment switches for simulation.
const (
	EnvSim     = "FEMD_SIM"
	EnvSysroot = "FEMD_SYSROOT"
)

const (
	eepromWriteCycle = 10 * time.Millisecond
	dacResetSettle   = 10 * time.Millisecond
	tempMinC         = -55.0
	tempMaxC         = 125.0
)

// Board talks to the devices of all three lanes. Each lane only touches its own bus.
type Board struct {
	buses     [types.NumLanes]Bus
	gpio      GPIO
	dacRange  config.VoltageRange
	emergency config.EmergencyConfig
	settle    time.Duration
	adcOffset float64
	log       *slog.Logger

	mu  sync.Mutex
	dac [types.NumUnits + 1]dacCache
}

type dacCache struct {
	valid bool
	state types.DacState
}

// NewBoard wires buses (indexed by lane) and a GPIO backend.
func NewBoard(cfg *config.Config, buses [types.NumLanes]Bus, gpio GPIO, log *slog.Logger) *Board {
	if log == nil {
		log = slog.Default()
	}
	return &Board{
		buses:     buses,
		gpio:      gpio,
		dacRange:  cfg.DAC.VoltageRange,
		emergency: cfg.Emergency,
		settle:    time.Duration(cfg.Hardware.AdcSettleMs) * time.Millisecond,
		adcOffset: float64(cfg.Monitoring.ADC.CalibrationOffsetMv) / 1000,
		log:       log.With("component", "driver"),
	}
}

// UseSimulation reports whether the configuration or environment selects simulated hardware.
func UseSimulation(cfg *config.Config) bool {
	switch cfg.Hardware.Backend {
	case "sim":
		return true
	case "smbus":
		return false
	}
	return os.Getenv(EnvSim) != "" || os.Getenv(EnvSysroot) != "" || cfg.Hardware.Sysroot != ""
}

// Open builds a Board from configuration, opening real buses unless simulation is selected.
func Open(cfg *config.Config, log *slog.Logger) (*Board, error) {
	sim := UseSimulation(cfg)
	nums := [types.NumLanes]int{cfg.Hardware.CtrlBus, cfg.Hardware.Fem1Bus, cfg.Hardware.Fem2Bus}

	var buses [types.NumLanes]Bus
	for lane, num := range nums {
		if sim {
			buses[lane] = NewSimBus(num)
			continue
		}
		first := uint8(AddrLM75A)
		if types.Lane(lane) == types.LaneCtrl {
			first = AddrCtrlTMP10x
		}
		b, err := OpenSMBus(num, first)
		if err != nil {
			for _, opened := range buses {
				if opened != nil {
					_ = opened.Close()
				}
			}
			return nil, err
		}
		buses[lane] = b
	}

	var gpio GPIO = NewSimGPIO()
	if cfg.Hardware.GPIO.Backend == "sysfs" {
		sysroot := cfg.Hardware.Sysroot
		if sysroot == "" {
			sysroot = os.Getenv(EnvSysroot)
		}
		gpio = NewSysfsGPIO(sysroot, cfg.Hardware.GPIO.Fem1, cfg.Hardware.GPIO.Fem2)
	}

	if log == nil {
		log = slog.Default()
	}
	log.Info("hardware opened", "simulated", sim, "gpio", cfg.Hardware.GPIO.Backend, "buses", nums)
	return NewBoard(cfg, buses, gpio, log), nil
}

// Close closes every bus.
func (b *Board) Close() error {
	var first error
	for _, bus := range b.buses {
		if bus == nil {
			continue
		}
		if err := bus.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Board) bus(op string, unit types.Unit) (Bus, error) {
	lane := types.LaneCtrl
	if unit != types.UnitNone {
		if !unit.Valid() {
			return nil, &Error{Op: op, Unit: unit, Code: CodeInvalid, Err: types.ErrInvalidArgument}
		}
		lane = unit.Lane()
	}
	bus := b.buses[lane]
	if bus == nil {
		return nil, &Error{Op: op, Unit: unit, Code: CodeNotPresent, Err: ErrNoBus}
	}
	return bus, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================================
// Controller
// ============================================================================

// CtrlTemperature reads the controller board TMP10x.
func (b *Board) CtrlTemperature(_ context.Context) (float64, error) {
	bus, err := b.bus("ctrl temp read", types.UnitNone)
	if err != nil {
		return 0, err
	}
	raw, err := bus.ReadWord(AddrCtrlTMP10x, regTemp)
	if err != nil {
		return 0, wrap("ctrl temp read", types.UnitNone, CodeIO, err)
	}
	return TMP10xCelsius(raw), nil
}

// ============================================================================
// GPIO
// ============================================================================

func (b *Board) ReadGpio(_ context.Context, unit types.Unit) (types.GpioStatus, error) {
	st, err := b.gpio.Read(unit)
	return st, wrap("gpio read", unit, CodeIO, err)
}

func (b *Board) ApplyGpio(_ context.Context, unit types.Unit, st types.GpioStatus) error {
	return wrap("gpio apply", unit, CodeIO, b.gpio.Apply(unit, st))
}

// DisablePAGpio cuts the lines selected by the emergency policy: PA_VDS off, 28V VDS off
// (pa_disable high) and TX_RF off.
// When the current state cannot be read every line is driven to its off state.
func (b *Board) DisablePAGpio(ctx context.Context, unit types.Unit) error {
	st, err := b.ReadGpio(ctx, unit)
	if err != nil {
		b.log.Error("gpio read failed before PA disable, forcing all lines off", "unit", unit.String(), "error", err)
		st = types.GpioStatus{PaDisable: true}
	}
	if b.emergency.DisablePaVds {
		st.PaVdsEnable = false
	}
	if b.emergency.Disable28VVds {
		st.PaDisable = true
	}
	if b.emergency.DisableTxRF {
		st.TxRFEnable = false
	}
	if err := b.ApplyGpio(ctx, unit, st); err != nil {
		return err
	}
	b.log.Warn("PA disabled via gpio", "unit", unit.String())
	return nil
}

// RestorePAGpio re-enables the PA supply and TX path.
func (b *Board) RestorePAGpio(ctx context.Context, unit types.Unit) error {
	st, err := b.ReadGpio(ctx, unit)
	if err != nil {
		return err
	}
	st.PaDisable = false
	st.PaVdsEnable = true
	st.TxRFEnable = true
	if err := b.ApplyGpio(ctx, unit, st); err != nil {
		return err
	}
	b.log.Info("PA restored via gpio", "unit", unit.String())
	return nil
}

// ============================================================================
// DAC (AD5667)
// ============================================================================

func (b *Board) DacInit(ctx context.Context, unit types.Unit) error {
	const op = "dac init"
	bus, err := b.bus(op, unit)
	if err != nil {
		return err
	}
	if err := bus.WriteWord(AddrAD5667, regDacReset, 0x0600); err != nil {
		return wrap(op, unit, CodeIO, err)
	}
	if err := sleep(ctx, dacResetSettle); err != nil {
		return wrap(op, unit, CodeIO, err)
	}
	b.storeDac(unit, types.DacState{})
	return nil
}

func (b *Board) setDac(unit types.Unit, volts float64, carrier bool) error {
	op, reg := "dac set peak", uint8(regDacPeak)
	if carrier {
		op, reg = "dac set carrier", regDacCarrier
	}
	if volts < b.dacRange.MinVoltage || volts > b.dacRange.MaxVoltage {
		return &Error{Op: op, Unit: unit, Code: CodeRange,
			Err: fmt.Errorf("%w: %.3f V not in [%.2f, %.2f]", ErrOutOfRange, volts, b.dacRange.MinVoltage, b.dacRange.MaxVoltage)}
	}
	bus, err := b.bus(op, unit)
	if err != nil {
		return err
	}
	if err := bus.WriteWord(AddrAD5667, reg, DacCode(volts)); err != nil {
		return wrap(op, unit, CodeIO, err)
	}

	b.mu.Lock()
	c := &b.dac[unit]
	c.valid = true
	if carrier {
		c.state.CarrierV = volts
	} else {
		c.state.PeakV = volts
	}
	b.mu.Unlock()
	return nil
}

func (b *Board) DacSetCarrier(_ context.Context, unit types.Unit, volts float64) error {
	return b.setDac(unit, volts, true)
}

func (b *Board) DacSetPeak(_ context.Context, unit types.Unit, volts float64) error {
	return b.setDac(unit, volts, false)
}

// DacRead returns the cached output; the AD5667 has no read-back.
func (b *Board) DacRead(_ context.Context, unit types.Unit) (types.DacState, error) {
	if !unit.Valid() {
		return types.DacState{}, &Error{Op: "dac read", Unit: unit, Code: CodeInvalid, Err: types.ErrInvalidArgument}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.dac[unit]
	if !c.valid {
		return types.DacState{}, &Error{Op: "dac read", Unit: unit, Code: CodeNoData, Err: fmt.Errorf("dac not written yet")}
	}
	return c.state, nil
}

// DacDisablePA drives both outputs to zero volts.
func (b *Board) DacDisablePA(_ context.Context, unit types.Unit) error {
	const op = "dac disable pa"
	bus, err := b.bus(op, unit)
	if err != nil {
		return err
	}
	if err := bus.WriteWord(AddrAD5667, regDacCarrier, 0); err != nil {
		return wrap(op, unit, CodeIO, err)
	}
	if err := bus.WriteWord(AddrAD5667, regDacPeak, 0); err != nil {
		return wrap(op, unit, CodeIO, err)
	}
	b.storeDac(unit, types.DacState{})
	b.log.Warn("PA disabled via dac", "unit", unit.String())
	return nil
}

func (b *Board) storeDac(unit types.Unit, st types.DacState) {
	b.mu.Lock()
	b.dac[unit] = dacCache{valid: true, state: st}
	b.mu.Unlock()
}

// ============================================================================
// Temperature (LM75A)
// ============================================================================

// TempInit checks that the sensor answers.
func (b *Board) TempInit(ctx context.Context, unit types.Unit) error {
	_, err := b.TempRead(ctx, unit)
	if err != nil {
		return &Error{Op: "temp init", Unit: unit, Code: CodeNotPresent, Err: err}
	}
	return nil
}

func (b *Board) TempRead(_ context.Context, unit types.Unit) (float64, error) {
	const op = "temp read"
	bus, err := b.bus(op, unit)
	if err != nil {
		return 0, err
	}
	raw, err := bus.ReadWord(AddrLM75A, regTemp)
	if err != nil {
		return 0, wrap(op, unit, CodeIO, err)
	}
	return LM75ACelsius(raw), nil
}

func (b *Board) TempSetThreshold(_ context.Context, unit types.Unit, celsius float64) error {
	const op = "temp set threshold"
	if celsius < tempMinC || celsius > tempMaxC {
		return &Error{Op: op, Unit: unit, Code: CodeRange,
			Err: fmt.Errorf("%w: %.1f C", ErrOutOfRange, celsius)}
	}
	bus, err := b.bus(op, unit)
	if err != nil {
		return err
	}
	return wrap(op, unit, CodeIO, bus.WriteWord(AddrLM75A, regTempThreshold, LM75ARaw(celsius)))
}

// ============================================================================
// ADC (ADS1015)
// ============================================================================

// AdcInit checks the ADC by running one conversion.
func (b *Board) AdcInit(ctx context.Context, unit types.Unit) error {
	if _, err := b.adcChannel(ctx, unit, ChTemperature); err != nil {
		return &Error{Op: "adc init", Unit: unit, Code: CodeNotPresent, Err: err}
	}
	return nil
}

func (b *Board) adcChannel(ctx context.Context, unit types.Unit, ch int) (float64, error) {
	const op = "adc read"
	bus, err := b.bus(op, unit)
	if err != nil {
		return 0, err
	}
	if err := bus.WriteWord(AddrADS1015, regAdcConfig, ADS1015Config(ch)); err != nil {
		return 0, wrap(op, unit, CodeIO, err)
	}
	if err := sleep(ctx, b.settle); err != nil {
		return 0, wrap(op, unit, CodeIO, err)
	}
	raw, err := bus.ReadWord(AddrADS1015, regAdcConversion)
	if err != nil {
		return 0, wrap(op, unit, CodeIO, err)
	}
	return ADS1015Volts(raw) + b.adcOffset, nil
}

// AdcReadAll converts all four channels.
func (b *Board) AdcReadAll(ctx context.Context, unit types.Unit) (types.AdcReadings, error) {
	var v [4]float64
	for ch := range v {
		x, err := b.adcChannel(ctx, unit, ch)
		if err != nil {
			return types.AdcReadings{}, err
		}
		v[ch] = x
	}
	return types.AdcReadings{
		ReversePowerDbm: PowerDbm(v[ChReversePower]),
		ForwardPowerDbm: PowerDbm(v[ChForwardPower]),
		PaCurrentA:      CurrentA(v[ChPaCurrent]),
		TempVolts:       v[ChTemperature],
	}, nil
}

// ============================================================================
// EEPROM
// ============================================================================

// ReadSerial reads the NUL-terminated serial number.
func (b *Board) ReadSerial(_ context.Context, unit types.Unit) (string, error) {
	const op = "eeprom read serial"
	bus, err := b.bus(op, unit)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, types.MaxSerialLen)
	for i := 0; i < types.MaxSerialLen; i++ {
		c, err := bus.ReadReg(AddrEEPROM, uint8(i))
		if err != nil {
			return "", wrap(op, unit, CodeIO, err)
		}
		if c == 0 {
			break
		}
		buf = append(buf, c)
	}
	if len(buf) == 0 {
		return "", &Error{Op: op, Unit: unit, Code: CodeNoData, Err: ErrNoSerial}
	}
	return string(buf), nil
}

// WriteSerial stores serial followed by a NUL, one byte per write cycle.
func (b *Board) WriteSerial(ctx context.Context, unit types.Unit, serial string) error {
	const op = "eeprom write serial"
	if len(serial) == 0 || len(serial) > types.MaxSerialLen {
		return &Error{Op: op, Unit: unit, Code: CodeRange, Err: ErrSerialTooLong}
	}
	bus, err := b.bus(op, unit)
	if err != nil {
		return err
	}
	data := append([]byte(serial), 0)
	for i, c := range data {
		if err := bus.WriteReg(AddrEEPROM, uint8(i), c); err != nil {
			return wrap(op, unit, CodeIO, fmt.Errorf("offset %d: %w", i, err))
		}
		if err := sleep(ctx, eepromWriteCycle); err != nil {
			return wrap(op, unit, CodeIO, err)
		}
	}
	b.log.Info("serial written", "unit", unit.String(), "serial", serial)
	return nil
}
