package driver

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-daq/smbus"
)

// Bus is register-level access to one I2C bus. Words are big-endian on the wire.
type Bus interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	ReadWord(addr, reg uint8) (uint16, error)
	WriteWord(addr, reg uint8, v uint16) error
	Close() error
}

// ============================================================================
// SMBus
// ============================================================================

// SMBus is a Linux /dev/i2c-N bus.
type SMBus struct {
	num  int
	conn *smbus.Conn
}

// OpenSMBus opens /dev/i2c-<num>. addr is the device addressed on open.
func OpenSMBus(num int, addr uint8) (*SMBus, error) {
	conn, err := smbus.Open(num, addr)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %d: %w", num, err)
	}
	return &SMBus{num: num, conn: conn}, nil
}

func (b *SMBus) ReadReg(addr, reg uint8) (uint8, error) {
	return b.conn.ReadReg(addr, reg)
}

func (b *SMBus) WriteReg(addr, reg, v uint8) error {
	return b.conn.WriteReg(addr, reg, v)
}

// SMBus word transfers are little-endian; the devices here send MSB first.
func (b *SMBus) ReadWord(addr, reg uint8) (uint16, error) {
	v, err := b.conn.ReadWord(addr, reg)
	if err != nil {
		return 0, err
	}
	return swap16(v), nil
}

func (b *SMBus) WriteWord(addr, reg uint8, v uint16) error {
	return b.conn.WriteWord(addr, reg, swap16(v))
}

func (b *SMBus) Close() error {
	return b.conn.Close()
}

func swap16(v uint16) uint16 { return v<<8 | v>>8 }

// ============================================================================
// SimBus
// ============================================================================

// SimBus emulates the devices of one lane in memory. Sensor values follow slow sine waves.
type SimBus struct {
	num   int
	ctrl  bool
	phase float64
	start time.Time
	now   func() time.Time

	mu        sync.Mutex
	words     map[uint16]uint16 // addr<<8 | reg
	eeprom    [256]byte
	adcConfig uint16
	absent    map[uint8]bool
	tempC     *float64
	adcV      [4]*float64
	failNext  error
}

// NewSimBus creates a simulated bus. Bus 0 carries the controller sensor, other buses a FEM.
func NewSimBus(num int) *SimBus {
	b := &SimBus{
		num:    num,
		ctrl:   num == 0,
		start:  time.Now(),
		now:    time.Now,
		words:  make(map[uint16]uint16),
		absent: make(map[uint8]bool),
	}
	if num == 2 {
		b.phase = 1.2
	}
	return b
}

func key(addr, reg uint8) uint16 { return uint16(addr)<<8 | uint16(reg) }

// SetTemperature pins the simulated LM75A / TMP10x reading.
func (b *SimBus) SetTemperature(c float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tempC = &c
}

// SetADC pins the simulated voltage on an ADC channel.
func (b *SimBus) SetADC(ch int, volts float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adcV[ch] = &volts
}

// SetPresent adds or removes a device.
func (b *SimBus) SetPresent(addr uint8, present bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.absent[addr] = !present
}

// FailNext makes the next transfer return err.
func (b *SimBus) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Word returns the last value written to a word register.
func (b *SimBus) Word(addr, reg uint8) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.words[key(addr, reg)]
}

func (b *SimBus) check(addr uint8) error {
	if err := b.failNext; err != nil {
		b.failNext = nil
		return err
	}
	if b.absent[addr] {
		return fmt.Errorf("i2c-%d addr 0x%02x: %w", b.num, addr, ErrNoDevice)
	}
	return nil
}

func (b *SimBus) elapsed() float64 {
	return b.now().Sub(b.start).Seconds()
}

func (b *SimBus) temperature() float64 {
	if b.tempC != nil {
		return *b.tempC
	}
	if b.ctrl {
		return 42
	}
	return 45 + 10*math.Sin(2*math.Pi*b.elapsed()/120+b.phase)
}

func (b *SimBus) adc(ch int) float64 {
	if ch >= 0 && ch < len(b.adcV) && b.adcV[ch] != nil {
		return *b.adcV[ch]
	}
	t := b.elapsed()
	switch ch {
	case ChReversePower:
		return 2.05 + 0.1*math.Sin(t/30)
	case ChForwardPower:
		return 2.25 + 0.12*math.Sin(t/25)
	case ChPaCurrent:
		return 1.0 + 0.15*math.Sin(t/20)
	default:
		return 1.5
	}
}

func (b *SimBus) ReadReg(addr, reg uint8) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(addr); err != nil {
		return 0, err
	}
	if addr == AddrEEPROM {
		return b.eeprom[reg], nil
	}
	return uint8(b.words[key(addr, reg)] >> 8), nil
}

func (b *SimBus) WriteReg(addr, reg, v uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(addr); err != nil {
		return err
	}
	if addr == AddrEEPROM {
		b.eeprom[reg] = v
		return nil
	}
	b.words[key(addr, reg)] = uint16(v) << 8
	return nil
}

func (b *SimBus) ReadWord(addr, reg uint8) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(addr); err != nil {
		return 0, err
	}

	switch {
	case b.ctrl && addr == AddrCtrlTMP10x && reg == regTemp:
		return TMP10xRaw(b.temperature()), nil
	case !b.ctrl && addr == AddrADS1015 && reg == regAdcConversion:
		return ADS1015Raw(b.adc(ADS1015Channel(b.adcConfig))), nil
	case !b.ctrl && addr == AddrADS1015 && reg == regAdcConfig:
		return b.adcConfig &^ 0x8000, nil
	case !b.ctrl && addr == AddrLM75A && reg == regTemp:
		return LM75ARaw(b.temperature()), nil
	}
	return b.words[key(addr, reg)], nil
}

func (b *SimBus) WriteWord(addr, reg uint8, v uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(addr); err != nil {
		return err
	}
	if addr == AddrADS1015 && reg == regAdcConfig {
		b.adcConfig = v
	}
	b.words[key(addr, reg)] = v
	return nil
}

func (b *SimBus) Close() error { return nil }
