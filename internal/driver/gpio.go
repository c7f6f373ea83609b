package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/femd/internal/config"
	"github.com/ChuLiYu/femd/pkg/types"
)

// GPIO reads and drives the five control lines of each FEM.
type GPIO interface {
	Read(unit types.Unit) (types.GpioStatus, error)
	Apply(unit types.Unit, st types.GpioStatus) error
}

// ============================================================================
// SysfsGPIO
// ============================================================================

// SysfsGPIO drives exported lines through /sys/class/gpio/gpioN/value.
type SysfsGPIO struct {
	root string
	pins [types.NumUnits + 1]config.GPIOPins
}

// NewSysfsGPIO uses sysroot as the filesystem root ("" for /).
func NewSysfsGPIO(sysroot string, fem1, fem2 config.GPIOPins) *SysfsGPIO {
	g := &SysfsGPIO{root: filepath.Join(sysroot, "/sys/class/gpio")}
	g.pins[types.Unit1] = fem1
	g.pins[types.Unit2] = fem2
	return g
}

func (g *SysfsGPIO) valuePath(pin int) string {
	return filepath.Join(g.root, fmt.Sprintf("gpio%d", pin), "value")
}

func (g *SysfsGPIO) readPin(pin int) (bool, error) {
	data, err := os.ReadFile(g.valuePath(pin))
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(data)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("gpio%d: unexpected value %q", pin, data)
	}
}

func (g *SysfsGPIO) writePin(pin int, v bool) error {
	s := "0"
	if v {
		s = "1"
	}
	return os.WriteFile(g.valuePath(pin), []byte(s), 0644)
}

func (g *SysfsGPIO) Read(unit types.Unit) (types.GpioStatus, error) {
	if !unit.Valid() {
		return types.GpioStatus{}, types.ErrInvalidArgument
	}
	p := g.pins[unit]
	var (
		st   types.GpioStatus
		errs []error
	)
	read := func(pin int, dst *bool) {
		v, err := g.readPin(pin)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	read(p.TxRF, &st.TxRFEnable)
	read(p.RxRF, &st.RxRFEnable)
	read(p.PaVds, &st.PaVdsEnable)
	read(p.RfPal, &st.RfPalEnable)
	read(p.PaDisable, &st.PaDisable)
	return st, errors.Join(errs...)
}

func (g *SysfsGPIO) Apply(unit types.Unit, st types.GpioStatus) error {
	if !unit.Valid() {
		return types.ErrInvalidArgument
	}
	p := g.pins[unit]
	// PA 相關線路先關再開：先寫 pa_disable / pa_vds，最後才是 RF
	return errors.Join(
		g.writePin(p.PaDisable, st.PaDisable),
		g.writePin(p.PaVds, st.PaVdsEnable),
		g.writePin(p.RfPal, st.RfPalEnable),
		g.writePin(p.RxRF, st.RxRFEnable),
		g.writePin(p.TxRF, st.TxRFEnable),
	)
}

// ============================================================================
// SimGPIO
// ============================================================================

// SimGPIO keeps line state in memory. Both FEMs start with every path enabled.
type SimGPIO struct {
	mu    sync.Mutex
	state [types.NumUnits + 1]types.GpioStatus
}

func NewSimGPIO() *SimGPIO {
	g := &SimGPIO{}
	on := types.GpioStatus{TxRFEnable: true, RxRFEnable: true, PaVdsEnable: true, RfPalEnable: true}
	g.state[types.Unit1] = on
	g.state[types.Unit2] = on
	return g
}

func (g *SimGPIO) Read(unit types.Unit) (types.GpioStatus, error) {
	if !unit.Valid() {
		return types.GpioStatus{}, types.ErrInvalidArgument
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state[unit], nil
}

func (g *SimGPIO) Apply(unit types.Unit, st types.GpioStatus) error {
	if !unit.Valid() {
		return types.ErrInvalidArgument
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state[unit] = st
	return nil
}
