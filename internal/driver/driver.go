// ============================================================================
// FEMD Driver - I2C 裝置與 GPIO 的硬體存取層
// ============================================================================
//
// Package: internal/driver
// 文件: driver.go
// 功能: lane worker 透過 Board 存取每個 FEM 的感測器、DAC、EEPROM 與 GPIO
//
// 每條 lane 擁有一條 I2C bus:
//   bus 0 (ctrl)  TMP10x 控制板溫度        0x48
//   bus 1 (fem1)  ┐ ADS1015 ADC            0x48
//   bus 2 (fem2)  ┤ LM75A 溫度感測器        0x49
//                 ┤ AD5667 DAC             0x0C
//                 ┘ 24xx EEPROM (序號)     0x50
//
// 後端:
//   Bus  ─┬─ SMBus   Linux /dev/i2c-N (go-daq/smbus)
//         └─ SimBus  記憶體模擬，FEMD_SIM 或 FEMD_SYSROOT 時使用
//   GPIO ─┬─ SysfsGPIO /sys/class/gpio/gpioN/value
//         └─ SimGPIO
//
// 錯誤:
//   所有硬體失敗都包成 *Error，帶有結果碼；lane 把結果碼寫入 OpStatus。
//
// ============================================================================

package driver

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/femd/pkg/types"
)

// I2C 位址
const (
	AddrCtrlTMP10x = 0x48
	AddrADS1015    = 0x48
	AddrLM75A      = 0x49
	AddrAD5667     = 0x0C
	AddrEEPROM     = 0x50
)

// 暫存器
const (
	regTemp          = 0x00
	regTempThreshold = 0x03
	regAdcConversion = 0x00
	regAdcConfig     = 0x01
	regDacPeak       = 0x58
	regDacCarrier    = 0x59
	regDacReset      = 0x40
)

// 結果碼，寫入 OpStatus.Result
const (
	CodeIO         = -10
	CodeNotPresent = -11
	CodeRange      = -12
	CodeNoData     = -13
	CodeInvalid    = -14
)

var (
	ErrOutOfRange    = errors.New("value out of range")
	ErrNoDevice      = errors.New("device not present")
	ErrSerialTooLong = errors.New("serial too long")
	ErrNoSerial      = errors.New("no serial in eeprom")
	ErrNoBus         = errors.New("no bus for lane")
)

// Error is a failed hardware call.
type Error struct {
	Op   string
	Unit types.Unit
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Unit == types.UnitNone {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Unit, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ResultCode is the value recorded on the failed op.
func (e *Error) ResultCode() int { return e.Code }

func wrap(op string, unit types.Unit, code int, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Unit: unit, Code: code, Err: err}
}

// CodeOf returns the result code carried by err, ResultOK for nil and ResultFailed otherwise.
func CodeOf(err error) int {
	if err == nil {
		return types.ResultOK
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return types.ResultFailed
}
