// Package types 定義了 femd 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned when a lane, unit or command argument does not fit the job.
var ErrInvalidArgument = errors.New("invalid argument")

// Lane 一條實體匯流排及其專屬 worker
type Lane int

const (
	LaneCtrl Lane = iota // 控制板匯流排（無功放單元）
	LaneFem1             // FEM1 匯流排
	LaneFem2             // FEM2 匯流排

	NumLanes = 3
)

func (l Lane) Valid() bool { return l >= LaneCtrl && l < NumLanes }

func (l Lane) String() string {
	switch l {
	case LaneCtrl:
		return "ctrl"
	case LaneFem1:
		return "fem1"
	case LaneFem2:
		return "fem2"
	}
	return fmt.Sprintf("lane(%d)", int(l))
}

// Unit returns the amplifier unit served by the lane, UnitNone for the control lane.
func (l Lane) Unit() Unit {
	switch l {
	case LaneFem1:
		return Unit1
	case LaneFem2:
		return Unit2
	}
	return UnitNone
}

// Unit 功放單元編號
type Unit int

const (
	UnitNone Unit = 0
	Unit1    Unit = 1
	Unit2    Unit = 2

	NumUnits = 2
)

func (u Unit) Valid() bool { return u == Unit1 || u == Unit2 }

// Lane returns the lane that owns the unit's bus.
func (u Unit) Lane() Lane {
	if u == Unit2 {
		return LaneFem2
	}
	if u == Unit1 {
		return LaneFem1
	}
	return LaneCtrl
}

func (u Unit) String() string {
	if u == UnitNone {
		return "none"
	}
	return fmt.Sprintf("fem%d", int(u))
}

// Priority 任務優先權
type Priority int

const (
	PrioLow Priority = iota
	PrioHigh
)

func (p Priority) String() string {
	if p == PrioHigh {
		return "high"
	}
	return "low"
}

// Cmd 任務命令種類
type Cmd int

const (
	CmdSampleCtrl Cmd = iota + 1
	CmdSampleFem
	CmdGpioRead
	CmdGpioApply
	CmdGpioDisablePA
	CmdGpioRestorePA
	CmdDacInit
	CmdDacSetCarrier
	CmdDacSetPeak
	CmdDacRead
	CmdDacDisablePA
	CmdTempInit
	CmdTempRead
	CmdTempSetThreshold
	CmdAdcInit
	CmdAdcRead
	CmdEepromReadSerial
	CmdEepromWriteSerial
	CmdSafetyDisable
	CmdSafetyRestore
	CmdShutdown
)

var cmdNames = map[Cmd]string{
	CmdSampleCtrl:        "sample_ctrl",
	CmdSampleFem:         "sample_fem",
	CmdGpioRead:          "gpio_read",
	CmdGpioApply:         "gpio_apply",
	CmdGpioDisablePA:     "gpio_disable_pa",
	CmdGpioRestorePA:     "gpio_restore_pa",
	CmdDacInit:           "dac_init",
	CmdDacSetCarrier:     "dac_set_carrier",
	CmdDacSetPeak:        "dac_set_peak",
	CmdDacRead:           "dac_read",
	CmdDacDisablePA:      "dac_disable_pa",
	CmdTempInit:          "temp_init",
	CmdTempRead:          "temp_read",
	CmdTempSetThreshold:  "temp_set_threshold",
	CmdAdcInit:           "adc_init",
	CmdAdcRead:           "adc_read",
	CmdEepromReadSerial:  "eeprom_read_serial",
	CmdEepromWriteSerial: "eeprom_write_serial",
	CmdSafetyDisable:     "safety_disable",
	CmdSafetyRestore:     "safety_restore",
	CmdShutdown:          "shutdown",
}

func (c Cmd) String() string {
	if n, ok := cmdNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cmd(%d)", int(c))
}

// ============================================================================
// 任務參數（sum type）
// ============================================================================

// Arg is the command-specific payload of a job. The set of implementations is closed.
type Arg interface {
	isArg()
}

// VoltageArg DAC 輸出電壓（V）
type VoltageArg struct {
	Volts float64 `json:"volts"`
}

// ThresholdArg 溫度感測器過溫門檻（°C）
type ThresholdArg struct {
	Celsius float64 `json:"celsius"`
}

// GpioArg 要套用的 GPIO 狀態
type GpioArg struct {
	State GpioStatus `json:"state"`
}

// SerialArg EEPROM 序號
type SerialArg struct {
	Serial string `json:"serial"`
}

func (VoltageArg) isArg()   {}
func (ThresholdArg) isArg() {}
func (GpioArg) isArg()      {}
func (SerialArg) isArg()    {}

// MaxSerialLen is the longest serial string the EEPROM stores.
const MaxSerialLen = 16

// Job 一個要在某條 lane 上執行的硬體命令
type Job struct {
	Lane Lane     `json:"lane"`
	Unit Unit     `json:"unit"`
	Cmd  Cmd      `json:"cmd"`
	Prio Priority `json:"prio"`
	Arg  Arg      `json:"arg,omitempty"`
	OpID uint64   `json:"op_id"`
}

// NewJob builds a job for the lane that owns unit. Use UnitNone for the control lane.
func NewJob(unit Unit, cmd Cmd, prio Priority, arg Arg) Job {
	return Job{Lane: unit.Lane(), Unit: unit, Cmd: cmd, Prio: prio, Arg: arg}
}

// Validate checks the lane/unit pairing and that the argument shape matches the command.
func (j Job) Validate() error {
	if !j.Lane.Valid() {
		return fmt.Errorf("%w: lane %d", ErrInvalidArgument, int(j.Lane))
	}
	if j.Lane.Unit() != j.Unit {
		return fmt.Errorf("%w: unit %s is not served by lane %s", ErrInvalidArgument, j.Unit, j.Lane)
	}
	if j.Prio != PrioLow && j.Prio != PrioHigh {
		return fmt.Errorf("%w: priority %d", ErrInvalidArgument, int(j.Prio))
	}
	if _, ok := cmdNames[j.Cmd]; !ok {
		return fmt.Errorf("%w: command %d", ErrInvalidArgument, int(j.Cmd))
	}

	switch j.Cmd {
	case CmdSampleCtrl:
		if j.Lane != LaneCtrl {
			return fmt.Errorf("%w: %s only runs on the control lane", ErrInvalidArgument, j.Cmd)
		}
	case CmdShutdown:
	default:
		if j.Lane == LaneCtrl {
			return fmt.Errorf("%w: %s needs an amplifier unit", ErrInvalidArgument, j.Cmd)
		}
	}

	switch j.Cmd {
	case CmdDacSetCarrier, CmdDacSetPeak:
		if _, ok := j.Arg.(VoltageArg); !ok {
			return fmt.Errorf("%w: %s needs a voltage", ErrInvalidArgument, j.Cmd)
		}
	case CmdTempSetThreshold:
		if _, ok := j.Arg.(ThresholdArg); !ok {
			return fmt.Errorf("%w: %s needs a threshold", ErrInvalidArgument, j.Cmd)
		}
	case CmdGpioApply:
		if _, ok := j.Arg.(GpioArg); !ok {
			return fmt.Errorf("%w: %s needs a gpio state", ErrInvalidArgument, j.Cmd)
		}
	case CmdEepromWriteSerial:
		a, ok := j.Arg.(SerialArg)
		if !ok {
			return fmt.Errorf("%w: %s needs a serial", ErrInvalidArgument, j.Cmd)
		}
		if a.Serial == "" || len(a.Serial) > MaxSerialLen {
			return fmt.Errorf("%w: serial must be 1..%d bytes", ErrInvalidArgument, MaxSerialLen)
		}
	default:
		if j.Arg != nil {
			return fmt.Errorf("%w: %s takes no argument", ErrInvalidArgument, j.Cmd)
		}
	}
	return nil
}

// ============================================================================
// 操作狀態
// ============================================================================

// OpState 操作生命週期狀態
type OpState int

const (
	OpQueued OpState = iota
	OpRunning
	OpDone
	OpFailed
	OpCanceled
)

func (s OpState) Terminal() bool { return s >= OpDone }

func (s OpState) String() string {
	switch s {
	case OpQueued:
		return "queued"
	case OpRunning:
		return "running"
	case OpDone:
		return "done"
	case OpFailed:
		return "failed"
	case OpCanceled:
		return "canceled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result codes recorded on OpStatus.
const (
	ResultOK       = 0
	ResultFailed   = -1
	ResultRejected = -2
	ResultCanceled = -3
)

// OpStatus 一個已提交 Job 的可觀測生命週期紀錄（Unix 毫秒時間戳）
type OpStatus struct {
	OpID      uint64  `json:"op_id"`
	Lane      Lane    `json:"lane"`
	Unit      Unit    `json:"unit"`
	Cmd       Cmd     `json:"cmd"`
	State     OpState `json:"state"`
	Result    int     `json:"result"`
	CreatedMs int64   `json:"created_ms"`
	StartedMs int64   `json:"started_ms,omitempty"`
	EndedMs   int64   `json:"ended_ms,omitempty"`
}

// ============================================================================
// 硬體快照
// ============================================================================

// GpioStatus FEM 的 GPIO 線路狀態
type GpioStatus struct {
	TxRFEnable  bool `json:"tx_rf_enable"`
	RxRFEnable  bool `json:"rx_rf_enable"`
	PaVdsEnable bool `json:"pa_vds_enable"`
	RfPalEnable bool `json:"rf_pal_enable"`
	PaDisable   bool `json:"pa_disable"` // 28V VDS 關閉
}

// AdcReadings 換算後的 ADC 讀值
type AdcReadings struct {
	ReversePowerDbm float64 `json:"reverse_power_dbm"`
	ForwardPowerDbm float64 `json:"forward_power_dbm"`
	PaCurrentA      float64 `json:"pa_current_a"`
	TempVolts       float64 `json:"temp_volts"`
}

// DacState 最後寫入 DAC 的電壓
type DacState struct {
	CarrierV float64 `json:"carrier_v"`
	PeakV    float64 `json:"peak_v"`
}

// FemSnapshot 一個功放單元最近一次的硬體狀態。Have* 為 false 表示從未成功取樣。
type FemSnapshot struct {
	SampledMs  int64       `json:"sampled_ms"`
	Present    bool        `json:"present"`
	HaveGpio   bool        `json:"have_gpio"`
	Gpio       GpioStatus  `json:"gpio"`
	HaveTemp   bool        `json:"have_temp"`
	TempC      float64     `json:"temp_c"`
	HaveAdc    bool        `json:"have_adc"`
	Adc        AdcReadings `json:"adc"`
	HaveDac    bool        `json:"have_dac"`
	Dac        DacState    `json:"dac"`
	HaveSerial bool        `json:"have_serial"`
	Serial     string      `json:"serial,omitempty"`
}

// CtrlSnapshot 控制板最近一次的硬體狀態
type CtrlSnapshot struct {
	SampledMs int64   `json:"sampled_ms"`
	Present   bool    `json:"present"`
	HaveTemp  bool    `json:"have_temp"`
	TempC     float64 `json:"temp_c"`
}

// ============================================================================
// 安全鎖存（跨重啟保存）
// ============================================================================

// SafetyLatch 單元的 PA 關斷鎖存狀態
type SafetyLatch struct {
	Unit       Unit   `json:"unit"`
	Shutdown   bool   `json:"shutdown"`
	ShutdownMs int64  `json:"shutdown_ms"`
	Violations uint32 `json:"violations"`
}

// LatchSnapshot 快照檔內容，用於重啟後維持 PA 關斷
type LatchSnapshot struct {
	Latches   []SafetyLatch `json:"latches"`
	SchemaVer int           `json:"schema_version"`
	SavedMs   int64         `json:"saved_ms"`
}
