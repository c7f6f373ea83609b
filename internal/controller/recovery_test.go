// ============================================================================
// FEMD 端到端恢復測試
// ============================================================================
//
// 測試目標:
//   1. 過溫關斷後，冷卻時間過去且連續健康次數達標時自動恢復
//   2. 低優先權 job 大量排隊時，安全相關的高優先權 job 仍先執行
//
// 測試配置:
//   - 模擬匯流排，FEM 溫度固定 40 C
//   - 冷卻 200 ms，連續 2 次健康檢查即恢復
//
// ============================================================================

package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/femd/internal/notify"
	"github.com/ChuLiYu/femd/pkg/types"
)

func TestEndToEndAutoRestore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Safety.RestoreCooldownMs = 200
	cfg.Safety.RestoreOkChecks = 2
	r := newRig(t, cfg)
	r.start(t)
	waitFem(t, r.c, types.Unit2, func(s types.FemSnapshot) bool { return s.HaveDac && s.Dac.PeakV > 0 }, "fem2 not initialized")

	r.buses[types.LaneFem2].SetTemperature(90)
	require.Eventually(t, func() bool { return r.events.has(types.Unit2, notify.PAAutoOff) }, 3*time.Second, 10*time.Millisecond)
	waitFem(t, r.c, types.Unit2, func(s types.FemSnapshot) bool {
		return s.HaveGpio && s.Gpio.PaDisable && s.Dac.PeakV == 0
	}, "fem2 PA never disabled")

	r.buses[types.LaneFem2].SetTemperature(40)
	require.Eventually(t, func() bool { return r.events.has(types.Unit2, notify.PAAutoOn) }, 5*time.Second, 10*time.Millisecond)
	waitFem(t, r.c, types.Unit2, func(s types.FemSnapshot) bool {
		return s.HaveGpio && !s.Gpio.PaDisable && s.Dac.PeakV == 2.0 && s.Dac.CarrierV == 1.2
	}, "fem2 PA not restored")

	st := r.c.SafetyStatus()
	assert.False(t, st.Units[1].Shutdown)
	// 恢復時統計歸零
	assert.Zero(t, st.Units[1].Violations)
	assert.False(t, r.events.has(types.Unit1, notify.PAAutoOff))
}

func TestHighPriorityOvertakesLowBacklog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lanes.QueueCapacity = 64
	cfg.Hardware.AdcSettleMs = 2
	r := newRig(t, cfg)
	r.start(t)

	var low []uint64
	for i := 0; i < 40; i++ {
		id, err := r.c.Enqueue(types.NewJob(types.Unit1, types.CmdAdcRead, types.PrioLow, nil))
		require.NoError(t, err)
		low = append(low, id)
	}
	high, err := r.c.Enqueue(types.NewJob(types.Unit1, types.CmdGpioDisablePA, types.PrioHigh, nil))
	require.NoError(t, err)

	var highDone types.OpStatus
	require.Eventually(t, func() bool {
		highDone, err = r.c.GetOp(high)
		return err == nil && highDone.State == types.OpDone
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := r.c.GetOp(low[len(low)-1])
		return err == nil && st.State.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	last, err := r.c.GetOp(low[len(low)-1])
	require.NoError(t, err)
	assert.Less(t, highDone.EndedMs, last.StartedMs+1, "high priority job should finish before the low backlog drains")
}
