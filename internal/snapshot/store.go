package snapshot

// ============================================================================
// 職責說明：
// 1. 保存每個功放單元與控制板最近一次觀測到的硬體狀態
// 2. 寫入一律整個結構替換，讀者永遠看到同一次取樣的資料
// 3. 讀讀不互斥；寫入等待所有讀者結束
// ============================================================================

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/femd/pkg/types"
)

// ErrInvalidUnit is returned for a unit other than Unit1 or Unit2.
var ErrInvalidUnit = errors.New("invalid unit")

// Store 併發可讀的硬體快照快取
type Store struct {
	mu   sync.RWMutex
	fem  [types.NumUnits + 1]types.FemSnapshot // 以 unit 為索引，0 不使用
	ctrl types.CtrlSnapshot
}

// NewStore 建立空的快照快取，所有 Have* 旗標為 false
func NewStore() *Store {
	return &Store{}
}

func checkUnit(unit types.Unit) error {
	if !unit.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidUnit, int(unit))
	}
	return nil
}

// UpdateFem 以新的快照整個替換 unit 的紀錄
func (s *Store) UpdateFem(unit types.Unit, snap types.FemSnapshot) error {
	if err := checkUnit(unit); err != nil {
		return err
	}
	s.mu.Lock()
	s.fem[unit] = snap
	s.mu.Unlock()
	return nil
}

// UpdateCtrl 以新的快照整個替換控制板紀錄
func (s *Store) UpdateCtrl(snap types.CtrlSnapshot) {
	s.mu.Lock()
	s.ctrl = snap
	s.mu.Unlock()
}

// GetFem 回傳 unit 快照的副本
func (s *Store) GetFem(unit types.Unit) (types.FemSnapshot, error) {
	if err := checkUnit(unit); err != nil {
		return types.FemSnapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fem[unit], nil
}

// GetCtrl 回傳控制板快照的副本
func (s *Store) GetCtrl() types.CtrlSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctrl
}

// SetFemPresent 只更新存在旗標與時間戳，其他欄位保持不變
func (s *Store) SetFemPresent(unit types.Unit, present bool, nowMs int64) error {
	if err := checkUnit(unit); err != nil {
		return err
	}
	s.mu.Lock()
	s.fem[unit].Present = present
	s.fem[unit].SampledMs = nowMs
	s.mu.Unlock()
	return nil
}

// SetCtrlPresent 只更新控制板存在旗標與時間戳
func (s *Store) SetCtrlPresent(present bool, nowMs int64) {
	s.mu.Lock()
	s.ctrl.Present = present
	s.ctrl.SampledMs = nowMs
	s.mu.Unlock()
}
