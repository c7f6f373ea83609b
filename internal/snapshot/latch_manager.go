package snapshot

// ============================================================================
// 鎖存檔 - PA 關斷狀態跨重啟保存
// ============================================================================
//
// 檔案內容 (schema_version 1):
//   {
//     "latches": [
//       {"unit": 1, "shutdown": false, "shutdown_ms": 0, "violations": 0},
//       {"unit": 2, "shutdown": true, "shutdown_ms": 1714564680000, "violations": 1}
//     ],
//     "schema_version": 1,
//     "saved_ms": 1714564790000
//   }
//
// 寫入順序:
//   1. 同目錄建立暫存檔 <name>.tmp-*
//   2. 寫入 JSON 並 fsync
//   3. rename 取代正式檔
//   4. fsync 目錄，確保 rename 本身落盤
//   斷電後只會看到完整的舊檔或新檔。
//
// 載入檢查:
//   schema 版本、單元編號（只允許 fem1 / fem2，且不可重複）、
//   shutdown_ms 不可為負，也不可晚於 saved_ms。
//   任一檢查失敗整份檔案視為無效，呼叫者以全部健康啟動。
//
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/femd/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("latch file is corrupted")
	ErrIncompatibleVersion = errors.New("latch file schema version is incompatible")
	ErrInvalidLatch        = errors.New("latch file holds an invalid entry")
)

const schemaVersion = 1

// Manager reads and writes the safety latch file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write replaces the latch file atomically and durably.
func (m *Manager) Write(data types.LatchSnapshot) error {
	data.SchemaVer = schemaVersion
	if err := validateLatches(data); err != nil {
		return err
	}
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode latch: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create latch temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("write latch temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync latch temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close latch temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod latch temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace latch file: %w", err)
	}
	committed = true

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open latch dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync latch dir: %w", err)
	}
	return nil
}

// Load reads the latch file. A missing file is a first boot and yields no latches.
func (m *Manager) Load() (types.LatchSnapshot, error) {
	m.mu.Lock()
	buf, err := os.ReadFile(m.path)
	m.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return types.LatchSnapshot{SchemaVer: schemaVersion}, nil
	}
	if err != nil {
		return types.LatchSnapshot{}, fmt.Errorf("read latch file: %w", err)
	}

	var data types.LatchSnapshot
	if err := json.Unmarshal(buf, &data); err != nil {
		return types.LatchSnapshot{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		return types.LatchSnapshot{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	if err := validateLatches(data); err != nil {
		return types.LatchSnapshot{}, err
	}
	return data, nil
}

func validateLatches(data types.LatchSnapshot) error {
	var seen [types.NumUnits + 1]bool
	for _, l := range data.Latches {
		if !l.Unit.Valid() {
			return fmt.Errorf("%w: unit %d", ErrInvalidLatch, int(l.Unit))
		}
		if seen[l.Unit] {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidLatch, l.Unit)
		}
		seen[l.Unit] = true

		if l.ShutdownMs < 0 {
			return fmt.Errorf("%w: %s shutdown_ms %d is negative", ErrInvalidLatch, l.Unit, l.ShutdownMs)
		}
		if data.SavedMs > 0 && l.ShutdownMs > data.SavedMs {
			return fmt.Errorf("%w: %s shut down at %d, after the file was saved at %d",
				ErrInvalidLatch, l.Unit, l.ShutdownMs, data.SavedMs)
		}
	}
	return nil
}

// Exists reports whether a latch file has been written.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) GetPath() string {
	return m.path
}
