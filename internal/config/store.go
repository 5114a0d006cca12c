package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorruptedStore 儲存檔案無法解析
	ErrCorruptedStore = errors.New("corrupted store file")
	// ErrIncompatibleVersion 儲存檔案版本不相容
	ErrIncompatibleVersion = errors.New("incompatible store version")
)

const storeVersion = 1

// storeFile 磁碟上的檔案格式
type storeFile struct {
	Version int               `yaml:"version"`
	Values  map[string]string `yaml:"values"`
}

// KeyValueStore 服務用來讀寫持久設定的介面
type KeyValueStore interface {
	GetString(key, def string) string
	GetInt(key string, def int64) int64
	GetBool(key string, def bool) bool
	SetString(key, value string)
	SetInt(key string, value int64)
	SetBool(key string, value bool)
	Save() error
}

// Store 以 YAML 檔案保存的 key-value 儲存
//
// 所有值以字串保存，型別化的存取器負責轉換；轉換失敗時回傳預設值。
// path 為空字串時只存在記憶體中，Save 是 no-op。
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	dirty  bool
}

var _ KeyValueStore = (*Store)(nil)

// OpenStore 開啟儲存檔案；檔案不存在時視為首次啟動
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]string)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
	}
	if file.Version != storeVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, file.Version, storeVersion)
	}
	if file.Values != nil {
		s.values = file.Values
	}
	return s, nil
}

// Path 儲存檔案路徑
func (s *Store) Path() string {
	return s.path
}

func (s *Store) lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.values[key]; ok && old == value {
		return
	}
	s.values[key] = value
	s.dirty = true
}

func (s *Store) GetString(key, def string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return def
}

func (s *Store) GetInt(key string, def int64) int64 {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s *Store) SetString(key, value string) {
	s.set(key, value)
}

func (s *Store) SetInt(key string, value int64) {
	s.set(key, strconv.FormatInt(value, 10))
}

func (s *Store) SetBool(key string, value bool) {
	s.set(key, strconv.FormatBool(value))
}

// Delete 移除 key
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Keys 依字母順序回傳所有 key
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save 原子性寫入：先寫 .tmp 再 rename，沒有變更時不寫檔
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" || !s.dirty {
		return nil
	}

	data, err := yaml.Marshal(storeFile{Version: storeVersion, Values: s.values})
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename store: %w", err)
	}

	s.dirty = false
	return nil
}
