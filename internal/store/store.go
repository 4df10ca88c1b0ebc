// Package store provides crash-safe persistence for bot configuration and
// settlement history using JSON files.
//
// Each bot's config is stored as bot_<id>.json; each bot's settlement
// history is appended to settlements_<id>.jsonl (one JSON object per line).
// Config writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save. Settlement
// appends are O_APPEND writes under the same mutex, crash-safe to the extent
// the underlying filesystem honors append semantics for small writes.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"spiketrader/pkg/types"
)

// Store persists bot configs and settlement records to JSON files in a
// designated directory. All operations are mutex-protected to prevent
// concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveBotConfig atomically persists one bot's configuration.
func (s *Store) SaveBotConfig(cfg types.BotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bot config: %w", err)
	}

	path := s.botConfigPath(cfg.BotID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bot config: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadBotConfig restores one bot's configuration from disk. Returns nil, nil
// if no saved config exists.
func (s *Store) LoadBotConfig(botID string) (*types.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.botConfigPath(botID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bot config: %w", err)
	}

	var cfg types.BotConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal bot config: %w", err)
	}
	return &cfg, nil
}

// DeleteBotConfig removes a bot's persisted config. Not an error if absent.
func (s *Store) DeleteBotConfig(botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.botConfigPath(botID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete bot config: %w", err)
	}
	return nil
}

// ListBotConfigs loads every persisted bot config in the store directory,
// used at process startup to rehydrate the registry.
func (s *Store) ListBotConfigs() ([]types.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list store dir: %w", err)
	}

	var configs []types.BotConfig
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isBotConfigFile(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var cfg types.BotConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// AppendSettlement appends one settlement record to the bot's durable
// settlement log.
func (s *Store) AppendSettlement(rec types.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	f, err := os.OpenFile(s.settlementsPath(rec.BotID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open settlements log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append settlement: %w", err)
	}
	return nil
}

// LoadSettlements reads every settlement record persisted for a bot, oldest
// first.
func (s *Store) LoadSettlements(botID string) ([]types.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.settlementsPath(botID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open settlements log: %w", err)
	}
	defer f.Close()

	var records []types.SettlementRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec types.SettlementRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// SaveGlobalSettings atomically persists the process-wide settings.
func (s *Store) SaveGlobalSettings(g types.GlobalSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal global settings: %w", err)
	}
	path := filepath.Join(s.dir, "global_settings.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write global settings: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadGlobalSettings restores the process-wide settings. Returns nil, nil if
// none have ever been saved.
func (s *Store) LoadGlobalSettings() (*types.GlobalSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "global_settings.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read global settings: %w", err)
	}
	var g types.GlobalSettings
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal global settings: %w", err)
	}
	return &g, nil
}

func (s *Store) botConfigPath(botID string) string {
	return filepath.Join(s.dir, "bot_"+botID+".json")
}

func (s *Store) settlementsPath(botID string) string {
	return filepath.Join(s.dir, "settlements_"+botID+".jsonl")
}

func isBotConfigFile(name string) bool {
	return len(name) > len("bot_.json") && name[:4] == "bot_" && filepath.Ext(name) == ".json"
}
