package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ChatServerURL    string `toml:"chat_server_url"`
	VideoServerURL   string `toml:"video_server_url"`
	HistoryServerURL string `toml:"history_server_url"`
	CacheDir         string `toml:"cache_dir"`
	DebugAddr        string `toml:"debug_addr"`
	Room             string `toml:"room"`
}

func NewConfig(chatURL, videoURL, historyURL, cacheDir, debugAddr, room string) (*Config, error) {
	cfg := &Config{
		ChatServerURL:    chatURL,
		VideoServerURL:   videoURL,
		HistoryServerURL: historyURL,
		CacheDir:         cacheDir,
		DebugAddr:        debugAddr,
		Room:             room,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads the configuration from a TOML file.
func FromFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ChatServerURL == "" {
		return fmt.Errorf("chat server URL cannot be empty")
	}
	if c.VideoServerURL == "" {
		return fmt.Errorf("video server URL cannot be empty")
	}
	if c.HistoryServerURL == "" {
		return fmt.Errorf("history server URL cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache directory cannot be empty")
	}
	if c.Room == "" {
		return fmt.Errorf("room cannot be empty")
	}

	return nil
}
