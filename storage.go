package main

import (
	"fmt"

	"reservation-bot/internal/config"
	"reservation-bot/internal/crypt"
	"reservation-bot/internal/logging"
	"reservation-bot/internal/storage"
)

// loadConfig reads the config file and initializes logging from it.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging.Level)
	return cfg, nil
}

func initCipher(cfg *config.Config) (*crypt.Codec, error) {
	codec, err := crypt.NewFromHex(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	return codec, nil
}

func initStorage(cfg *config.Config) (*storage.Store, error) {
	return initStorageAt(cfg.Database.Path)
}

func initStorageAt(path string) (*storage.Store, error) {
	st, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	return st, nil
}
