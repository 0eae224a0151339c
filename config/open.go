package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voting-core/encryption"
	"voting-core/storage"
)

// SetupLogging configures the global zerolog logger.
func (c Config) SetupLogging() {
	zerolog.SetGlobalLevel(c.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// OpenStore opens the configured ballot store.
func (c Config) OpenStore() (storage.Store, error) {
	switch c.DatabaseType {
	case StoreJSON:
		return storage.NewJSONStore(filepath.Join(c.DataDir, "elections"))
	case storage.DialectSQLite:
		if err := os.MkdirAll(filepath.Dir(c.DatabaseURL), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return storage.OpenSQL(c.DatabaseType, c.DatabaseURL)
	default:
		return storage.OpenSQL(c.DatabaseType, c.DatabaseURL)
	}
}

// OpenKeyRing loads or generates the Paillier keys. With a deployment key
// this blocks until the key exists.
func (c Config) OpenKeyRing() (*encryption.KeyRing, error) {
	if c.PerElectionKeys {
		return encryption.NewKeyRing(encryption.KeyRingConfig{
			PerElection: true,
			Bits:        c.KeyBits,
			Dir:         filepath.Join(c.DataDir, "keys"),
		})
	}

	start := time.Now()
	sk, generated, err := encryption.LoadOrGenerateKeyFile(c.KeyFile, c.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment key: %w", err)
	}
	ev := log.Info().Str("key_id", sk.Public().KeyID()).Int("bits", sk.Public().KeySize())
	if generated {
		ev = ev.Dur("took", time.Since(start))
	}
	ev.Bool("generated", generated).Msg("deployment key ready")

	return encryption.NewKeyRing(encryption.KeyRingConfig{Deployment: sk, Bits: c.KeyBits})
}

// OpenSigner loads or creates the key that signs tally reports.
func (c Config) OpenSigner() (*encryption.CryptoService, error) {
	key, err := encryption.LoadOrGenerateSigningKey(c.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	return encryption.NewCryptoService(key), nil
}
