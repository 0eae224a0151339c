// Package config reads the server settings from flags, falling back to the
// environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"voting-core/encryption"
	"voting-core/storage"
)

const StoreJSON = "json"

type Config struct {
	Port         int
	DatabaseURL  string
	DatabaseType string
	DataDir      string

	KeyBits         int
	KeyFile         string
	SigningKeyFile  string
	PerElectionKeys bool

	TallyWorkers int
	QueueSize    int
	QueueWorkers int

	LogLevel  zerolog.Level
	LogPretty bool
}

// ParseFlags validates flags and fills unset values from the environment.
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
func ParseFlags(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var (
		cfg         Config
		perElection string
		logLevel    string
	)

	fs := flag.NewFlagSet("voting-core", flag.ContinueOnError)

	fs.IntVar(&cfg.Port, "p", 0, "Server port")
	fs.StringVar(&cfg.DatabaseURL, "d", "", "Database URL (postgres DSN or sqlite file)")
	fs.StringVar(&cfg.DatabaseType, "t", "", "Store type (sqlite, postgres or json)")
	fs.StringVar(&cfg.DataDir, "data", "", "Directory for keys and the json store")

	fs.IntVar(&cfg.KeyBits, "key-bits", 0, "Paillier modulus size in bits")
	fs.StringVar(&cfg.KeyFile, "key", "", "Deployment Paillier key file")
	fs.StringVar(&cfg.SigningKeyFile, "signing-key", "", "secp256k1 key used to sign tally reports")
	fs.StringVar(&perElection, "per-election-keys", "", "Generate one Paillier key per election (true/false)")

	fs.IntVar(&cfg.TallyWorkers, "tally-workers", 0, "Goroutines per tally (0 means GOMAXPROCS)")
	fs.IntVar(&cfg.QueueSize, "queue", 0, "Pending cast requests before rejecting")
	fs.IntVar(&cfg.QueueWorkers, "queue-workers", 0, "Concurrent cast workers")

	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogPretty, "pretty", false, "Human readable console logs")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.Port, err = intSetting(cfg.Port, "PORT", 8080); err != nil {
		return Config{}, err
	}
	if cfg.KeyBits, err = intSetting(cfg.KeyBits, "KEY_BITS", encryption.MinKeyBits); err != nil {
		return Config{}, err
	}
	if cfg.TallyWorkers, err = intSetting(cfg.TallyWorkers, "TALLY_WORKERS", 0); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = intSetting(cfg.QueueSize, "QUEUE_SIZE", 256); err != nil {
		return Config{}, err
	}
	if cfg.QueueWorkers, err = intSetting(cfg.QueueWorkers, "QUEUE_WORKERS", 4); err != nil {
		return Config{}, err
	}

	cfg.DataDir = stringSetting(cfg.DataDir, "DATA_DIR", "data")
	cfg.DatabaseType = stringSetting(cfg.DatabaseType, "DATABASE_TYPE", storage.DialectSQLite)
	cfg.DatabaseURL = stringSetting(cfg.DatabaseURL, "DATABASE_URL", "")
	cfg.KeyFile = stringSetting(cfg.KeyFile, "KEY_FILE", filepath.Join(cfg.DataDir, "paillier.key"))
	cfg.SigningKeyFile = stringSetting(cfg.SigningKeyFile, "SIGNING_KEY_FILE", filepath.Join(cfg.DataDir, "signing.key"))
	if !cfg.LogPretty {
		cfg.LogPretty = os.Getenv("LOG_PRETTY") == "true"
	}

	if perElection = stringSetting(perElection, "PER_ELECTION_KEYS", "false"); perElection != "" {
		if cfg.PerElectionKeys, err = strconv.ParseBool(perElection); err != nil {
			return Config{}, errors.New("invalid PER_ELECTION_KEYS value")
		}
	}

	if cfg.LogLevel, err = zerolog.ParseLevel(stringSetting(logLevel, "LOG_LEVEL", "info")); err != nil {
		return Config{}, fmt.Errorf("invalid log level: %w", err)
	}

	switch cfg.DatabaseType {
	case storage.DialectSQLite:
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = filepath.Join(cfg.DataDir, "voting.db")
		}
	case storage.DialectPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("database URL required for postgres (use -d or DATABASE_URL env)")
		}
	case StoreJSON:
	default:
		return Config{}, fmt.Errorf("unknown store type %q", cfg.DatabaseType)
	}

	if cfg.KeyBits < encryption.MinKeyBits {
		return Config{}, fmt.Errorf("key size must be at least %d bits", encryption.MinKeyBits)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, errors.New("port out of range")
	}
	if cfg.QueueSize < 1 || cfg.QueueWorkers < 1 || cfg.TallyWorkers < 0 {
		return Config{}, errors.New("queue size and workers must be positive")
	}

	return cfg, nil
}

func intSetting(flagValue int, env string, def int) (int, error) {
	if flagValue != 0 {
		return flagValue, nil
	}
	s := os.Getenv(env)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s env variable", env)
	}
	return v, nil
}

func stringSetting(flagValue, env, def string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}
