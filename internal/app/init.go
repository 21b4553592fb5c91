package app

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/doorman-gateway/accounting/internal/db"
	"github.com/doorman-gateway/accounting/internal/secrets"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InitRequest contains parameters for bootstrapping a config file.
type InitRequest struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
	Port             int
	RedisAddr        string
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "accounting.db"

// BuildDSN builds a database DSN from the init request.
func BuildDSN(req InitRequest) (string, error) {
	switch strings.ToLower(strings.TrimSpace(req.DatabaseType)) {
	case "", "postgres":
		sslMode := req.DatabaseSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			req.DatabaseUser,
			req.DatabasePassword,
			req.DatabaseHost,
			req.DatabasePort,
			req.DatabaseName,
			sslMode,
		), nil
	case "sqlite":
		return buildSQLiteDSN(req.DatabasePath), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", req.DatabaseType)
	}
}

// buildSQLiteDSN constructs a SQLite DSN with WAL and a busy timeout.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
	}, "&")
}

// validateInitRequest normalizes and validates init input data.
func validateInitRequest(req *InitRequest) error {
	dbType := strings.ToLower(strings.TrimSpace(req.DatabaseType))
	if dbType == "" {
		dbType = "postgres"
	}
	req.DatabaseType = dbType

	switch dbType {
	case "postgres":
		if strings.TrimSpace(req.DatabaseHost) == "" {
			return fmt.Errorf("database host is required")
		}
		if req.DatabasePort <= 0 {
			return fmt.Errorf("invalid database port")
		}
		if strings.TrimSpace(req.DatabaseUser) == "" {
			return fmt.Errorf("database username is required")
		}
		if strings.TrimSpace(req.DatabaseName) == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if strings.TrimSpace(req.DatabasePath) == "" {
			req.DatabasePath = defaultSQLitePath
		}
	default:
		return fmt.Errorf("unsupported database type %q", req.DatabaseType)
	}
	if req.Port <= 0 {
		req.Port = defaultPort
	}
	return nil
}

// TestDatabaseConnection validates that the DSN can connect, ping and migrate.
func TestDatabaseConnection(dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	defer func() {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	if errPing := sqlDB.Ping(); errPing != nil {
		return fmt.Errorf("failed to ping database: %w", errPing)
	}
	return db.Migrate(conn)
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	DatabaseDSN string     `yaml:"database-dsn"`
	Server      serverCfg  `yaml:"server"`
	JWT         jwtCfg     `yaml:"jwt"`
	Secrets     secretsCfg `yaml:"secrets"`
	Redis       *redisCfg  `yaml:"redis,omitempty"`
	Log         logCfg     `yaml:"log"`
}

type serverCfg struct {
	Port int `yaml:"port"`
}

// jwtCfg holds JWT settings for the generated config file.
type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

type secretsCfg struct {
	Key string `yaml:"key"`
}

type redisCfg struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type logCfg struct {
	Level string `yaml:"level"`
}

// generateJWTSecret creates a random hex JWT secret.
func generateJWTSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// generateSecretsKey creates a random base64 key for sealing stored API keys.
func generateSecretsKey() (string, error) {
	buf := make([]byte, secrets.KeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secrets key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// WriteConfigFile writes an initial config file with freshly generated secrets.
// An existing file is never overwritten.
func WriteConfigFile(configPath string, req InitRequest) error {
	if ConfigExists(configPath) {
		return fmt.Errorf("config file already exists: %s", configPath)
	}
	if errValidate := validateInitRequest(&req); errValidate != nil {
		return errValidate
	}
	dsn, errDSN := BuildDSN(req)
	if errDSN != nil {
		return errDSN
	}
	jwtSecret, errJWT := generateJWTSecret()
	if errJWT != nil {
		return errJWT
	}
	secretsKey, errKey := generateSecretsKey()
	if errKey != nil {
		return errKey
	}

	cfg := configFile{
		DatabaseDSN: dsn,
		Server:      serverCfg{Port: req.Port},
		JWT:         jwtCfg{Secret: jwtSecret, Expiry: "720h"},
		Secrets:     secretsCfg{Key: secretsKey},
		Log:         logCfg{Level: "info"},
	}
	if addr := strings.TrimSpace(req.RedisAddr); addr != "" {
		cfg.Redis = &redisCfg{Enabled: true, Addr: addr}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}
	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}
	return nil
}

// RunInit verifies the database described by req and writes the config file.
func RunInit(configPath string, req InitRequest) error {
	if errValidate := validateInitRequest(&req); errValidate != nil {
		return errValidate
	}
	dsn, errDSN := BuildDSN(req)
	if errDSN != nil {
		return errDSN
	}
	if errConn := TestDatabaseConnection(dsn); errConn != nil {
		return errConn
	}
	if errWrite := WriteConfigFile(configPath, req); errWrite != nil {
		return errWrite
	}
	log.Infof("wrote config to %s", configPath)
	return nil
}
