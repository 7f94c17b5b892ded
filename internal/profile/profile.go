package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Profile is the configuration to start main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where synthr stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string
	// InstanceURL is the public url of this instance, used for feed links.
	InstanceURL string

	// Secret signs access tokens.
	Secret         string
	AccessTokenTTL time.Duration // SYNTHR_ACCESS_TOKEN_TTL (default: 192h)

	// Cache Configuration
	CacheDisabled bool          // SYNTHR_CACHE_DISABLED (default: false)
	RedisURL      string        // SYNTHR_REDIS_URL (default: "", memory cache only)
	CacheL1TTL    time.Duration // SYNTHR_CACHE_L1_TTL (default: 30s, only with redis)
	CacheMaxItems int           // SYNTHR_CACHE_MAX_ITEMS (default: 10000)

	// Blockchain Configuration
	RPCURL            string        // SYNTHR_RPC_URL
	ChainID           int64         // SYNTHR_CHAIN_ID (default: 11155111)
	ContractAddress   string        // SYNTHR_CONTRACT_ADDRESS
	ChainSyncInterval time.Duration // SYNTHR_CHAIN_SYNC_INTERVAL (default: 30s)

	// IPFS Configuration
	PinataAPIKey     string // SYNTHR_PINATA_API_KEY
	PinataSecretKey  string // SYNTHR_PINATA_SECRET_KEY
	PinataGatewayURL string // SYNTHR_PINATA_GATEWAY_URL (default: https://gateway.pinata.cloud/ipfs)

	// Training Configuration
	TrainerURL          string // SYNTHR_TRAINER_URL (default: "", simulated epochs)
	MaxConcurrentTrains int64  // SYNTHR_MAX_CONCURRENT_TRAININGS (default: 2)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsChainEnabled returns true if a blockchain RPC endpoint is configured.
func (p *Profile) IsChainEnabled() bool {
	return p.RPCURL != ""
}

// IsIPFSEnabled returns true if Pinata credentials are configured.
func (p *Profile) IsIPFSEnabled() bool {
	return p.PinataAPIKey != "" && p.PinataSecretKey != ""
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", slog.String("key", key), slog.String("value", value))
		return defaultValue
	}
	return d
}

func getIntEnvOrDefault(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", slog.String("key", key), slog.String("value", value))
		return defaultValue
	}
	return n
}

// FromEnv loads the service integrations from SYNTHR_* environment variables.
// Values already set on the profile (e.g. from flags) are kept.
func (p *Profile) FromEnv() {
	if p.Secret == "" {
		p.Secret = os.Getenv("SYNTHR_SECRET")
	}
	if p.AccessTokenTTL == 0 {
		p.AccessTokenTTL = getDurationEnvOrDefault("SYNTHR_ACCESS_TOKEN_TTL", 8*24*time.Hour)
	}

	p.CacheDisabled = p.CacheDisabled || os.Getenv("SYNTHR_CACHE_DISABLED") == "true"
	if p.RedisURL == "" {
		p.RedisURL = os.Getenv("SYNTHR_REDIS_URL")
	}
	p.CacheL1TTL = getDurationEnvOrDefault("SYNTHR_CACHE_L1_TTL", 30*time.Second)
	p.CacheMaxItems = int(getIntEnvOrDefault("SYNTHR_CACHE_MAX_ITEMS", 10000))

	if p.RPCURL == "" {
		p.RPCURL = os.Getenv("SYNTHR_RPC_URL")
	}
	p.ChainID = getIntEnvOrDefault("SYNTHR_CHAIN_ID", 11155111)
	p.ContractAddress = os.Getenv("SYNTHR_CONTRACT_ADDRESS")
	p.ChainSyncInterval = getDurationEnvOrDefault("SYNTHR_CHAIN_SYNC_INTERVAL", 30*time.Second)

	p.PinataAPIKey = os.Getenv("SYNTHR_PINATA_API_KEY")
	p.PinataSecretKey = os.Getenv("SYNTHR_PINATA_SECRET_KEY")
	p.PinataGatewayURL = getEnvOrDefault("SYNTHR_PINATA_GATEWAY_URL", "https://gateway.pinata.cloud/ipfs")

	p.TrainerURL = os.Getenv("SYNTHR_TRAINER_URL")
	p.MaxConcurrentTrains = getIntEnvOrDefault("SYNTHR_MAX_CONCURRENT_TRAININGS", 2)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "synthr")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/synthr"
		}
	}

	if p.Mode == "prod" && p.Secret == "" {
		return errors.New("secret is required in prod mode (set SYNTHR_SECRET)")
	}

	if p.Driver == "sqlite" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			dbFile := fmt.Sprintf("synthr_%s.db", p.Mode)
			p.DSN = filepath.Join(dataDir, dbFile)
		}
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	// Settlement checks every receipt against the marketplace contract.
	if p.IsChainEnabled() && !common.IsHexAddress(p.ContractAddress) {
		return errors.Errorf("contract address %q is not a hex address (set SYNTHR_CONTRACT_ADDRESS)", p.ContractAddress)
	}

	return nil
}
