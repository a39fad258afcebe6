package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Devnet identities used when the environment does not name them
var (
	DevnetEngineAddress = common.HexToAddress("0x00000000000000000000000000000000000E0C0D")
	DevnetFeeAccount    = common.HexToAddress("0x00000000000000000000000000000000000FEE00")
	DevnetDeployer      = common.HexToAddress("0x0000000000000000000000000000000000D3B10E")
)

type Exchange struct {
	Address    common.Address // custody identity
	FeeAccount common.Address
	FeePercent uint64
}

type Node struct {
	DBPath      string // empty = in-memory
	APIAddr     string
	LogFile     string
	LogLevel    string
	TokensFile  string // empty = built-in devnet token
	JournalFile string // empty = no event journal
	CORSOrigins []string
}

type Kafka struct {
	Brokers []string // empty = publisher disabled
	Topic   string
}

type Config struct {
	Exchange Exchange
	Node     Node
	Kafka    Kafka
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			Address:    DevnetEngineAddress,
			FeeAccount: DevnetFeeAccount,
			FeePercent: 10,
		},
		Node: Node{
			APIAddr:     ":8080",
			LogFile:     "data/node.log",
			LogLevel:    "info",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Kafka: Kafka{
			Topic: "exchange-events",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var err error
	if cfg.Exchange.Address, err = getAddress("ENGINE_ADDRESS", cfg.Exchange.Address); err != nil {
		return cfg, err
	}
	if cfg.Exchange.FeeAccount, err = getAddress("FEE_ACCOUNT", cfg.Exchange.FeeAccount); err != nil {
		return cfg, err
	}
	if pct := os.Getenv("FEE_PERCENT"); pct != "" {
		v, err := strconv.ParseUint(pct, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("FEE_PERCENT: %w", err)
		}
		cfg.Exchange.FeePercent = v
	}

	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.TokensFile = getEnv("TOKENS_FILE", cfg.Node.TokensFile)
	cfg.Node.JournalFile = getEnv("JOURNAL_FILE", cfg.Node.JournalFile)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Node.CORSOrigins = splitList(origins)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	return cfg, cfg.Validate()
}

// Validate checks configuration validity
func (c Config) Validate() error {
	if c.Exchange.FeeAccount == (common.Address{}) {
		return fmt.Errorf("fee account must not be the zero address")
	}
	if c.Exchange.Address == (common.Address{}) {
		return fmt.Errorf("engine address must not be the zero address")
	}
	if c.Node.APIAddr == "" {
		return fmt.Errorf("api address is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getAddress(key string, defaultValue common.Address) (common.Address, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if !common.IsHexAddress(value) {
		return defaultValue, fmt.Errorf("%s: invalid address %q", key, value)
	}
	return common.HexToAddress(value), nil
}

// splitList parses a comma-separated list, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
