package slasher

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/chain/txvm/errors"
	"github.com/interstellar/starlight/env"
)

// Config is the process-wide settings value.
// It is constructed once in main and passed explicitly; there is no
// settings singleton.
type Config struct {
	Host          string
	Port          int
	LogLevel      string
	DSN           string
	RPCURL        string
	BlocksChannel string
	BlocksWSURL   string
	NetworkName   string

	// NodeID is the validator identity commitments are attributed to.
	// When empty, main resolves it with info.getNodeID at startup.
	NodeID string
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() Config {
	return Config{
		Host:          env.String("HOST", "0.0.0.0"),
		Port:          env.Int("PORT", 5500),
		LogLevel:      env.String("LOG_LEVEL", "INFO"),
		DSN:           env.String("DSN", ""),
		RPCURL:        env.String("RPC_URL", ""),
		BlocksChannel: env.String("BLOCKS_CHANNEL", ""),
		BlocksWSURL:   env.String("BLOCKS_WEBSOCKET_URL", ""),
		NetworkName:   env.String("NETWORK_NAME", "avalanche"),
		NodeID:        env.String("NODE_ID", ""),
	}
}

// Validate reports fatal configuration errors.
func (c Config) Validate() error {
	if c.DSN == "" {
		return errors.New("DSN must be set")
	}
	if c.RPCURL == "" {
		return errors.New("RPC_URL must be set")
	}
	if c.BlocksChannel != "" && c.BlocksWSURL != "" {
		return errors.New("only one of BLOCKS_CHANNEL and BLOCKS_WEBSOCKET_URL can be set")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ListenAddr is the HTTP listener binding.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadEnvFile loads KEY=VALUE lines from a .env-style file into the
// process environment. Variables already present in the environment win.
// Lines that are blank or start with # are skipped.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening env file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return errors.New("malformed env file line " + line)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"'`)
		if _, present := os.LookupEnv(key); present {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return errors.Wrapf(err, "setting %s", key)
		}
	}
	return errors.Wrap(scanner.Err(), "reading env file")
}
