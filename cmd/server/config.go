package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Port       string   `long:"port" env:"PORT" default:"8000" description:"Server port"`
	ConfigFile string   `long:"config" env:"CONFIG_FILE" description:"Optional YAML config file"`
	RPID       string   `long:"rp-id" env:"RP_ID" default:"localhost" description:"Relying party ID"`
	RPName     string   `long:"rp-name" env:"RP_NAME" default:"TickerChat" description:"Relying party display name"`
	RPOrigins  []string `long:"rp-origin" env:"RP_ORIGIN" env-delim:"," default:"http://localhost:3000" description:"Relying party origins"`

	// Gate config
	GatePassword string `long:"gate-password" env:"GATE_PASSWORD" default:"7777" description:"Static gate password"`

	// Storage config
	DBPath        string `long:"db-path" env:"DB_PATH" default:"./data/auth.db" description:"SQLite database path"`
	ChallengeMode string `long:"challenge-mode" env:"CHALLENGE_MODE" default:"sqlite" choice:"sqlite" choice:"redis" description:"Challenge storage backend"`
	SessionMode   string `long:"session-mode" env:"SESSION_MODE" default:"memory" choice:"memory" choice:"redis" description:"Session storage backend"`
	AvatarMode    string `long:"avatar-mode" env:"AVATAR_MODE" default:"filesystem" choice:"filesystem" choice:"s3" description:"Profile image storage backend"`

	// Filesystem storage
	DataPath string `long:"data-path" env:"DATA_PATH" default:"./data" description:"Filesystem storage directory"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"tickerchat-auth" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`
}

// fileConfig is the optional YAML overlay for settings that are awkward as
// flags.
type fileConfig struct {
	GatePassword string `yaml:"gate_password"`
	RelyingParty struct {
		ID      string   `yaml:"id"`
		Name    string   `yaml:"name"`
		Origins []string `yaml:"origins"`
	} `yaml:"relying_party"`
}

// LoadConfig parses configuration from environment variables and command line
// flags, then applies the YAML config file when one is given.
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.ConfigFile != "" {
		if err := config.applyFile(config.ConfigFile); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if file.GatePassword != "" {
		c.GatePassword = file.GatePassword
	}
	if file.RelyingParty.ID != "" {
		c.RPID = file.RelyingParty.ID
	}
	if file.RelyingParty.Name != "" {
		c.RPName = file.RelyingParty.Name
	}
	if len(file.RelyingParty.Origins) > 0 {
		c.RPOrigins = file.RelyingParty.Origins
	}
	return nil
}
