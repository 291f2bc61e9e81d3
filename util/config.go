package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "commune"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host               string
		HttpPort           int    `yaml:"httpPort"`
		SslDomain          string `yaml:"sslDomain"`
		DbFile             string `yaml:"dbFile"`
		KeySecret          string `yaml:"keySecret"`
		DeliveryWorkers    int    `yaml:"deliveryWorkers"`
		DeliveryPerDomain  int    `yaml:"deliveryPerDomain"`
		DeliveryTimeoutSec int    `yaml:"deliveryTimeoutSec"`
		BackoffBaseSec     int    `yaml:"backoffBaseSec"`
		BackoffMaxSec      int    `yaml:"backoffMaxSec"`
		MaxAttempts        int    `yaml:"maxAttempts"`
		SweepIntervalSec   int    `yaml:"sweepIntervalSec"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("COMMUNE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("COMMUNE_HTTPPORT"); v != "" {
		setIntFromEnv(&c.Conf.HttpPort, v)
	}
	if v := os.Getenv("COMMUNE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("COMMUNE_DBFILE"); v != "" {
		c.Conf.DbFile = v
	}
	if v := os.Getenv("COMMUNE_KEYSECRET"); v != "" {
		c.Conf.KeySecret = v
	}
	if v := os.Getenv("COMMUNE_DELIVERY_WORKERS"); v != "" {
		setIntFromEnv(&c.Conf.DeliveryWorkers, v)
	}
	if v := os.Getenv("COMMUNE_DELIVERY_PER_DOMAIN"); v != "" {
		setIntFromEnv(&c.Conf.DeliveryPerDomain, v)
	}
	if v := os.Getenv("COMMUNE_DELIVERY_TIMEOUT_SEC"); v != "" {
		setIntFromEnv(&c.Conf.DeliveryTimeoutSec, v)
	}
	if v := os.Getenv("COMMUNE_BACKOFF_BASE_SEC"); v != "" {
		setIntFromEnv(&c.Conf.BackoffBaseSec, v)
	}
	if v := os.Getenv("COMMUNE_BACKOFF_MAX_SEC"); v != "" {
		setIntFromEnv(&c.Conf.BackoffMaxSec, v)
	}
	if v := os.Getenv("COMMUNE_MAX_ATTEMPTS"); v != "" {
		setIntFromEnv(&c.Conf.MaxAttempts, v)
	}
	if v := os.Getenv("COMMUNE_SWEEP_INTERVAL_SEC"); v != "" {
		setIntFromEnv(&c.Conf.SweepIntervalSec, v)
	}
}

func setIntFromEnv(target *int, value string) {
	v, err := strconv.Atoi(value)
	if err != nil {
		fmt.Println(err)
		return
	}
	*target = v
}
