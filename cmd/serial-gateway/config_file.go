package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// fileConfig mirrors the command-line options. Absent keys stay nil and
// leave the default in place.
type fileConfig struct {
	Serial             *string        `yaml:"serial"`
	Baud               *int           `yaml:"baud"`
	SerialReadTimeout  *time.Duration `yaml:"serial_read_timeout"`
	GatewayID          *int           `yaml:"gateway_id"`
	GatewayName        *string        `yaml:"gateway_name"`
	NetworkType        *string        `yaml:"network_type"`
	Delimiter          *string        `yaml:"delimiter"`
	MaxMessageSize     *int           `yaml:"max_message_size"`
	ErrorBackoff       *time.Duration `yaml:"error_backoff"`
	Listen             *string        `yaml:"listen"`
	LogFormat          *string        `yaml:"log_format"`
	LogLevel           *string        `yaml:"log_level"`
	MetricsAddr        *string        `yaml:"metrics_addr"`
	QueueBuffer        *int           `yaml:"queue_buffer"`
	QueuePolicy        *string        `yaml:"queue_policy"`
	LogMetricsInterval *time.Duration `yaml:"log_metrics_interval"`
	MaxClients         *int           `yaml:"max_clients"`
	ClientReadTimeout  *time.Duration `yaml:"client_read_timeout"`
	MDNS               struct {
		Enable *bool   `yaml:"enable"`
		Name   *string `yaml:"name"`
	} `yaml:"mdns"`
	LogMessages *bool `yaml:"log_messages"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.UnmarshalStrict(b, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

// applyConfigFile copies values present in the YAML file into c, skipping
// options whose flag was given explicitly.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	fc, err := loadConfigFile(path)
	if err != nil {
		return err
	}
	fc.apply(c, set)
	return nil
}

func (fc *fileConfig) apply(c *appConfig, set map[string]struct{}) {
	free := func(name string) bool { _, ok := set[name]; return !ok }
	str := func(name string, src *string, dst *string) {
		if src != nil && free(name) {
			*dst = *src
		}
	}
	num := func(name string, src *int, dst *int) {
		if src != nil && free(name) {
			*dst = *src
		}
	}
	dur := func(name string, src *time.Duration, dst *time.Duration) {
		if src != nil && free(name) {
			*dst = *src
		}
	}
	boolean := func(name string, src *bool, dst *bool) {
		if src != nil && free(name) {
			*dst = *src
		}
	}
	str("serial", fc.Serial, &c.serialDev)
	num("baud", fc.Baud, &c.baud)
	dur("serial-read-timeout", fc.SerialReadTimeout, &c.serialReadTO)
	num("gateway-id", fc.GatewayID, &c.gatewayID)
	str("gateway-name", fc.GatewayName, &c.gatewayName)
	str("network-type", fc.NetworkType, &c.networkType)
	str("delimiter", fc.Delimiter, &c.delimiter)
	num("max-message-size", fc.MaxMessageSize, &c.maxMessageSize)
	dur("error-backoff", fc.ErrorBackoff, &c.errorBackoff)
	str("listen", fc.Listen, &c.listenAddr)
	str("log-format", fc.LogFormat, &c.logFormat)
	str("log-level", fc.LogLevel, &c.logLevel)
	str("metrics-addr", fc.MetricsAddr, &c.metricsAddr)
	num("queue-buffer", fc.QueueBuffer, &c.queueBuffer)
	str("queue-policy", fc.QueuePolicy, &c.queuePolicy)
	dur("log-metrics-interval", fc.LogMetricsInterval, &c.logMetricsEvery)
	num("max-clients", fc.MaxClients, &c.maxClients)
	dur("client-read-timeout", fc.ClientReadTimeout, &c.clientReadTO)
	boolean("mdns-enable", fc.MDNS.Enable, &c.mdnsEnable)
	str("mdns-name", fc.MDNS.Name, &c.mdnsName)
	boolean("log-messages", fc.LogMessages, &c.logMessages)
}
