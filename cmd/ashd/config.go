package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/speters/goash/ash"
)

// daemonConfig is the merged result of defaults, config file and command line
type daemonConfig struct {
	Connect        string
	Baud           int // 0 keeps the rate given in Connect
	Serve          string
	Probe          string
	ReconnectDelay time.Duration
	Link           ash.Config
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Probe:          "00000002",
		ReconnectDelay: 12 * time.Second,
		Link:           ash.DefaultConfig(),
	}
}

type fileConfig struct {
	Connect        string         `toml:"connect"`
	Baud           int            `toml:"baud"`
	Serve          string         `toml:"serve"`
	Probe          string         `toml:"probe"`
	ReconnectDelay string         `toml:"reconnect_delay"`
	Link           fileLinkConfig `toml:"link"`
}

type fileLinkConfig struct {
	WindowSize            int    `toml:"window_size"`
	MaxRetries            int    `toml:"max_retries"`
	MaxResetAttempts      int    `toml:"max_reset_attempts"`
	AckTimeoutInit        string `toml:"ack_timeout_init"`
	AckTimeoutMin         string `toml:"ack_timeout_min"`
	AckTimeoutMax         string `toml:"ack_timeout_max"`
	AckDelay              string `toml:"ack_delay"`
	RemoteNotReadyTimeout string `toml:"remote_not_ready_timeout"`
	ResetTimeout          string `toml:"reset_timeout"`
	QueueSize             int    `toml:"queue_size"`
	InboundSize           int    `toml:"inbound_size"`
}

func loadConfigFile(path string, cfg *daemonConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load ashd config: %w", err)
	}

	if meta.IsDefined("connect") {
		cfg.Connect = strings.TrimSpace(raw.Connect)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("serve") {
		cfg.Serve = strings.TrimSpace(raw.Serve)
	}
	if meta.IsDefined("probe") {
		cfg.Probe = strings.TrimSpace(raw.Probe)
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
		{"link.ack_timeout_init", raw.Link.AckTimeoutInit, &cfg.Link.AckTimeoutInit},
		{"link.ack_timeout_min", raw.Link.AckTimeoutMin, &cfg.Link.AckTimeoutMin},
		{"link.ack_timeout_max", raw.Link.AckTimeoutMax, &cfg.Link.AckTimeoutMax},
		{"link.ack_delay", raw.Link.AckDelay, &cfg.Link.AckDelay},
		{"link.remote_not_ready_timeout", raw.Link.RemoteNotReadyTimeout, &cfg.Link.RemoteNotReadyTimeout},
		{"link.reset_timeout", raw.Link.ResetTimeout, &cfg.Link.ResetTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		val int
		dst *int
	}{
		{"window_size", raw.Link.WindowSize, &cfg.Link.WindowSize},
		{"max_retries", raw.Link.MaxRetries, &cfg.Link.MaxRetries},
		{"max_reset_attempts", raw.Link.MaxResetAttempts, &cfg.Link.MaxResetAttempts},
		{"queue_size", raw.Link.QueueSize, &cfg.Link.QueueSize},
		{"inbound_size", raw.Link.InboundSize, &cfg.Link.InboundSize},
	}
	for _, i := range ints {
		if meta.IsDefined("link", i.key) {
			*i.dst = i.val
		}
	}

	if err := cfg.Link.Validate(); err != nil {
		return fmt.Errorf("link config in %s: %w", path, err)
	}
	return nil
}

// link returns Connect with the baud rate applied to serial links
func (c daemonConfig) link() string {
	if c.Baud == 0 || c.Connect == "" {
		return c.Connect
	}
	return withBaud(c.Connect, c.Baud)
}

func withBaud(link string, baud int) string {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "" && u.Scheme != "file") {
		return link
	}
	q := u.Query()
	q.Set("baud", strconv.Itoa(baud))
	u.RawQuery = q.Encode()
	return u.String()
}
