// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Defaults shared by the client and the relay.
const (
	DefaultRelayURL      = "ws://127.0.0.1:8080/ws"
	DefaultListenAddr    = ":8080"
	DefaultInviteTimeout = 45 * time.Second
	DefaultReconnectMin  = 250 * time.Millisecond
	DefaultReconnectMax  = 5 * time.Second
)

// DefaultSTUNServers are used for ICE gathering when -stun is not given.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores all parameters gathered from flags and the environment.
type Config struct {
	RelayURL      string        // Client: WebSocket URL of the relay
	ListenAddr    string        // Relay: HTTP listen address
	STUNServers   []string      // Client: ICE servers for candidate gathering
	InviteTimeout time.Duration // Client: give up on an unanswered invite; 0 disables
	ReconnectMin  time.Duration // Client: first relay reconnect delay
	ReconnectMax  time.Duration // Client: reconnect delay cap
	AudioFile     string        // Client: Ogg/Opus file for the local audio track
	VideoFile     string        // Client: IVF/VP8 file for the local video track
	RecordPath    string        // Client: write remote audio of each call here
	Debug         bool
	Trace         bool
}

// Default returns a Config populated with defaults and env overrides.
func Default() Config {
	return Config{
		RelayURL:      getEnv("PEERCALL_RELAY", DefaultRelayURL),
		ListenAddr:    getEnv("PEERCALL_LISTEN", DefaultListenAddr),
		STUNServers:   append([]string(nil), DefaultSTUNServers...),
		InviteTimeout: DefaultInviteTimeout,
		ReconnectMin:  DefaultReconnectMin,
		ReconnectMax:  DefaultReconnectMax,
	}
}

// RegisterClientFlags binds the client flags to c.
func (c *Config) RegisterClientFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RelayURL, "relay", c.RelayURL, "Relay WebSocket URL (env PEERCALL_RELAY)")
	fs.Func("stun", "Comma-separated STUN URLs, or \"none\"", func(v string) error {
		c.STUNServers = ParseList(v)
		return nil
	})
	fs.DurationVar(&c.InviteTimeout, "timeout", c.InviteTimeout, "Unanswered invite timeout (0 disables)")
	fs.StringVar(&c.AudioFile, "audio", "", "Ogg/Opus file to send as local audio")
	fs.StringVar(&c.VideoFile, "video", "", "IVF/VP8 file to send as local video")
	fs.StringVar(&c.RecordPath, "record", "", "Record the remote audio of each call to this .ogg path")
	fs.BoolVar(&c.Debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&c.Trace, "trace", false, "Enable trace logging (includes pion internals)")
}

// RegisterRelayFlags binds the relay flags to c.
func (c *Config) RegisterRelayFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address (env PEERCALL_LISTEN)")
	fs.BoolVar(&c.Debug, "debug", false, "Enable debug logging")
}

// ValidateClient checks and normalizes the client settings in place.
func (c *Config) ValidateClient() error {
	u, err := NormalizeRelayURL(c.RelayURL)
	if err != nil {
		return err
	}
	c.RelayURL = u

	if c.InviteTimeout < 0 {
		return errors.New("invite timeout must not be negative")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("invalid reconnect range %s..%s", c.ReconnectMin, c.ReconnectMax)
	}
	for _, s := range c.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("invalid STUN URL: %s", s)
		}
	}
	return nil
}

// NormalizeRelayURL validates a raw relay address and returns a ws(s) URL
// ending in /ws. A bare host defaults to wss.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing relay URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// ParseList splits a comma-separated list, dropping blanks. "none" yields nil.
func ParseList(v string) []string {
	if strings.TrimSpace(v) == "none" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
