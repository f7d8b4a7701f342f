// Package config loads the agent's on-disk configuration file: a small
// `key = value` text format, narrow enough that a parser dependency would
// buy nothing over a bufio.Scanner.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport names the wire binding selected by the server_address scheme.
type Transport string

const (
	TransportGRPC Transport = "grpc"
	TransportWS   Transport = "ws"
)

// Config is the agent process's full configuration.
type Config struct {
	ServerAddress string // original server_address value, unparsed
	Transport     Transport
	Host          string // host:port, dial target for the gRPC transport (WebSocket dials ServerAddress)
	VPSID         int64
	AgentSecret   string

	HeartbeatInterval time.Duration
	LogLevel          string
}

const defaultHeartbeatInterval = 30 * time.Second

// Load reads and parses path. Any missing required field or malformed
// value is fatal, returned as an error for cmd/agent to report and exit
// non-zero on.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agent config: open %s: %w", path, err)
	}
	defer f.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("agent config: %s:%d: expected key = value", path, lineNo)
		}
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("agent config: read %s: %w", path, err)
	}

	cfg := &Config{
		HeartbeatInterval: defaultHeartbeatInterval,
		LogLevel:          "info",
	}

	serverAddress, ok := raw["server_address"]
	if !ok || serverAddress == "" {
		return nil, fmt.Errorf("agent config: server_address is required")
	}
	transport, hostPort, err := parseServerAddress(serverAddress)
	if err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}
	cfg.Transport = transport
	cfg.ServerAddress = serverAddress
	cfg.Host = hostPort

	vpsIDStr, ok := raw["vps_id"]
	if !ok || vpsIDStr == "" {
		return nil, fmt.Errorf("agent config: vps_id is required")
	}
	vpsID, err := strconv.ParseInt(vpsIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("agent config: vps_id must be an integer: %w", err)
	}
	cfg.VPSID = vpsID

	secret, ok := raw["agent_secret"]
	if !ok || secret == "" {
		return nil, fmt.Errorf("agent config: agent_secret is required")
	}
	cfg.AgentSecret = secret

	if v, ok := raw["heartbeat_interval_seconds"]; ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("agent config: heartbeat_interval_seconds must be a positive integer")
		}
		cfg.HeartbeatInterval = time.Duration(secs) * time.Second
	}

	if v, ok := raw["log_level"]; ok && v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// parseServerAddress splits a URL into its transport (selected by the
// scheme) and dial-ready host:port.
func parseServerAddress(addr string) (Transport, string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid server_address %q: %w", addr, err)
	}

	var transport Transport
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		transport = TransportGRPC
	case "ws", "wss":
		transport = TransportWS
	default:
		return "", "", fmt.Errorf("server_address %q: unrecognized scheme %q (want grpc(s):// or ws(s)://)", addr, u.Scheme)
	}

	if u.Host == "" {
		return "", "", fmt.Errorf("server_address %q: missing host", addr)
	}
	return transport, u.Host, nil
}
