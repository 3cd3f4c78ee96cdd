package privchatsdk

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/privchat/privchat-sdk/internal/transport"
)

// Protocol identifies one transport arm of the TransportMux (SPEC_FULL §4.D).
type Protocol = transport.Protocol

const (
	ProtocolTcp       = transport.ProtocolTcp
	ProtocolWebSocket = transport.ProtocolWebSocket
	ProtocolQuic      = transport.ProtocolQuic
)

// ServerEndpoint is one dialable address in the ordered endpoint list.
type ServerEndpoint = transport.Endpoint

// parseServerUrl accepts "quic://host:port", "wss://host:port/path",
// "ws://host:port", "tcp://host:port" and returns a ServerEndpoint.
//
// Grounded on client_teacher/server_addr.go's normalizeServerAddr: scheme
// stripping, net/url parsing of the authority, and strict host/port
// validation are carried over; the scheme→{protocol,use_tls} table is new
// (SPEC_FULL §6).
// ParseServerURL is the exported entry point for parseServerUrl, for callers
// (e.g. cmd/democlient) assembling a ServerConfig outside of a config file.
func ParseServerURL(raw string) (ServerEndpoint, error) {
	return parseServerUrl(raw)
}

func parseServerUrl(raw string) (ServerEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ServerEndpoint{}, errInvalidParam("url", fmt.Sprintf("invalid server url: %v", err))
	}
	var proto Protocol
	var useTLS bool
	switch u.Scheme {
	case "quic":
		proto, useTLS = ProtocolQuic, true
	case "wss":
		proto, useTLS = ProtocolWebSocket, true
	case "ws":
		proto, useTLS = ProtocolWebSocket, false
	case "tcp":
		proto, useTLS = ProtocolTcp, false
	default:
		return ServerEndpoint{}, errInvalidParam("url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return ServerEndpoint{}, errInvalidParam("url", "missing host")
	}
	portStr := u.Port()
	if portStr == "" {
		return ServerEndpoint{}, errInvalidParam("url", "missing port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return ServerEndpoint{}, errInvalidParam("url", fmt.Sprintf("invalid port %q", portStr))
	}
	return ServerEndpoint{
		Protocol: proto,
		Host:     u.Hostname(),
		Port:     port,
		Path:     u.Path,
		UseTLS:   useTLS,
	}, nil
}

// HttpClientConfig tunes the file-upload/download HTTP collaborator.
type HttpClientConfig struct {
	ConnectTimeout time.Duration `json:"connectTimeout"`
	RequestTimeout time.Duration `json:"requestTimeout"`
	EnableRetry    bool          `json:"enableRetry"`
	MaxRetries     int           `json:"maxRetries"`
}

// ServerConfig holds the ordered endpoint list tried by TransportMux.
type ServerConfig struct {
	Endpoints []ServerEndpoint `json:"endpoints"`
}

// Config is the flat SDK configuration described in SPEC_FULL.md §6.
type Config struct {
	DataDir           string            `json:"dataDir"`
	AssetsDir         string            `json:"assetsDir"`
	ServerConfig      ServerConfig      `json:"serverConfig"`
	ConnectionTimeout time.Duration     `json:"connectionTimeout"`
	HeartbeatInterval time.Duration     `json:"heartbeatInterval"`
	FileApiBaseUrl    string            `json:"fileApiBaseUrl,omitempty"`
	HttpClientConfig  HttpClientConfig  `json:"httpClientConfig,omitempty"`
	DebugMode         bool              `json:"debugMode,omitempty"`
}

// Validate checks the required fields documented in SPEC_FULL.md §6.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errInvalidParam("dataDir", "dataDir is required")
	}
	if c.AssetsDir == "" {
		return errInvalidParam("assetsDir", "assetsDir is required")
	}
	if len(c.ServerConfig.Endpoints) == 0 {
		return errInvalidParam("serverConfig.endpoints", "at least one endpoint is required")
	}
	if c.ConnectionTimeout <= 0 {
		return errInvalidParam("connectionTimeout", "connectionTimeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errInvalidParam("heartbeatInterval", "heartbeatInterval must be positive")
	}
	return nil
}

// userDataDir returns {dataDir}/users/{user_id}/ per SPEC_FULL.md §6.
func (c *Config) userDataDir(userID uint64) string {
	return filepath.Join(c.DataDir, "users", strconv.FormatUint(userID, 10))
}

// loadConfigFile reads a JSON-encoded Config from disk, following the
// client_teacher/internal/config load-or-default shape.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errGeneric("read config file", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errGeneric("parse config file", err)
	}
	return cfg, nil
}
