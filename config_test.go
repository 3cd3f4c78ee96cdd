package privchatsdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseServerUrlRoundTripsAllFourSchemes(t *testing.T) {
	cases := []struct {
		raw      string
		protocol Protocol
		host     string
		port     int
		path     string
		useTLS   bool
	}{
		{"quic://relay.example:8082", ProtocolQuic, "relay.example", 8082, "", true},
		{"wss://relay.example:8443/ws", ProtocolWebSocket, "relay.example", 8443, "/ws", true},
		{"ws://relay.example:8081", ProtocolWebSocket, "relay.example", 8081, "", false},
		{"tcp://relay.example:9000", ProtocolTcp, "relay.example", 9000, "", false},
	}
	for _, tc := range cases {
		ep, err := parseServerUrl(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.protocol, ep.Protocol, tc.raw)
		require.Equal(t, tc.host, ep.Host, tc.raw)
		require.Equal(t, tc.port, ep.Port, tc.raw)
		require.Equal(t, tc.path, ep.Path, tc.raw)
		require.Equal(t, tc.useTLS, ep.UseTLS, tc.raw)
	}
}

func TestParseServerUrlRejectsUnsupportedScheme(t *testing.T) {
	_, err := parseServerUrl("http://relay.example:80")
	require.Error(t, err)
	var sdkErr *Error
	require.ErrorAs(t, err, &sdkErr)
	require.Equal(t, KindInvalidParameter, sdkErr.Kind)
}

func TestParseServerUrlRejectsMissingPort(t *testing.T) {
	_, err := parseServerUrl("tcp://relay.example")
	require.Error(t, err)
}

func TestParseServerUrlRejectsMissingHost(t *testing.T) {
	_, err := parseServerUrl("tcp://:9000")
	require.Error(t, err)
}

func TestConfigValidateRequiresCoreFields(t *testing.T) {
	valid := Config{
		DataDir:   t.TempDir(),
		AssetsDir: t.TempDir(),
		ServerConfig: ServerConfig{
			Endpoints: []ServerEndpoint{{Protocol: ProtocolTcp, Host: "relay.example", Port: 9000}},
		},
		ConnectionTimeout: 5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
	require.NoError(t, valid.Validate())

	missingDataDir := valid
	missingDataDir.DataDir = ""
	require.Error(t, missingDataDir.Validate())

	noEndpoints := valid
	noEndpoints.ServerConfig = ServerConfig{}
	require.Error(t, noEndpoints.Validate())

	zeroTimeout := valid
	zeroTimeout.ConnectionTimeout = 0
	require.Error(t, zeroTimeout.Validate())
}

func TestUserDataDirNestsUnderDataDirByUserID(t *testing.T) {
	cfg := Config{DataDir: "/data"}
	require.Equal(t, "/data/users/42", cfg.userDataDir(42))
}
