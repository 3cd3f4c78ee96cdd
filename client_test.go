package privchatsdk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privchat/privchat-sdk/internal/sendqueue"
	"github.com/privchat/privchat-sdk/internal/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DataDir:   t.TempDir(),
		AssetsDir: t.TempDir(),
		ServerConfig: ServerConfig{
			Endpoints: []ServerEndpoint{{Protocol: ProtocolTcp, Host: "127.0.0.1", Port: 1}},
		},
		ConnectionTimeout: 200 * time.Millisecond,
		HeartbeatInterval: time.Second,
	}
}

func newInitializedClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(1, "test-sdk"))
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	var sdkErr *Error
	require.ErrorAs(t, err, &sdkErr)
	require.Equal(t, KindInvalidParameter, sdkErr.Kind)
}

func TestOperationsBeforeInitializeFailWithNotInitialized(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)

	_, _, err = c.SendText(context.Background(), 1, 0, "hi")
	require.Error(t, err)
	var sdkErr *Error
	require.ErrorAs(t, err, &sdkErr)
	require.Equal(t, KindNotInitialized, sdkErr.Kind)
}

func TestInitializeTwiceFails(t *testing.T) {
	c := newInitializedClient(t)
	err := c.Initialize(1, "test-sdk")
	require.Error(t, err)
}

func TestSendTextEnqueuesWithoutRequiringConnection(t *testing.T) {
	c := newInitializedClient(t)
	localID, nonce, err := c.SendText(context.Background(), 42, 0, "hi")
	require.NoError(t, err)
	require.NotZero(t, localID)
	require.NotEmpty(t, nonce)

	msgs, err := c.ListMessages(context.Background(), 42, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, store.StatusSending, msgs[0].Status)
}

func TestRetryMessageRequiresFailedStatus(t *testing.T) {
	c := newInitializedClient(t)
	localID, _, err := c.SendText(context.Background(), 42, 0, "hi")
	require.NoError(t, err)

	// Still Sending, not Failed: retry must be rejected.
	_, err = c.RetryMessage(context.Background(), localID)
	require.Error(t, err)
	var sdkErr *Error
	require.ErrorAs(t, err, &sdkErr)
	require.Equal(t, KindInvalidParameter, sdkErr.Kind)
}

func TestRetryMessageResubmitsFailedMessage(t *testing.T) {
	c := newInitializedClient(t)
	localID, _, err := c.SendText(context.Background(), 42, 0, "hi")
	require.NoError(t, err)

	require.NoError(t, c.store.MarkFailed(context.Background(), localID))

	nonce, err := c.RetryMessage(context.Background(), localID)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	msg, found, err := c.store.GetByLocalID(context.Background(), localID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, store.StatusSending, msg.Status)

	msgs, err := c.ListMessages(context.Background(), 42, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "resubmit must not duplicate the message row")
}

func TestRetryMessageUnknownLocalIDFails(t *testing.T) {
	c := newInitializedClient(t)
	_, err := c.RetryMessage(context.Background(), 999999)
	require.Error(t, err)
}

func TestSendTypingDebouncesWithinWindow(t *testing.T) {
	c := newInitializedClient(t)
	require.NoError(t, c.SendTyping(7))
	require.NoError(t, c.SendTyping(7))

	c.typingMu.Lock()
	_, pending := c.typingTimers[7]
	c.typingMu.Unlock()
	require.True(t, pending)
}

func TestSetChannelFlagsAndListChannels(t *testing.T) {
	c := newInitializedClient(t)
	require.NoError(t, c.store.EnsureChannel(context.Background(), 10, 0, "test channel"))

	muted := true
	require.NoError(t, c.SetChannelFlags(context.Background(), 10, 0, &muted, nil, nil))

	channels, err := c.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.True(t, channels[0].Muted)
}

func TestShutdownIsIdempotent(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(1, "test-sdk"))
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
}

func TestOperationsAfterShutdownFail(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(1, "test-sdk"))
	require.NoError(t, c.Shutdown())

	_, _, err = c.SendText(context.Background(), 1, 0, "hi")
	require.Error(t, err)
}

func TestSendAttachmentPriorityOrdering(t *testing.T) {
	require.Equal(t, sendqueue.PriorityCritical, priorityForMessageType("revoke"))
	require.Equal(t, sendqueue.PriorityHigh, priorityForMessageType("text"))
	require.Equal(t, sendqueue.PriorityNormal, priorityForMessageType("image"))
	require.Equal(t, sendqueue.PriorityLow, priorityForMessageType("video"))
	require.Equal(t, sendqueue.PriorityNormal, priorityForMessageType("unknown-type"))
}
