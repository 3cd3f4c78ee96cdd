package events

// SendState enumerates the lifecycle a SendUpdate describes (SPEC_FULL §4.G,
// §8 property 5: "Enqueued → Sending → (Retrying*) → (Sent | Failed)").
type SendState int

const (
	SendEnqueued SendState = iota
	SendSending
	SendRetrying
	SendSent
	SendFailed
)

// SendUpdate describes one transition in a send task's lifecycle.
type SendUpdate struct {
	LocalMessageID  uint64
	ChannelID       uint64
	State           SendState
	ServerMessageID uint64 // set on SendSent
	Reason          string // set on SendFailed
}

// TimelineEvent describes a message inserted/updated in one channel's
// timeline, emitted in ascending pts order (SPEC_FULL §5).
type TimelineEvent struct {
	ChannelID       uint64
	LocalMessageID  uint64
	ServerMessageID uint64
	PTS             uint64
	SelfAuthored    bool
}

// ChannelListEvent describes a channel-list-level change (new channel,
// unread count change, reorder).
type ChannelListEvent struct {
	ChannelID   uint64
	ChannelType uint8
	UnreadCount int64
}

// TypingEvent describes a typing-indicator change in one channel.
type TypingEvent struct {
	ChannelID uint64
	UserID    uint64
	Typing    bool
}

// ReceiptEvent describes a read-receipt change in one channel.
type ReceiptEvent struct {
	ChannelID uint64
	MessageID uint64
	UserID    uint64
	ReadAt    int64
}

// SyncPhase enumerates SyncStatus.Phase transitions (SPEC_FULL §4.H
// "Bootstrapping → Synced → Syncing(gap) → Synced").
type SyncPhase int

const (
	SyncBootstrapping SyncPhase = iota
	SyncSynced
	SyncSyncingGap
	SyncFailed
)

// SyncStatus reports a phase transition of the supervised sync loop.
type SyncStatus struct {
	Phase     SyncPhase
	ChannelID uint64 // meaningful only for SyncSyncingGap
	Error     string // meaningful only for SyncFailed
}

// ConnectionState mirrors TransportMux's observable state (SPEC_FULL §4.D).
type ConnectionState int

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
)

func (c ConnectionState) String() string {
	switch c {
	case ConnDisconnected:
		return "Disconnected"
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	case ConnReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// DelegateKind discriminates the generic Delegate channel (SPEC_FULL §4.I:
// "message-received, connection-state-changed, network-status-changed, and
// a generic event").
type DelegateKind int

const (
	DelegateMessageReceived DelegateKind = iota
	DelegateConnectionStateChanged
	DelegateNetworkStatusChanged
	DelegateGeneric
)

// DelegateEvent is the payload dispatched to the singleton Delegate.
type DelegateEvent struct {
	Kind            DelegateKind
	ChannelID       uint64 // MessageReceived
	LocalMessageID  uint64 // MessageReceived
	ConnectionState ConnectionState
	NetworkOnline   bool
	Name            string // Generic
	Data            map[string]any
}
