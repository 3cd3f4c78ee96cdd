package events

// Hub aggregates every observer kind named in SPEC_FULL.md §4.I into one
// handle the Facade holds and passes down to the subsystems that publish.
type Hub struct {
	Send        *Topic[SendUpdate]
	Timeline    *ScopedBus[uint64, TimelineEvent]
	ChannelList *Topic[ChannelListEvent]
	Typing      *ScopedBus[uint64, TypingEvent]
	Receipts    *ScopedBus[uint64, ReceiptEvent]
	Sync        *Topic[SyncStatus]
	Delegate    *Topic[DelegateEvent]
}

// NewHub constructs an empty Hub with reasonable default buffer sizes.
func NewHub() *Hub {
	return &Hub{
		Send:        NewTopic[SendUpdate]("send", 256),
		Timeline:    NewScopedBus[uint64, TimelineEvent]("timeline", 256),
		ChannelList: NewTopic[ChannelListEvent]("channel_list", 128),
		Typing:      NewScopedBus[uint64, TypingEvent]("typing", 32),
		Receipts:    NewScopedBus[uint64, ReceiptEvent]("receipts", 128),
		Sync:        NewTopic[SyncStatus]("sync", 32),
		Delegate:    NewTopic[DelegateEvent]("delegate", 256),
	}
}
