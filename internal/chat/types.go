package chat

// Status is a per-profile message acknowledgement level.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// StatusUpdate records one profile's acknowledgement of a message.
type StatusUpdate struct {
	Status    Status
	Timestamp int64 // unix ms
}

// Part is one content fragment of a message.
type Part struct {
	Kind string // "text", "image", ...
	Body string
	MIME string
	Size int64
}

// Roles is the capability matrix attached to a conversation.
type Roles struct {
	Owner  []string
	Member []string
}

// Participant is a member of a conversation.
type Participant struct {
	ProfileID string
	Name      string
	Role      string
}

// Conversation is the locally cached projection of a remote conversation.
//
// The optional sequence fields are pointers: 0 is a legal event id, so
// absence is nil, not a sentinel. ContinuationToken additionally uses -1
// to mean the oldest page has been reached.
type Conversation struct {
	ID          string
	Name        string
	Description string
	Roles       Roles
	IsPublic    bool

	ETag                 string
	LastMessageTimestamp int64 // unix ms, lazy-load ordering only

	// Highest event sequence the remote service reports for this
	// conversation. Nil until the remote has any events.
	LatestRemoteEventID *int64

	// Bounds of the contiguous event range materialized locally. All
	// events in [earliest, latest] are applied; gaps exist only at the
	// leading edge, between latest and LatestRemoteEventID.
	EarliestLocalEventID *int64
	LatestLocalEventID   *int64

	// Paging cursor into older history. Nil until the first page is
	// loaded; -1 once the oldest page has been reached.
	ContinuationToken *int64
}

// Message is one message in a conversation, ordered by SentEventID.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SentOn         int64 // unix ms
	SentEventID    int64 // conversation-scoped sequence, the ordering key
	Parts          []Part
	Metadata       map[string]string
	StatusUpdates  map[string]StatusUpdate // profile id -> ack
}

// ApplyStatus records an acknowledgement for profileID. A read status is
// never downgraded: delivered arriving after read is a no-op. Returns
// whether the message changed.
func (m *Message) ApplyStatus(profileID string, upd StatusUpdate) bool {
	if m.StatusUpdates == nil {
		m.StatusUpdates = make(map[string]StatusUpdate)
	}
	if cur, ok := m.StatusUpdates[profileID]; ok {
		if cur.Status == StatusRead && upd.Status == StatusDelivered {
			return false
		}
		if cur.Status == upd.Status && cur.Timestamp >= upd.Timestamp {
			return false
		}
	}
	m.StatusUpdates[profileID] = upd
	return true
}

// AckedBy reports whether profileID has marked the message delivered or read.
func (m *Message) AckedBy(profileID string) bool {
	_, ok := m.StatusUpdates[profileID]
	return ok
}

// Int64 returns a pointer to v. Convenience for the optional sequence fields.
func Int64(v int64) *int64 {
	return &v
}
