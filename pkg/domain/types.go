// Package domain holds the entity types shared across the pipeline (§3.1),
// so that C1 through C13 depend on one shape for InboundMessage,
// PipelineJob, ReviewItem and friends instead of redefining them at each
// package boundary.
package domain

import "time"

// UserID is the transport's opaque user identifier, the primary
// partitioning key of nearly every structure in the system.
type UserID int64

// InboundMessage is immutable once created by the Transport Adapter.
type InboundMessage struct {
	UserID     UserID
	ChatID     int64
	MessageID  int64 // transport-assigned, monotonic per chat
	Text       string
	ReceivedAt time.Time
	Recovered  bool   // set by the Recovery Agent on re-injection
	Tier       string // "TIER_1"|"TIER_2"|"TIER_3" when Recovered
}

// PipelineJob is produced by the Activity Tracker once a batching window
// closes, and consumed exactly once by a Supervisor worker.
type PipelineJob struct {
	JobID         string
	UserID        UserID
	ChatID        int64
	Messages      []InboundMessage
	CoalescedText string
	CreatedAt     time.Time
}

// TurnRole is the speaker of a ConversationTurn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// ConversationTurn is one entry in a user's append-only conversation log.
type ConversationTurn struct {
	Role      TurnRole
	Content   string
	Timestamp time.Time
	Bubbles   []string
}

// Profile is the per-user key/value blob (name, pronouns, preferences...).
type Profile map[string]string

// UserMemory is the per-user durable record the Memory Manager owns
// exclusively.
type UserMemory struct {
	UserID              UserID
	History             []ConversationTurn
	Profile             Profile
	AggressiveCompression bool
	Version             int64 // compare-and-swap counter, §5
	UpdatedAt           time.Time
}

// TemporalSummary is a derived, deterministic digest over history older
// than the recent window.
type TemporalSummary struct {
	Text                    string
	RecentAssistantPhrases  []string
}

// Context is the Memory Manager's read API response.
type Context struct {
	Profile    Profile
	Recent     []ConversationTurn
	Summary    TemporalSummary
	TotalTurns int
}

// LLMCallRecord is attached to a ReviewItem for every LLM call made while
// producing it.
type LLMCallRecord struct {
	RequestID          string
	Provider           string
	Model              string
	PromptTokens       int
	CompletionTokens   int
	CachedPromptTokens int
	CostUSD            float64
	LatencyMS          int64
}

// SafetyReport is the deterministic output of the Safety Analyzer.
type SafetyReport struct {
	RiskScore      float64
	Flags          []string
	Recommendation string // approve|review|flag
}

// ReviewStatus is the ReviewItem state machine (§3.3.3).
type ReviewStatus string

const (
	StatusPending   ReviewStatus = "pending"
	StatusReviewing ReviewStatus = "reviewing"
	StatusApproved  ReviewStatus = "approved"
	StatusRejected  ReviewStatus = "rejected"
	StatusCancelled ReviewStatus = "cancelled"
)

// CTAInsertion is the call-to-action metadata a reviewer may attach on
// approval. The core stores it verbatim; see §6.3.
type CTAInsertion struct {
	Inserted      bool
	Tier          string // soft|medium|direct
	Tags          []string
	AtBubbleIndex int
}

// CustomerStatus is the coarse sales-funnel stage tracked per user.
type CustomerStatus string

const (
	CustomerProspect      CustomerStatus = "PROSPECT"
	CustomerLeadQualified CustomerStatus = "LEAD_QUALIFIED"
	CustomerCustomer      CustomerStatus = "CUSTOMER"
	CustomerChurned       CustomerStatus = "CHURNED"
	CustomerLeadExhausted CustomerStatus = "LEAD_EXHAUSTED"
)

// ReviewItem is the unit of human review (§3.1).
type ReviewItem struct {
	ReviewID         string
	UserID           UserID
	ChatID           int64
	InboundText      string
	DraftText        string
	RefinedBubbles   []string
	FinalBubbles     []string
	Safety           SafetyReport
	LLM1, LLM2       LLMCallRecord
	PriorityScore    float64
	Status           ReviewStatus
	ReviewerID       string
	ReviewStartedAt  *time.Time
	ReviewCompletedAt *time.Time
	EditTags         []string
	QualityScore     *int
	CTA              *CTAInsertion
	CustomerStatus   CustomerStatus
	ProcessingError  string // e.g. "llm_unavailable", "shutdown"
	DeliveredAt      *time.Time
	DeliveryFailedReason string
	Recovered        bool
	Tier             string
	LastMessageID    int64 // transport message_id of the latest InboundMessage in the originating job
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StatusTransition is an append-only audit row for UserCurrentStatus
// changes.
type StatusTransition struct {
	UserID    UserID
	From      CustomerStatus
	To        CustomerStatus
	DeltaLTV  float64
	Reason    string
	Performer string
	At        time.Time
}

// UserCurrentStatus is the authoritative per-user sales-funnel record.
type UserCurrentStatus struct {
	UserID         UserID
	CustomerStatus CustomerStatus
	LTVTotalUSD    float64
	Nickname       string
}

// ProtocolStatus is the per-user silence-protocol switch (C11).
type ProtocolStatus struct {
	UserID    UserID
	Active    bool
	Since     *time.Time
	Reason    string
	Performer string
}

// QuarantineMessage is a diverted InboundMessage awaiting reviewer
// disposition or expiry.
type QuarantineMessage struct {
	QID        string
	UserID     UserID
	ChatID     int64
	Text       string
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

// MessageCursor tracks the last transport message known to be fully
// processed for a user; used by the Recovery Agent.
type MessageCursor struct {
	UserID                        UserID
	LastProcessedTransportMsgID   int64
	LastProcessedAt               time.Time
}

// RecoveryOperation is a durable audit row for one recovery sweep.
type RecoveryOperation struct {
	OpID              string
	StartedAt         time.Time
	FinishedAt        *time.Time
	UsersScanned      int
	MessagesRecovered int
	Errors            int
	Status            string // running|completed|aborted
}

// ApprovedDeliveryEntry is the contractually-stable sub-queue entry shape
// from §6.2.
type ApprovedDeliveryEntry struct {
	ReviewID      string    `json:"review_id"`
	UserID        UserID    `json:"user_id"`
	ChatID        int64     `json:"chat_id"`
	Bubbles       []string  `json:"bubbles"`
	InboundText   string    `json:"inbound_text"`
	LastMessageID int64     `json:"last_message_id"`
	ApprovedAt    time.Time `json:"approved_at"`
}
