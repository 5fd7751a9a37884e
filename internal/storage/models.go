package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind identifies the metric transition an alert reports.
type AlertKind string

const (
	KindPriceIncrease  AlertKind = "price_increase"
	KindPriceDecrease  AlertKind = "price_decrease"
	KindRankImproved   AlertKind = "rank_improved"
	KindRankWorsened   AlertKind = "rank_worsened"
	KindWentOutOfStock AlertKind = "went_out_of_stock"
	KindBackInStock    AlertKind = "back_in_stock"
	KindRatingChanged  AlertKind = "rating_changed"
	KindReviewSpike    AlertKind = "review_spike"
)

// Severity grades an alert for presentation and priority mapping.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Channel is a notification delivery mechanism.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
)

// Priority orders notifications in the in-app feed.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// NotificationStatus tracks the email delivery leg.
// pending -> sending -> delivered | pending (retry) | failed_permanently.
type NotificationStatus string

const (
	StatusPending           NotificationStatus = "pending"
	StatusSending           NotificationStatus = "sending"
	StatusDelivered         NotificationStatus = "delivered"
	StatusFailedPermanently NotificationStatus = "failed_permanently"
)

// Observation is one immutable snapshot of a tracked listing's measurable
// attributes. Written once by the collector, never mutated. Metric fields are
// pointers because a scrape may capture only a subset.
type Observation struct {
	ID                    int64
	EntityID              int64
	RecordedAt            time.Time
	Price                 *decimal.Decimal
	OriginalPrice         *decimal.Decimal
	Rank                  *int
	RankCategory          *string
	Rating                *decimal.Decimal
	ReviewCount           *int
	InStock               *bool
	StockStatusText       *string
	SellerName            *string
	IsMarketplaceOwner    bool
	IsFulfilledByPlatform bool
	CollectionSucceeded   bool
	CollectionError       *string
	CreatedAt             time.Time
}

// Alert is a persisted, threshold-qualified change record. At most one exists
// per (entity, user, triggering observation, kind).
type Alert struct {
	ID                      int64
	EntityID                int64
	UserID                  int64
	TriggeringObservationID *int64
	Kind                    AlertKind
	Severity                Severity
	Title                   string
	Message                 string
	OldValue                *string
	NewValue                *string
	PercentChange           *decimal.Decimal
	IsRead                  bool
	IsDismissed             bool
	NotifiedAt              *time.Time
	CreatedAt               time.Time
}

// Notification is one per-recipient, per-channel delivery record derived
// from an Alert. The delivery_* fields track the email leg; in-app rows are
// delivered at insert time.
type Notification struct {
	ID                int64
	AlertID           int64
	UserID            int64
	EntityID          *int64
	Channel           Channel
	Kind              AlertKind
	Title             string
	Message           string
	Payload           json.RawMessage
	Priority          Priority
	IsRead            bool
	ReadAt            *time.Time
	Status            NotificationStatus
	Attempts          int
	NextAttemptAt     *time.Time
	ClaimedAt         *time.Time
	DeliveryAttempted bool
	DeliveredAt       *time.Time
	DeliveryError     *string
	ActionURL         *string
	CreatedAt         time.Time
}

// ThresholdOverride holds stored threshold percentages for a user, either a
// per-entity override (EntityID set) or the user's default row. Nil fields
// mean "not configured at this level".
type ThresholdOverride struct {
	UserID         int64
	EntityID       *int64
	PriceChangePct *decimal.Decimal
	RankChangePct  *decimal.Decimal
}

// Subscriber is a user with an active tracking relationship to an entity.
type Subscriber struct {
	UserID       int64
	Email        string
	EmailEnabled bool
	MutedKinds   []string
}

// Muted reports whether the subscriber disabled the given alert kind.
func (s Subscriber) Muted(kind AlertKind) bool {
	for _, k := range s.MutedKinds {
		if k == string(kind) {
			return true
		}
	}
	return false
}

// AlertFilter narrows ListAlerts results. The zero value lists everything
// except dismissed alerts.
type AlertFilter struct {
	EntityID         *int64
	Kind             *AlertKind
	UnreadOnly       bool
	IncludeDismissed bool
	Limit            int
}
