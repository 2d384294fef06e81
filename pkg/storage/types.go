package storage

import (
	"context"
	"errors"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// Sentinel errors returned by Store implementations. Callers map them to
// protocol status codes; the storage layer stays protocol-agnostic.
var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a create would violate a uniqueness
	// constraint: resource ID, structured name or (parent, name).
	ErrDuplicate = errors.New("duplicate record")
)

// ResourceDoc is the persisted form of one resource: the full attribute map
// plus the columns the store indexes (ri, pi, ty, rn, srn, et).
type ResourceDoc struct {
	// RI is the unstructured resource identifier, the primary key.
	RI string `json:"ri"`

	// PI is the parent resource identifier. Empty for the CSEBase.
	PI string `json:"pi"`

	// Type is the resource type code.
	Type onem2m.ResourceType `json:"type"`

	// Name is the resource name, unique among siblings.
	Name string `json:"name"`

	// Path is the structured resource name, e.g. "cse-in/ae1/cnt1".
	Path string `json:"path"`

	// Expiration is the expirationTime in oneM2M timestamp format. The
	// fixed-width layout compares chronologically as a string. Empty means
	// the resource never expires.
	Expiration string `json:"expiration,omitempty"`

	// Attributes is the complete resource representation.
	Attributes onem2m.Attributes `json:"attributes"`
}

// Clone returns a deep copy so callers can mutate the attribute map without
// aliasing store state.
func (d *ResourceDoc) Clone() *ResourceDoc {
	if d == nil {
		return nil
	}
	c := *d
	c.Attributes = d.Attributes.Clone()
	return &c
}

// Subscription is the flattened view of a <subscription> resource that the
// notifier evaluates on every event. One record per live subscription,
// keyed by the subscription's ri; pi is the monitored resource.
type Subscription struct {
	RI   string `json:"ri"`
	PI   string `json:"pi"`
	Path string `json:"path"`

	// Originator created the subscription and receives the creator field
	// in notifications when requested.
	Originator string `json:"originator,omitempty"`

	// EventTypes is enc/net. Empty means resourceUpdate only.
	EventTypes []onem2m.NotificationEventType `json:"event_types,omitempty"`

	// ContentType is nct, deciding what a notification carries.
	ContentType onem2m.NotificationContentType `json:"content_type,omitempty"`

	// AttributeFilter is enc/atr: update events fire only when the updated
	// set intersects it.
	AttributeFilter []string `json:"attribute_filter,omitempty"`

	// ChildTypes is enc/chty: child create/delete events fire only for
	// these child types.
	ChildTypes []onem2m.ResourceType `json:"child_types,omitempty"`

	// Targets is nu, the notification target URIs.
	Targets []string `json:"targets"`

	// BatchSize and BatchDuration mirror bn/num and bn/dur. Zero values
	// disable the respective trigger.
	BatchSize     int64         `json:"batch_size,omitempty"`
	BatchDuration time.Duration `json:"batch_duration,omitempty"`

	// LatestOnly is ln: a batch flush keeps only the newest notification.
	LatestOnly bool `json:"latest_only,omitempty"`

	// Counter is exc. Zero means unlimited; otherwise the subscription is
	// deleted when it reaches zero.
	Counter int64 `json:"counter,omitempty"`

	// EventCategory is nec. The immediate category bypasses schedule gating.
	EventCategory int `json:"event_category,omitempty"`

	// PendingNotification is pn, the handling of notifications generated
	// while the target was unreachable.
	PendingNotification int `json:"pending_notification,omitempty"`

	// SubscriberURI is su, the extra target for the deletion notification.
	SubscriberURI string `json:"subscriber_uri,omitempty"`

	// StatsEnabled is nse; the notifier counts sent notifications into the
	// subscription's nsi while set.
	StatsEnabled bool `json:"stats_enabled,omitempty"`

	// MaxAge is ma: how stale the subscribed resource may be before a
	// blocking retrieve runs the refresh handshake.
	MaxAge time.Duration `json:"max_age,omitempty"`

	// MissingDataLimit and MissingDataWindow mirror enc/md for time-series
	// missing-data subscriptions (net contains 8).
	MissingDataLimit  int64         `json:"missing_data_limit,omitempty"`
	MissingDataWindow time.Duration `json:"missing_data_window,omitempty"`

	// CrossResourceRI links a record derived from a <crossResourceSub> to
	// its CRS. Events matching such a record feed the CRS time window
	// instead of being delivered directly.
	CrossResourceRI string `json:"cross_resource_ri,omitempty"`
}

// WantsEvent reports whether the record subscribes to the given event type.
// An absent enc/net defaults to resourceUpdate.
func (s *Subscription) WantsEvent(net onem2m.NotificationEventType) bool {
	if len(s.EventTypes) == 0 {
		return net == onem2m.EventResourceUpdate
	}
	for _, t := range s.EventTypes {
		if t == net {
			return true
		}
	}
	return false
}

// Batching reports whether notifications for this record are buffered.
func (s *Subscription) Batching() bool {
	return s.BatchSize > 0 || s.BatchDuration > 0
}

// BatchEntry is one buffered notification awaiting a batch flush, scoped to
// a (subscription, target URI) pair and drained oldest-first.
type BatchEntry struct {
	ID             int64             `json:"id"`
	SubscriptionRI string            `json:"subscription_ri"`
	Target         string            `json:"target"`
	Timestamp      string            `json:"timestamp"`
	Notification   onem2m.Attributes `json:"notification"`
}

// ActionRecord is the scheduling state of an <action> resource. The
// evaluator re-reads the resource itself for criteria; the record only
// carries what must survive between evaluations and across restarts.
type ActionRecord struct {
	RI      string          `json:"ri"`
	Subject string          `json:"subject"`
	Mode    onem2m.EvalMode `json:"mode"`
	Period  time.Duration   `json:"period,omitempty"`

	// Satisfied is the outcome of the previous evaluation, used by
	// continuous mode to fire once per false-to-true transition.
	Satisfied bool `json:"satisfied"`
}

// ScheduleRecord is the flattened view of a <schedule> resource, looked up
// by its parent when gating notifications or CMDH processing.
type ScheduleRecord struct {
	RI                 string   `json:"ri"`
	PI                 string   `json:"pi"`
	Entries            []string `json:"entries"`
	NetworkCoordinated bool     `json:"network_coordinated,omitempty"`
}

// RecordedRequest is one entry of the optional request history.
type RecordedRequest struct {
	ID         int64             `json:"id"`
	RequestID  string            `json:"request_id"`
	Originator string            `json:"originator"`
	Target     string            `json:"target"`
	Operation  onem2m.Operation  `json:"operation"`
	RSC        onem2m.RSC        `json:"rsc"`
	Timestamp  string            `json:"timestamp"`
	Request    onem2m.Attributes `json:"request,omitempty"`
	Response   onem2m.Attributes `json:"response,omitempty"`
}

// Statistics is the CSE-wide counter singleton.
type Statistics struct {
	Created       int64 `json:"created"`
	Updated       int64 `json:"updated"`
	Deleted       int64 `json:"deleted"`
	Expired       int64 `json:"expired"`
	Notifications int64 `json:"notifications"`
}

// Store is the persistence interface of the CSE. Implementations must make
// each method atomic: a resource write and its index maintenance either all
// happen or none do. Cross-resource transactions are not part of the
// contract; the dispatcher serializes multi-step changes with per-resource
// locks.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Resource operations
	CreateResource(ctx context.Context, doc *ResourceDoc) error
	GetResource(ctx context.Context, ri string) (*ResourceDoc, error)
	GetResourceByPath(ctx context.Context, srn string) (*ResourceDoc, error)
	UpdateResource(ctx context.Context, doc *ResourceDoc) error
	DeleteResource(ctx context.Context, ri string) error

	// Tree queries. Children are returned in creation order.
	Children(ctx context.Context, pi string) ([]*ResourceDoc, error)
	ChildByName(ctx context.Context, pi, rn string) (*ResourceDoc, error)
	ChildrenOfType(ctx context.Context, pi string, ty onem2m.ResourceType) ([]*ResourceDoc, error)
	CountChildrenOfType(ctx context.Context, pi string, ty onem2m.ResourceType) (int, error)
	OldestChildOfType(ctx context.Context, pi string, ty onem2m.ResourceType) (*ResourceDoc, error)
	LatestChildOfType(ctx context.Context, pi string, ty onem2m.ResourceType) (*ResourceDoc, error)
	ResourcesOfType(ctx context.Context, ty onem2m.ResourceType) ([]*ResourceDoc, error)
	ExpiredResources(ctx context.Context, now string, limit int) ([]*ResourceDoc, error)
	CountsByType(ctx context.Context) (map[onem2m.ResourceType]int64, error)

	// Subscription records
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, ri string) (*Subscription, error)
	DeleteSubscription(ctx context.Context, ri string) error
	SubscriptionsFor(ctx context.Context, pi string) ([]*Subscription, error)

	// Batch-notification buffers
	AppendBatchNotification(ctx context.Context, entry *BatchEntry) error
	BatchNotifications(ctx context.Context, subRI, target string) ([]*BatchEntry, error)
	CountBatchNotifications(ctx context.Context, subRI, target string) (int, error)
	DeleteBatchNotifications(ctx context.Context, subRI, target string) (int64, error)

	// Action records
	UpsertAction(ctx context.Context, rec *ActionRecord) error
	GetAction(ctx context.Context, ri string) (*ActionRecord, error)
	DeleteAction(ctx context.Context, ri string) error
	Actions(ctx context.Context) ([]*ActionRecord, error)

	// Schedule records
	UpsertSchedule(ctx context.Context, rec *ScheduleRecord) error
	DeleteSchedule(ctx context.Context, ri string) error
	ScheduleForParent(ctx context.Context, pi string) (*ScheduleRecord, error)

	// Request history. RecordRequest trims the history to max entries when
	// max is positive.
	RecordRequest(ctx context.Context, rec *RecordedRequest, max int) error
	Requests(ctx context.Context, limit, offset int) ([]*RecordedRequest, error)

	// Statistics singleton
	GetStatistics(ctx context.Context) (*Statistics, error)
	AddStatistics(ctx context.Context, delta Statistics) error

	// Reset wipes every table. Used by the Upper Tester hook.
	Reset(ctx context.Context) error
}
