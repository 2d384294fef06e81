package resources

import (
	"context"
	"time"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
	"github.com/auriga-m2m/auriga/pkg/scheduler"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Settings carries the CSE identity and lifetime defaults behaviors need.
type Settings struct {
	// CSEID is the unstructured CSE identifier, without a leading slash.
	CSEID string

	// CSEName is the CSE base resource name.
	CSEName string

	// CSEBaseRI is the resource identifier of the CSE base.
	CSEBaseRI string

	// AdminOriginator bypasses originator restrictions.
	AdminOriginator string

	// ReleaseVersions are the supported release version indicators.
	ReleaseVersions []string

	// DefaultExpiration applies when a create names no expiration time.
	DefaultExpiration time.Duration

	// MaxExpiration bounds any accepted expiration time.
	MaxExpiration time.Duration
}

// Env is the platform surface behaviors operate against, implemented by
// the CSE service.
type Env interface {
	Store() storage.Store
	Registry() *registry.Registry
	Scheduler() *scheduler.Scheduler
	Events() *events.Bus
	Logger() *telemetry.Logger
	Settings() Settings

	// ResolveLocal resolves a CSE-relative, SP-relative or structured
	// address to a local resource document.
	ResolveLocal(ctx context.Context, addr string) (*storage.ResourceDoc, error)

	// DeleteInternal removes a resource and its descendants through the
	// regular delete pathway (hooks, events, notifications) on behalf of
	// internal bookkeeping such as instance trimming. It does not take the
	// parent lock: callers either hold it already or delete types whose
	// hooks leave the parent untouched.
	DeleteInternal(ctx context.Context, ri string) error

	// VerifyTargets runs the subscription verification handshake against
	// each target. Any rejected or unreachable target yields an error
	// classified as a verification initiation failure.
	VerifyTargets(ctx context.Context, sub *storage.Subscription, targets []string) error

	// SendNotification pushes a one-way notification body to target.
	SendNotification(ctx context.Context, target string, body onem2m.Attributes) error

	// EvaluateAction runs one evaluation round of the action resource ri.
	EvaluateAction(ctx context.Context, ri string) error

	// ClosePollingChannel tears down the request queue of a deleted
	// polling channel, releasing parked pollers.
	ClosePollingChannel(ri string)
}

// Behavior customizes lifecycle handling for one resource type. Hooks run
// under the target's per-identifier lock inside the dispatcher pipeline.
type Behavior interface {
	// Prepare seeds type-specific defaults and enforces cross-attribute
	// create rules. It runs after policy validation and identifier
	// assignment, before the resource is persisted.
	Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error

	// Activate runs create side effects after the resource is persisted:
	// verification handshakes, derived records, scheduled workers, parent
	// bookkeeping. A returned error aborts the create and the dispatcher
	// rolls the stored resource back.
	Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error

	// Update enforces type-specific rules on the merged representation
	// before it is persisted. old is the attribute state before the merge.
	Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error

	// Deactivate releases side effects ahead of deletion. The deletion
	// proceeds regardless of what it encounters.
	Deactivate(ctx context.Context, r *Resource, originator string)

	// WillBeRetrieved runs before a retrieve of the resource is answered.
	WillBeRetrieved(ctx context.Context, r *Resource, originator string) error
}

// base is the no-op behavior shared by types without lifecycle rules.
type base struct{ env Env }

func (base) Prepare(context.Context, *Resource, *Resource, string) error { return nil }

func (base) Activate(context.Context, *Resource, *Resource, string) error { return nil }

func (base) Update(context.Context, *Resource, onem2m.Attributes, string) error { return nil }

func (base) Deactivate(context.Context, *Resource, string) {}

func (base) WillBeRetrieved(context.Context, *Resource, string) error { return nil }

// Factory maps resource type codes to behaviors.
type Factory struct {
	behaviors map[onem2m.ResourceType]Behavior
	fallback  Behavior
}

// NewFactory builds the behavior table against the given platform surface.
func NewFactory(env Env) *Factory {
	b := base{env: env}
	series := newTimeSeriesBehavior(b)
	return &Factory{
		fallback: b,
		behaviors: map[onem2m.ResourceType]Behavior{
			onem2m.ResourceTypeAE:                 &aeBehavior{base: b},
			onem2m.ResourceTypeContainer:          &containerBehavior{base: b},
			onem2m.ResourceTypeContentInstance:    &contentInstanceBehavior{base: b},
			onem2m.ResourceTypeTimeSeries:         series,
			onem2m.ResourceTypeTimeSeriesInstance: &timeSeriesInstanceBehavior{base: b, series: series},
			onem2m.ResourceTypeSubscription:       &subscriptionBehavior{base: b},
			onem2m.ResourceTypeCrossResourceSub:   &crossResourceBehavior{base: b},
			onem2m.ResourceTypeGroup:              &groupBehavior{base: b},
			onem2m.ResourceTypeAction:             &actionBehavior{base: b},
			onem2m.ResourceTypeDependency:         &dependencyBehavior{base: b},
			onem2m.ResourceTypeSchedule:           &scheduleBehavior{base: b},
			onem2m.ResourceTypeTimeSyncBeacon:     &beaconBehavior{base: b},
			onem2m.ResourceTypeRemoteCSE:          &remoteCSEBehavior{base: b},
			onem2m.ResourceTypePollingChannel:     &pollingChannelBehavior{base: b},
		},
	}
}

// Behavior returns the behavior for ty.
func (f *Factory) Behavior(ty onem2m.ResourceType) Behavior {
	if b, ok := f.behaviors[ty]; ok {
		return b
	}
	return f.fallback
}
