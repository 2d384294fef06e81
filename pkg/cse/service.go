package cse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/auriga-m2m/auriga/pkg/announcer"
	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/groups"
	"github.com/auriga-m2m/auriga/pkg/notifier"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
	"github.com/auriga-m2m/auriga/pkg/resources"
	"github.com/auriga-m2m/auriga/pkg/scheduler"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
	"github.com/auriga-m2m/auriga/pkg/validation"
)

// Transport is the outbound side of the protocol bindings. The dispatcher
// uses it to push notification bodies to absolute URIs and to carry full
// request primitives to the points of access of remote CSEs.
type Transport interface {
	SendNotification(ctx context.Context, uri string, body onem2m.Attributes) (onem2m.RSC, error)
	SendRequest(ctx context.Context, poa string, req *onem2m.Request) (*onem2m.Response, error)
}

// Config carries the identity and the operational settings of the CSE.
type Config struct {
	CSEID           string
	CSEName         string
	CSEBaseRI       string
	SPID            string
	CSEType         string
	PointOfAccess   []string
	AdminOriginator string
	ReleaseVersions []string

	// RegistrationAllowed opens AE and remote CSE registration to
	// originators that are not known yet.
	RegistrationAllowed bool

	DefaultExpiration        time.Duration
	MaxExpiration            time.Duration
	DefaultRequestExpiration time.Duration
	PollingTimeout           time.Duration
	VerificationTimeout      time.Duration
	DeliveryTimeout          time.Duration
	AnnounceTimeout          time.Duration
	ExpirySweepInterval      time.Duration
	FanoutParallel           int

	RequestRecording    bool
	MaxRecordedRequests int
}

func (c *Config) withDefaults() {
	if c.CSEBaseRI == "" {
		c.CSEBaseRI = c.CSEID
	}
	if c.CSEName == "" {
		c.CSEName = c.CSEID
	}
	if c.AdminOriginator == "" {
		c.AdminOriginator = "CAdmin"
	}
	if len(c.ReleaseVersions) == 0 {
		c.ReleaseVersions = []string{"2a", "3", "4"}
	}
	if c.DefaultRequestExpiration <= 0 {
		c.DefaultRequestExpiration = 10 * time.Second
	}
	if c.PollingTimeout <= 0 {
		c.PollingTimeout = 30 * time.Second
	}
	if c.ExpirySweepInterval <= 0 {
		c.ExpirySweepInterval = 10 * time.Second
	}
	if c.MaxRecordedRequests <= 0 {
		c.MaxRecordedRequests = 250
	}
}

// Service is the CSE dispatcher. It implements resources.Env for the type
// hooks, notifier.Sender and notifier.Deleter for the notification service,
// groups.Dispatcher for fan-out members and announcer.Remote for pushed
// announcements.
type Service struct {
	cfg       Config
	store     storage.Store
	registry  *registry.Registry
	validator *validation.Validator
	sched     *scheduler.Scheduler
	bus       *events.Bus
	transport Transport
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer

	factory   *resources.Factory
	notifier  *notifier.Notifier
	fanout    *groups.Fanout
	announcer *announcer.Announcer
	settings  resources.Settings

	locks   lockTable
	polling *pollingTable

	// depSeen remembers dependencies whose criterion held at least once,
	// the state behind sfc=false evaluation. It does not survive restarts.
	depMu   sync.Mutex
	depSeen map[string]bool
}

// New assembles the dispatcher and its service layers. The caller owns the
// lifecycle of the store, the registry, the scheduler and the event bus.
func New(cfg Config, store storage.Store, reg *registry.Registry, sched *scheduler.Scheduler, bus *events.Bus, transport Transport, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Service {
	cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		validator: validation.New(reg),
		sched:     sched,
		bus:       bus,
		transport: transport,
		logger:    logger.NewComponentLogger("cse"),
		metrics:   metrics,
		tracer:    tracer,
		polling:   newPollingTable(),
		depSeen:   make(map[string]bool),
		settings: resources.Settings{
			CSEID:             cfg.CSEID,
			CSEName:           cfg.CSEName,
			CSEBaseRI:         cfg.CSEBaseRI,
			AdminOriginator:   cfg.AdminOriginator,
			ReleaseVersions:   cfg.ReleaseVersions,
			DefaultExpiration: cfg.DefaultExpiration,
			MaxExpiration:     cfg.MaxExpiration,
		},
	}
	s.factory = resources.NewFactory(s)
	s.notifier = notifier.New(notifier.Config{
		CSEID:               cfg.CSEID,
		VerificationTimeout: cfg.VerificationTimeout,
		DeliveryTimeout:     cfg.DeliveryTimeout,
	}, store, reg, sched, s, logger, metrics)
	s.notifier.BindDeleter(s)
	s.fanout = groups.New(store, s, logger, metrics, cfg.FanoutParallel)
	s.announcer = announcer.New(announcer.Config{
		CSEID:       cfg.CSEID,
		PushTimeout: cfg.AnnounceTimeout,
	}, store, reg, s, logger, metrics)
	return s
}

// Init creates the CSE base when the store does not hold one yet.
func (s *Service) Init(ctx context.Context) error {
	_, err := s.store.GetResource(ctx, s.cfg.CSEBaseRI)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading CSE base: %w", err)
	}

	attrs := onem2m.Attributes{
		"csi": "/" + s.cfg.CSEID,
		"cst": int64(cseTypeCode(s.cfg.CSEType)),
		"srv": toAnySlice(s.cfg.ReleaseVersions),
		"srt": s.supportedTypes(),
	}
	if len(s.cfg.PointOfAccess) > 0 {
		attrs["poa"] = toAnySlice(s.cfg.PointOfAccess)
	}
	r := resources.New(onem2m.ResourceTypeCSEBase, attrs)
	r.SetIdentity(s.cfg.CSEBaseRI, "", s.cfg.CSEName)
	r.SetPath(s.cfg.CSEName)
	r.SetCreated(time.Now().UTC())
	if err := s.store.CreateResource(ctx, r.ResourceDoc); err != nil {
		return fmt.Errorf("creating CSE base: %w", err)
	}
	s.logger.WithResourceID(r.RI).WithField("csi", "/"+s.cfg.CSEID).Info("CSE base created")
	return nil
}

// Start wires the event-driven services, restores persisted timers and
// schedules the background tasks. Init must have run.
func (s *Service) Start(ctx context.Context) error {
	s.notifier.Start(s.bus)
	s.announcer.Start(s.bus)
	if err := s.notifier.Restore(ctx); err != nil {
		return fmt.Errorf("restoring subscriptions: %w", err)
	}
	if err := s.restoreActions(ctx); err != nil {
		return fmt.Errorf("restoring actions: %w", err)
	}
	s.startBackgroundTasks()
	return nil
}

// Shutdown releases every parked poller. The scheduler and the bus are shut
// down by their owner.
func (s *Service) Shutdown(ctx context.Context) error {
	s.polling.shutdown()
	return nil
}

// Store implements resources.Env.
func (s *Service) Store() storage.Store { return s.store }

// Registry implements resources.Env.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Scheduler implements resources.Env.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

// Events implements resources.Env.
func (s *Service) Events() *events.Bus { return s.bus }

// Logger implements resources.Env.
func (s *Service) Logger() *telemetry.Logger { return s.logger }

// Settings implements resources.Env.
func (s *Service) Settings() resources.Settings { return s.settings }

// ResolveLocal resolves a CSE-relative or SP-relative address to a stored
// resource. Addresses of other CSEs miss here.
func (s *Service) ResolveLocal(ctx context.Context, addr string) (*storage.ResourceDoc, error) {
	a, err := onem2m.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if a.CSEID != "" && a.CSEID != s.cfg.CSEID {
		return nil, onem2m.ErrNotFound(addr)
	}
	path := a.Path
	if path == "" {
		path = s.cfg.CSEBaseRI
	}
	return s.resolvePath(ctx, path)
}

// resolvePath looks a local identifier up, unstructured first. The "-"
// shortcut stands in for the CSE base name.
func (s *Service) resolvePath(ctx context.Context, path string) (*storage.ResourceDoc, error) {
	if path == "-" {
		path = s.cfg.CSEName
	} else if rest, ok := strings.CutPrefix(path, "-/"); ok {
		path = s.cfg.CSEName + "/" + rest
	}
	if !onem2m.IsStructured(path) {
		doc, err := s.store.GetResource(ctx, path)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, onem2m.ErrInternal("resource lookup failed", err)
		}
	}
	doc, err := s.store.GetResourceByPath(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, onem2m.ErrNotFound(path)
	}
	if err != nil {
		return nil, onem2m.ErrInternal("resource lookup failed", err)
	}
	return doc, nil
}

// DeleteInternal removes a resource and its subtree on behalf of the CSE.
// It does not take the parent lock: callers either hold it already or
// delete types whose hooks leave the parent untouched.
func (s *Service) DeleteInternal(ctx context.Context, ri string) error {
	unlock := s.locks.lock(ri)
	defer unlock()
	doc, err := s.store.GetResource(ctx, ri)
	if errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrNotFound(ri)
	}
	if err != nil {
		return onem2m.ErrInternal("loading resource", err)
	}
	return s.deleteTree(ctx, doc, s.cfg.AdminOriginator, "", events.TypeDeleted)
}

// VerifyTargets implements resources.Env by delegating to the notifier.
func (s *Service) VerifyTargets(ctx context.Context, sub *storage.Subscription, targets []string) error {
	return s.notifier.VerifyTargets(ctx, sub, targets)
}

// SendNotification implements resources.Env.
func (s *Service) SendNotification(ctx context.Context, target string, body onem2m.Attributes) error {
	rsc, err := s.Send(ctx, target, body)
	if err != nil {
		return err
	}
	if !rsc.IsSuccess() {
		return onem2m.Errorf(rsc, "notification to %s rejected", target)
	}
	return nil
}

// ClosePollingChannel implements resources.Env.
func (s *Service) ClosePollingChannel(ri string) {
	s.polling.close(ri)
}

// deleteTree removes doc and its descendants depth first, running the
// deactivation hooks and publishing one change event per resource. evType
// selects between an originator-driven delete and an expiry.
func (s *Service) deleteTree(ctx context.Context, doc *storage.ResourceDoc, originator, requestID string, evType events.Type) error {
	children, err := s.store.Children(ctx, doc.RI)
	if err != nil {
		return onem2m.ErrInternal("loading children", err)
	}
	for _, child := range children {
		// Hooks of earlier siblings may have removed it already.
		fresh, err := s.store.GetResource(ctx, child.RI)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return onem2m.ErrInternal("loading child", err)
		}
		if err := s.deleteTree(ctx, fresh, originator, requestID, evType); err != nil {
			return err
		}
	}
	s.factory.Behavior(doc.Type).Deactivate(ctx, resources.FromDoc(doc), originator)
	if err := s.store.DeleteResource(ctx, doc.RI); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrInternal("deleting resource", err)
	}
	if evType == events.TypeExpired {
		s.addStats(ctx, storage.Statistics{Expired: 1})
	} else {
		s.addStats(ctx, storage.Statistics{Deleted: 1})
	}
	s.publishChange(evType, requestID, originator, doc, nil)
	return nil
}

// publishChange puts one committed resource change on the bus. The stored
// flexContainer envelope marker never leaves the dispatcher.
func (s *Service) publishChange(evType events.Type, requestID, originator string, doc *storage.ResourceDoc, old onem2m.Attributes) {
	rep := doc.Attributes.Clone()
	delete(rep, "__wk")
	if old != nil {
		old = old.Clone()
		delete(old, "__wk")
	}
	ev := events.Event{
		Type:         evType,
		RequestID:    requestID,
		Originator:   originator,
		ResourceID:   doc.RI,
		ResourceType: doc.Type,
		Path:         doc.Path,
		ParentID:     doc.PI,
		Resource:     rep,
		Old:          old,
	}
	if err := s.bus.Publish(ev); err != nil {
		s.logger.WithError(err).WithResourceID(doc.RI).Warn("change event dropped")
	}
}

func (s *Service) addStats(ctx context.Context, delta storage.Statistics) {
	if err := s.store.AddStatistics(context.WithoutCancel(ctx), delta); err != nil {
		s.logger.WithError(err).Warn("statistics update failed")
	}
}

// supportedTypes lists the creatable resource type codes for the srt
// attribute of the CSE base.
func (s *Service) supportedTypes() []any {
	var out []any
	for _, tp := range s.registry.Snapshot().Types() {
		if tp.Type.IsAnnounced() || tp.Type.IsVirtual() {
			continue
		}
		out = append(out, int64(tp.Type))
	}
	return out
}

func cseTypeCode(cst string) int {
	switch cst {
	case "MN":
		return 2
	case "ASN":
		return 3
	default:
		return 1
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
