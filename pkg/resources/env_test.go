package resources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
	"github.com/auriga-m2m/auriga/pkg/scheduler"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// testEnv implements Env against the in-memory store and records the
// platform calls behaviors make.
type testEnv struct {
	store    *storage.MemoryStore
	reg      *registry.Registry
	sched    *scheduler.Scheduler
	bus      *events.Bus
	logger   *telemetry.Logger
	settings Settings
	factory  *Factory

	mu        sync.Mutex
	verified  [][]string
	verifyErr error
	sent      []sentNotification
	deleted   []string
	closedPCH []string
}

type sentNotification struct {
	target string
	body   onem2m.Attributes
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	reg, err := registry.New("", logger)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	env := &testEnv{
		store:  storage.NewMemory(),
		reg:    reg,
		sched:  scheduler.New(logger, nil),
		bus:    events.NewBus(events.Config{BufferSize: 0}, logger),
		logger: logger,
		settings: Settings{
			CSEID:           "auriga-cse",
			CSEName:         "cse-in",
			CSEBaseRI:       "cb1",
			AdminOriginator: "CAdmin",
			ReleaseVersions: []string{"2a", "3", "4"},
		},
	}
	env.factory = NewFactory(env)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.sched.Shutdown(ctx)
		_ = env.bus.Shutdown(ctx)
		_ = reg.Close()
	})
	return env
}

func (e *testEnv) Store() storage.Store            { return e.store }
func (e *testEnv) Registry() *registry.Registry    { return e.reg }
func (e *testEnv) Scheduler() *scheduler.Scheduler { return e.sched }
func (e *testEnv) Events() *events.Bus             { return e.bus }
func (e *testEnv) Logger() *telemetry.Logger       { return e.logger }
func (e *testEnv) Settings() Settings              { return e.settings }

func (e *testEnv) ResolveLocal(ctx context.Context, addr string) (*storage.ResourceDoc, error) {
	if doc, err := e.store.GetResource(ctx, addr); err == nil {
		return doc, nil
	}
	doc, err := e.store.GetResourceByPath(ctx, addr)
	if err != nil {
		return nil, onem2m.ErrNotFound(addr)
	}
	return doc, nil
}

// DeleteInternal mirrors the dispatcher's internal delete closely enough for
// hook tests: the type's Deactivate runs, then the document goes away.
func (e *testEnv) DeleteInternal(ctx context.Context, ri string) error {
	doc, err := e.store.GetResource(ctx, ri)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return onem2m.ErrNotFound(ri)
		}
		return err
	}
	e.mu.Lock()
	e.deleted = append(e.deleted, ri)
	e.mu.Unlock()
	e.factory.Behavior(doc.Type).Deactivate(ctx, FromDoc(doc), e.settings.AdminOriginator)
	return e.store.DeleteResource(ctx, ri)
}

func (e *testEnv) VerifyTargets(ctx context.Context, sub *storage.Subscription, targets []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verified = append(e.verified, targets)
	return e.verifyErr
}

func (e *testEnv) SendNotification(ctx context.Context, target string, body onem2m.Attributes) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, sentNotification{target: target, body: body})
	return nil
}

func (e *testEnv) EvaluateAction(ctx context.Context, ri string) error { return nil }

func (e *testEnv) ClosePollingChannel(ri string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closedPCH = append(e.closedPCH, ri)
}

// seedResource stores a resource directly, bypassing the hooks, for tests
// that need pre-existing tree state.
func seedResource(t *testing.T, env *testEnv, ty onem2m.ResourceType, ri, pi, name string, attrs onem2m.Attributes) *Resource {
	t.Helper()
	r := New(ty, attrs)
	r.SetIdentity(ri, pi, name)
	r.SetPath("cse-in/" + name)
	r.SetCreated(time.Now().UTC())
	if err := env.store.CreateResource(context.Background(), r.ResourceDoc); err != nil {
		t.Fatalf("CreateResource(%s) error = %v", ri, err)
	}
	return r
}

// runCreate walks a resource through the dispatcher's create shape: Prepare,
// persist, Activate.
func runCreate(t *testing.T, env *testEnv, ty onem2m.ResourceType, ri, name string, parent *Resource, attrs onem2m.Attributes, originator string) *Resource {
	t.Helper()
	b := env.factory.Behavior(ty)
	r := New(ty, attrs)
	r.SetIdentity(ri, parent.RI, name)
	r.SetPath(parent.Path + "/" + name)
	r.SetCreated(time.Now().UTC())
	ctx := context.Background()
	if err := b.Prepare(ctx, r, parent, originator); err != nil {
		t.Fatalf("Prepare(%s) error = %v", ri, err)
	}
	if err := env.store.CreateResource(ctx, r.ResourceDoc); err != nil {
		t.Fatalf("CreateResource(%s) error = %v", ri, err)
	}
	if err := b.Activate(ctx, r, parent, originator); err != nil {
		t.Fatalf("Activate(%s) error = %v", ri, err)
	}
	return r
}

func wantRSC(t *testing.T, err error, want onem2m.RSC) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d, got nil", want)
	}
	if got := onem2m.RSCOf(err); got != want {
		t.Fatalf("error status = %d, want %d (%v)", got, want, err)
	}
}
