package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// MemoryStore implements the Store interface in process memory. It backs
// tests and ephemeral deployments; semantics match the SQLite backend,
// including creation-order child listings.
type MemoryStore struct {
	mu sync.RWMutex

	resources map[string]*ResourceDoc
	byPath    map[string]string   // srn -> ri
	children  map[string][]string // pi -> child ris in creation order

	subscriptions map[string]*Subscription
	batches       []*BatchEntry
	nextBatchID   int64
	actions       map[string]*ActionRecord
	schedules     map[string]*ScheduleRecord
	requests      []*RecordedRequest
	nextRequestID int64
	stats         Statistics
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.resources = make(map[string]*ResourceDoc)
	s.byPath = make(map[string]string)
	s.children = make(map[string][]string)
	s.subscriptions = make(map[string]*Subscription)
	s.batches = nil
	s.actions = make(map[string]*ActionRecord)
	s.schedules = make(map[string]*ScheduleRecord)
	s.requests = nil
	s.stats = Statistics{}
}

// Init is a no-op for the memory backend.
func (s *MemoryStore) Init(context.Context) error { return nil }

// Migrate is a no-op for the memory backend.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the memory backend.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// CreateResource persists a resource and its index entries atomically under
// the store lock.
func (s *MemoryStore) CreateResource(_ context.Context, doc *ResourceDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[doc.RI]; ok {
		return fmt.Errorf("resource %s: %w", doc.RI, ErrDuplicate)
	}
	if _, ok := s.byPath[doc.Path]; ok {
		return fmt.Errorf("resource %s: %w", doc.Path, ErrDuplicate)
	}
	for _, ri := range s.children[doc.PI] {
		if s.resources[ri].Name == doc.Name {
			return fmt.Errorf("resource %s: %w", doc.Name, ErrDuplicate)
		}
	}

	s.resources[doc.RI] = doc.Clone()
	s.byPath[doc.Path] = doc.RI
	s.children[doc.PI] = append(s.children[doc.PI], doc.RI)
	return nil
}

// GetResource retrieves a resource by its unstructured identifier.
func (s *MemoryStore) GetResource(_ context.Context, ri string) (*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.resources[ri]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", ri, ErrNotFound)
	}
	return doc.Clone(), nil
}

// GetResourceByPath retrieves a resource by its structured name.
func (s *MemoryStore) GetResourceByPath(_ context.Context, srn string) (*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ri, ok := s.byPath[srn]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", srn, ErrNotFound)
	}
	return s.resources[ri].Clone(), nil
}

// UpdateResource rewrites a resource document.
func (s *MemoryStore) UpdateResource(_ context.Context, doc *ResourceDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[doc.RI]; !ok {
		return fmt.Errorf("resource %s: %w", doc.RI, ErrNotFound)
	}
	s.resources[doc.RI] = doc.Clone()
	return nil
}

// DeleteResource deletes a resource and its index entries.
func (s *MemoryStore) DeleteResource(_ context.Context, ri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.resources[ri]
	if !ok {
		return fmt.Errorf("resource %s: %w", ri, ErrNotFound)
	}

	delete(s.resources, ri)
	delete(s.byPath, doc.Path)
	siblings := s.children[doc.PI]
	for i, id := range siblings {
		if id == ri {
			s.children[doc.PI] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(s.children[doc.PI]) == 0 {
		delete(s.children, doc.PI)
	}
	delete(s.children, ri)
	return nil
}

// Children lists the direct children of a resource in creation order.
func (s *MemoryStore) Children(_ context.Context, pi string) ([]*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := []*ResourceDoc{}
	for _, ri := range s.children[pi] {
		docs = append(docs, s.resources[ri].Clone())
	}
	return docs, nil
}

// ChildByName retrieves the child of pi named rn.
func (s *MemoryStore) ChildByName(_ context.Context, pi, rn string) (*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ri := range s.children[pi] {
		if doc := s.resources[ri]; doc.Name == rn {
			return doc.Clone(), nil
		}
	}
	return nil, fmt.Errorf("child %s of %s: %w", rn, pi, ErrNotFound)
}

// ChildrenOfType lists the direct children of pi with the given type in
// creation order.
func (s *MemoryStore) ChildrenOfType(_ context.Context, pi string, ty onem2m.ResourceType) ([]*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := []*ResourceDoc{}
	for _, ri := range s.children[pi] {
		if doc := s.resources[ri]; doc.Type == ty {
			docs = append(docs, doc.Clone())
		}
	}
	return docs, nil
}

// CountChildrenOfType counts the direct children of pi with the given type.
func (s *MemoryStore) CountChildrenOfType(_ context.Context, pi string, ty onem2m.ResourceType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ri := range s.children[pi] {
		if s.resources[ri].Type == ty {
			count++
		}
	}
	return count, nil
}

// OldestChildOfType returns the first-created child of pi with the given
// type, or ErrNotFound when there is none.
func (s *MemoryStore) OldestChildOfType(_ context.Context, pi string, ty onem2m.ResourceType) (*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ri := range s.children[pi] {
		if doc := s.resources[ri]; doc.Type == ty {
			return doc.Clone(), nil
		}
	}
	return nil, fmt.Errorf("no %s child of %s: %w", ty, pi, ErrNotFound)
}

// LatestChildOfType returns the last-created child of pi with the given
// type, or ErrNotFound when there is none.
func (s *MemoryStore) LatestChildOfType(_ context.Context, pi string, ty onem2m.ResourceType) (*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.children[pi]
	for i := len(ids) - 1; i >= 0; i-- {
		if doc := s.resources[ids[i]]; doc.Type == ty {
			return doc.Clone(), nil
		}
	}
	return nil, fmt.Errorf("no %s child of %s: %w", ty, pi, ErrNotFound)
}

// ResourcesOfType lists every resource of the given type.
func (s *MemoryStore) ResourcesOfType(_ context.Context, ty onem2m.ResourceType) ([]*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := []*ResourceDoc{}
	for _, doc := range s.resources {
		if doc.Type == ty {
			docs = append(docs, doc.Clone())
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].RI < docs[j].RI })
	return docs, nil
}

// ExpiredResources lists resources whose expirationTime lies at or before
// now, oldest first.
func (s *MemoryStore) ExpiredResources(_ context.Context, now string, limit int) ([]*ResourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := []*ResourceDoc{}
	for _, doc := range s.resources {
		if doc.Expiration != "" && doc.Expiration <= now {
			docs = append(docs, doc.Clone())
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Expiration < docs[j].Expiration })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// CountsByType returns the number of live resources per type.
func (s *MemoryStore) CountsByType(_ context.Context) (map[onem2m.ResourceType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[onem2m.ResourceType]int64)
	for _, doc := range s.resources {
		counts[doc.Type]++
	}
	return counts, nil
}

// UpsertSubscription inserts or replaces a subscription record.
func (s *MemoryStore) UpsertSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *sub
	s.subscriptions[sub.RI] = &c
	return nil
}

// GetSubscription retrieves a subscription record by ri.
func (s *MemoryStore) GetSubscription(_ context.Context, ri string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[ri]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", ri, ErrNotFound)
	}
	c := *sub
	return &c, nil
}

// DeleteSubscription deletes a subscription record. Absent records are
// ignored.
func (s *MemoryStore) DeleteSubscription(_ context.Context, ri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscriptions, ri)
	return nil
}

// SubscriptionsFor lists the subscription records monitoring pi.
func (s *MemoryStore) SubscriptionsFor(_ context.Context, pi string) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := []*Subscription{}
	for _, sub := range s.subscriptions {
		if sub.PI == pi {
			c := *sub
			subs = append(subs, &c)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].RI < subs[j].RI })
	return subs, nil
}

// AppendBatchNotification buffers one notification for a later batch flush.
func (s *MemoryStore) AppendBatchNotification(_ context.Context, entry *BatchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextBatchID++
	entry.ID = s.nextBatchID
	c := *entry
	c.Notification = entry.Notification.Clone()
	s.batches = append(s.batches, &c)
	return nil
}

// BatchNotifications lists the buffered notifications for a subscription
// and target, oldest first.
func (s *MemoryStore) BatchNotifications(_ context.Context, subRI, target string) ([]*BatchEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := []*BatchEntry{}
	for _, entry := range s.batches {
		if entry.SubscriptionRI == subRI && entry.Target == target {
			c := *entry
			c.Notification = entry.Notification.Clone()
			entries = append(entries, &c)
		}
	}
	return entries, nil
}

// CountBatchNotifications counts the buffered notifications for a
// subscription and target.
func (s *MemoryStore) CountBatchNotifications(_ context.Context, subRI, target string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entry := range s.batches {
		if entry.SubscriptionRI == subRI && entry.Target == target {
			count++
		}
	}
	return count, nil
}

// DeleteBatchNotifications drops the buffer for a subscription. An empty
// target drops the buffers for every target of the subscription.
func (s *MemoryStore) DeleteBatchNotifications(_ context.Context, subRI, target string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.batches[:0]
	var dropped int64
	for _, entry := range s.batches {
		if entry.SubscriptionRI == subRI && (target == "" || entry.Target == target) {
			dropped++
			continue
		}
		kept = append(kept, entry)
	}
	s.batches = kept
	return dropped, nil
}

// UpsertAction inserts or replaces an action record.
func (s *MemoryStore) UpsertAction(_ context.Context, rec *ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.actions[rec.RI] = &c
	return nil
}

// GetAction retrieves an action record by ri.
func (s *MemoryStore) GetAction(_ context.Context, ri string) (*ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.actions[ri]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", ri, ErrNotFound)
	}
	c := *rec
	return &c, nil
}

// DeleteAction deletes an action record. Absent records are ignored.
func (s *MemoryStore) DeleteAction(_ context.Context, ri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.actions, ri)
	return nil
}

// Actions lists every action record.
func (s *MemoryStore) Actions(_ context.Context) ([]*ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := []*ActionRecord{}
	for _, rec := range s.actions {
		c := *rec
		recs = append(recs, &c)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].RI < recs[j].RI })
	return recs, nil
}

// UpsertSchedule inserts or replaces a schedule record.
func (s *MemoryStore) UpsertSchedule(_ context.Context, rec *ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.schedules[rec.RI] = &c
	return nil
}

// DeleteSchedule deletes a schedule record. Absent records are ignored.
func (s *MemoryStore) DeleteSchedule(_ context.Context, ri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schedules, ri)
	return nil
}

// ScheduleForParent retrieves the schedule record attached under pi.
func (s *MemoryStore) ScheduleForParent(_ context.Context, pi string) (*ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.schedules {
		if rec.PI == pi {
			c := *rec
			return &c, nil
		}
	}
	return nil, fmt.Errorf("schedule under %s: %w", pi, ErrNotFound)
}

// RecordRequest appends a request history entry and trims the history to
// max entries when max is positive.
func (s *MemoryStore) RecordRequest(_ context.Context, rec *RecordedRequest, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRequestID++
	rec.ID = s.nextRequestID
	c := *rec
	s.requests = append(s.requests, &c)
	if max > 0 && len(s.requests) > max {
		s.requests = s.requests[len(s.requests)-max:]
	}
	return nil
}

// Requests lists recorded requests, newest first.
func (s *MemoryStore) Requests(_ context.Context, limit, offset int) ([]*RecordedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := []*RecordedRequest{}
	for i := len(s.requests) - 1 - offset; i >= 0 && len(recs) < limit; i-- {
		c := *s.requests[i]
		recs = append(recs, &c)
	}
	return recs, nil
}

// GetStatistics retrieves the statistics singleton.
func (s *MemoryStore) GetStatistics(context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.stats
	return &c, nil
}

// AddStatistics adds the delta to the statistics singleton.
func (s *MemoryStore) AddStatistics(_ context.Context, delta Statistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Created += delta.Created
	s.stats.Updated += delta.Updated
	s.stats.Deleted += delta.Deleted
	s.stats.Expired += delta.Expired
	s.stats.Notifications += delta.Notifications
	return nil
}

// Reset wipes every table.
func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	return nil
}
