package cse

import (
	"context"
	"errors"
	"time"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// sweepBatch bounds how many expired subtrees one sweep round removes.
const sweepBatch = 128

func (s *Service) startBackgroundTasks() {
	s.sched.RunPeriodic("expiry-sweep", s.cfg.ExpirySweepInterval, time.Time{}, s.sweepExpired)
	s.sched.RunPeriodic("resource-gauges", time.Minute, time.Time{}, s.updateGauges)
}

// sweepExpired removes resources whose expiration time has passed. Each
// removal runs the regular delete pathway, so deactivation hooks fire and
// subscribers hear about the disappearance.
func (s *Service) sweepExpired(ctx context.Context) error {
	docs, err := s.store.ExpiredResources(ctx, onem2m.Now(), sweepBatch)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := s.expire(ctx, doc.RI); err != nil {
			s.logger.WithError(err).WithResourceID(doc.RI).Warn("expired resource not removed")
			continue
		}
		s.metrics.RecordResourceExpired(doc.Type.String())
		s.logger.WithResourceID(doc.RI).WithField("type", doc.Type.String()).Debug("resource expired")
	}
	return nil
}

// expire deletes one expired subtree under its lock, re-checking the
// lifetime first: an update may have extended it since the sweep query.
func (s *Service) expire(ctx context.Context, ri string) error {
	unlock := s.locks.lock(ri)
	defer unlock()
	doc, err := s.store.GetResource(ctx, ri)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Expiration == "" || doc.Expiration > onem2m.Now() {
		return nil
	}
	return s.deleteTree(ctx, doc, s.cfg.AdminOriginator, "", events.TypeExpired)
}

// updateGauges refreshes the per-type resource count metrics.
func (s *Service) updateGauges(ctx context.Context) error {
	counts, err := s.store.CountsByType(ctx)
	if err != nil {
		return err
	}
	for ty, n := range counts {
		s.metrics.SetResourceCount(ty.String(), float64(n))
	}
	return nil
}
