package cse

import (
	"context"
	"errors"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// Reset returns the CSE to its boot state. Every resource under the base is
// removed through the regular delete pathway first, so deactivation hooks
// cancel their timers and parked pollers are released, then the store is
// wiped and the base recreated.
func (s *Service) Reset(ctx context.Context) error {
	base, err := s.store.GetResource(ctx, s.cfg.CSEBaseRI)
	switch {
	case err == nil:
		children, cerr := s.store.Children(ctx, base.RI)
		if cerr != nil {
			return onem2m.ErrInternal("loading children", cerr)
		}
		for _, child := range children {
			if derr := s.DeleteInternal(ctx, child.RI); derr != nil && !onem2m.IsNotFound(derr) {
				return derr
			}
		}
	case !errors.Is(err, storage.ErrNotFound):
		return onem2m.ErrInternal("loading CSE base", err)
	}
	if err := s.store.Reset(ctx); err != nil {
		return onem2m.ErrInternal("resetting store", err)
	}
	s.logger.Info("CSE reset")
	return s.Init(ctx)
}

// Status reports the CSE identity, per-type resource counts and the
// lifetime statistics counters.
func (s *Service) Status(ctx context.Context) (onem2m.Attributes, error) {
	stats, err := s.store.GetStatistics(ctx)
	if err != nil {
		return nil, onem2m.ErrInternal("loading statistics", err)
	}
	counts, err := s.store.CountsByType(ctx)
	if err != nil {
		return nil, onem2m.ErrInternal("counting resources", err)
	}
	var total int64
	byType := onem2m.Attributes{}
	for ty, n := range counts {
		total += n
		byType[ty.String()] = n
	}
	return onem2m.Attributes{
		"cseID":     "/" + s.cfg.CSEID,
		"cseName":   s.cfg.CSEName,
		"cseType":   s.cfg.CSEType,
		"srv":       toAnySlice(s.cfg.ReleaseVersions),
		"resources": total,
		"counts":    byType,
		"statistics": onem2m.Attributes{
			"created":       stats.Created,
			"updated":       stats.Updated,
			"deleted":       stats.Deleted,
			"expired":       stats.Expired,
			"notifications": stats.Notifications,
		},
	}, nil
}

// ShortenExpiration rewrites a resource's expiration time to now plus d and
// returns the new value. With d <= 0 an expiry sweep runs before returning,
// so callers observe the removal without waiting for the next interval.
func (s *Service) ShortenExpiration(ctx context.Context, target string, d time.Duration) (string, error) {
	doc, err := s.ResolveLocal(ctx, target)
	if err != nil {
		return "", err
	}
	if doc.RI == s.cfg.CSEBaseRI {
		return "", onem2m.ErrOperationNotAllowed("the CSE base does not expire")
	}
	et := onem2m.FormatTime(time.Now().UTC().Add(d))
	if err := s.rewriteExpiration(ctx, doc.RI, et); err != nil {
		return "", err
	}
	if d <= 0 {
		if err := s.sweepExpired(ctx); err != nil {
			return "", err
		}
	}
	return et, nil
}

func (s *Service) rewriteExpiration(ctx context.Context, ri, et string) error {
	unlock := s.locks.lock(ri)
	defer unlock()
	doc, err := s.store.GetResource(ctx, ri)
	if errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrNotFound(ri)
	}
	if err != nil {
		return onem2m.ErrInternal("loading resource", err)
	}
	doc.Attributes["et"] = et
	doc.Expiration = et
	if err := s.store.UpdateResource(ctx, doc); err != nil {
		return onem2m.ErrInternal("updating expiration", err)
	}
	return nil
}
