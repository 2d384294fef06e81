package announcer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
)

// assignedAttr lists attributes the hosting CSE assigns on the mirror, so
// they are never copied from the original. at and aa stay local to keep
// announcement single-hop.
var assignedAttr = map[string]bool{
	"ty": true, "ri": true, "pi": true, "rn": true,
	"ct": true, "lt": true, "st": true,
	"at": true, "aa": true,
}

// announce pushes a <type>Annc create to the CSE named by a bare at entry
// and returns the rewritten entry <cse-id>/<remoteRi>.
func (a *Announcer) announce(ctx context.Context, ev events.Event, entry string) (string, error) {
	cseID := trimID(entry)
	anncType := ev.ResourceType.Announced()
	wire, ok := a.wireKey(anncType)
	if !ok {
		a.metrics.RecordAnnouncement("create", "failure")
		return "", onem2m.ErrNotImplemented(fmt.Sprintf("type %s has no announced variant", ev.ResourceType))
	}

	body := a.announcedSubset(ev.ResourceType, ev.Resource)
	body["lnk"] = "/" + a.cfg.CSEID + "/" + ev.ResourceID
	req := &onem2m.Request{
		Operation:    onem2m.OperationCreate,
		Target:       "/" + cseID,
		Originator:   "/" + a.cfg.CSEID,
		RequestID:    uuid.NewString(),
		ResourceType: anncType,
		Content:      onem2m.Attributes{wire: body},
	}

	rsp, err := a.remote.SendRemote(ctx, cseID, req)
	if err != nil {
		a.metrics.RecordAnnouncement("create", "failure")
		a.logger.WithResourceID(ev.ResourceID).WithTarget(cseID).WithError(err).Warn("announcement push failed")
		return "", err
	}
	if !rsp.RSC.IsSuccess() {
		a.metrics.RecordAnnouncement("create", "failure")
		a.logger.WithResourceID(ev.ResourceID).WithTarget(cseID).WithField("rsc", int(rsp.RSC)).Warn("remote CSE rejected announcement")
		return "", onem2m.Errorf(rsp.RSC, "remote CSE rejected announcement")
	}
	remoteRi := mirrorRI(rsp.Content)
	if remoteRi == "" {
		a.metrics.RecordAnnouncement("create", "failure")
		a.logger.WithResourceID(ev.ResourceID).WithTarget(cseID).Warn("announcement response carries no mirror identifier")
		return "", onem2m.ErrBadRequest("announcement response carries no mirror identifier")
	}
	a.metrics.RecordAnnouncement("create", "success")
	return entry + "/" + remoteRi, nil
}

// pushMirror updates an existing mirror with the recomputed subset.
func (a *Announcer) pushMirror(ctx context.Context, ev events.Event, cseID, remoteRi string) {
	wire, ok := a.wireKey(ev.ResourceType.Announced())
	if !ok {
		return
	}
	req := &onem2m.Request{
		Operation:  onem2m.OperationUpdate,
		Target:     "/" + cseID + "/" + remoteRi,
		Originator: "/" + a.cfg.CSEID,
		RequestID:  uuid.NewString(),
		Content:    onem2m.Attributes{wire: a.announcedSubset(ev.ResourceType, ev.Resource)},
	}
	rsp, err := a.remote.SendRemote(ctx, cseID, req)
	if err != nil || !rsp.RSC.IsSuccess() {
		a.metrics.RecordAnnouncement("update", "failure")
		a.logger.WithResourceID(ev.ResourceID).WithTarget(cseID + "/" + remoteRi).WithError(err).Warn("mirror update failed")
		return
	}
	a.metrics.RecordAnnouncement("update", "success")
}

// deannounce deletes one mirror.
func (a *Announcer) deannounce(ctx context.Context, cseID, remoteRi string) {
	req := &onem2m.Request{
		Operation:  onem2m.OperationDelete,
		Target:     "/" + cseID + "/" + remoteRi,
		Originator: "/" + a.cfg.CSEID,
		RequestID:  uuid.NewString(),
	}
	rsp, err := a.remote.SendRemote(ctx, cseID, req)
	if err != nil || !rsp.RSC.IsSuccess() {
		a.metrics.RecordAnnouncement("delete", "failure")
		a.logger.WithTarget(cseID + "/" + remoteRi).WithError(err).Warn("mirror delete failed")
		return
	}
	a.metrics.RecordAnnouncement("delete", "success")
}

// announcedSubset selects the attributes to mirror: MA dispositions always,
// OA dispositions when named in aa, NA and CSE-assigned attributes never.
func (a *Announcer) announcedSubset(ty onem2m.ResourceType, attrs onem2m.Attributes) onem2m.Attributes {
	tp, ok := a.registry.Snapshot().Type(ty)
	if !ok {
		return onem2m.Attributes{}
	}
	aa, _ := attrs.StrSlice("aa")
	optIn := make(map[string]bool, len(aa))
	for _, sn := range aa {
		optIn[sn] = true
	}

	subset := onem2m.Attributes{}
	for sn, val := range attrs {
		if assignedAttr[sn] || val == nil {
			continue
		}
		p, known := tp.Attributes[sn]
		if !known {
			continue
		}
		switch p.Announced {
		case registry.AnnounceMA:
			subset[sn] = val
		case registry.AnnounceOA:
			if optIn[sn] {
				subset[sn] = val
			}
		}
	}
	return subset
}

func (a *Announcer) wireKey(ty onem2m.ResourceType) (string, bool) {
	tp, ok := a.registry.Snapshot().Type(ty)
	if !ok {
		return "", false
	}
	return "m2m:" + tp.ShortName, true
}

// mirrorRI extracts the created mirror's resource identifier from the
// remote create response.
func mirrorRI(content onem2m.Attributes) string {
	for _, val := range content {
		if inner, ok := val.(onem2m.Attributes); ok {
			if ri, ok := inner.Str("ri"); ok {
				return ri
			}
		}
		if inner, ok := val.(map[string]any); ok {
			if ri, ok := onem2m.Attributes(inner).Str("ri"); ok {
				return ri
			}
		}
	}
	return ""
}
