package notifier

import (
	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// reference renders the SP-relative reference used in sur.
func (n *Notifier) reference(ri string) string {
	return "/" + n.cfg.CSEID + "/" + ri
}

// buildNotification assembles the m2m:sgn envelope for one event.
func (n *Notifier) buildNotification(sub *storage.Subscription, ev events.Event, net onem2m.NotificationEventType) onem2m.Attributes {
	sgn := onem2m.Attributes{
		"sur": n.reference(sub.RI),
		"nev": onem2m.Attributes{
			"net": int64(net),
			"rep": n.representation(sub, ev),
		},
	}
	if sub.Originator != "" {
		sgn["cr"] = sub.Originator
	}
	return onem2m.Attributes{"m2m:sgn": sgn}
}

// representation renders nev/rep per the notificationContentType.
func (n *Notifier) representation(sub *storage.Subscription, ev events.Event) onem2m.Attributes {
	switch sub.ContentType {
	case onem2m.ContentModifiedAttributes:
		return onem2m.Attributes{n.typeKey(ev.ResourceType): modifiedSubset(ev)}
	case onem2m.ContentResourceID:
		return onem2m.Attributes{"m2m:uri": ev.ResourceID}
	case onem2m.ContentTimeSeriesNotify:
		mdlt, _ := ev.Resource.StrSlice("mdlt")
		return onem2m.Attributes{"m2m:tsn": onem2m.Attributes{
			"mdlt": mdlt,
			"mdc":  ev.Resource.IntOr("mdc", int64(len(mdlt))),
		}}
	default:
		return onem2m.Attributes{n.typeKey(ev.ResourceType): ev.Resource.Clone()}
	}
}

// typeKey is the namespaced short-name key a representation is wrapped in,
// e.g. "m2m:cin".
func (n *Notifier) typeKey(ty onem2m.ResourceType) string {
	if tp, ok := n.registry.Snapshot().Type(ty); ok {
		return "m2m:" + tp.ShortName
	}
	return "m2m:resource"
}

// modifiedSubset is the attribute subset an update changed.
func modifiedSubset(ev events.Event) onem2m.Attributes {
	if ev.Old == nil {
		return ev.Resource.Clone()
	}
	out := onem2m.Attributes{}
	for _, k := range changedKeys(ev) {
		if v, ok := ev.Resource[k]; ok {
			out[k] = v
		}
	}
	return out
}
