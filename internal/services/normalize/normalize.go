// Package normalize translates carrier status vocabularies into canonical
// status codes and builds push events from raw carrier events.
package normalize

import (
	"strings"

	"github.com/BearBump/TrailBox/internal/models"
)

// Result of normalizing a single event. Code is set whenever a rule matched;
// Emit is true only when the event is eligible for the canonical timeline.
type Result struct {
	Code  string
	Event models.PushEvent
	Emit  bool
}

// MatchHeadhaul selects the canonical code for a head-haul event.
// Description rules win over status rules: carriers reuse short status codes
// across different events, while the free text is specific. Description
// matching is by substring because carriers append text to it.
func MatchHeadhaul(rules []models.StatusRule, rawStatus, rawDescription string) (string, bool) {
	desc := strings.TrimSpace(rawDescription)
	if desc != "" {
		for _, r := range rules {
			d := strings.TrimSpace(r.SupplierDescription)
			if d != "" && strings.Contains(desc, d) {
				return r.SystemStatusCode, true
			}
		}
	}

	status := strings.TrimSpace(rawStatus)
	if status == "" {
		return "", false
	}
	for _, r := range rules {
		if strings.TrimSpace(r.SupplierStatus) == status {
			return r.SystemStatusCode, true
		}
	}
	return "", false
}

// MatchLastmile selects the canonical code for a last-mile event. Mappings
// with a description are tried first (exact description, and sub status when
// the mapping sets one); mappings without description match on sub status.
func MatchLastmile(mappings []models.LastmileStatusMapping, description, subStatus string) (string, bool) {
	desc := strings.TrimSpace(description)
	sub := strings.TrimSpace(subStatus)

	if desc != "" {
		for _, m := range mappings {
			md := strings.TrimSpace(m.Description)
			if md == "" || md != desc {
				continue
			}
			if ms := strings.TrimSpace(m.SubStatus); ms != "" && ms != sub {
				continue
			}
			return m.SystemStatusCode, true
		}
	}

	if sub == "" {
		return "", false
	}
	for _, m := range mappings {
		if strings.TrimSpace(m.Description) == "" && strings.TrimSpace(m.SubStatus) == sub {
			return m.SystemStatusCode, true
		}
	}
	return "", false
}

func Headhaul(orderNo string, raw models.RawEvent, rules []models.StatusRule, nodes models.NodeSet) Result {
	code, ok := MatchHeadhaul(rules, raw.Status, raw.Description)
	if !ok {
		return Result{}
	}
	return build(orderNo, code, raw, nodes, models.SourceHeadhaul)
}

func Lastmile(orderNo string, raw models.RawEvent, mappings []models.LastmileStatusMapping, nodes models.NodeSet) Result {
	code, ok := MatchLastmile(mappings, raw.Description, raw.SubStatus)
	if !ok {
		return Result{}
	}
	return build(orderNo, code, raw, nodes, models.SourceLastmile)
}

func build(orderNo, code string, raw models.RawEvent, nodes models.NodeSet, source string) Result {
	res := Result{Code: code}
	node, ok := nodes.Lookup(code)
	if !ok || raw.Time.IsZero() {
		// код вне справочника или событие без времени в ленту не попадают
		return res
	}
	res.Event = models.PushEvent{
		OrderNo:      orderNo,
		TrackingTime: models.NormalizeTrackingTime(raw.Time),
		StatusCode:   code,
		Description:  strings.TrimSpace(raw.Description),
		City:         raw.City.Or(node.DefaultCity),
		Country:      raw.Country.Or(node.DefaultCountryCode),
		Source:       source,
	}
	res.Emit = true
	return res
}
