// Package timeline derives the render-ready view of a conversation: all
// fetched pages flattened, soft-deleted and restricted records dropped,
// sorted chronologically and bucketed by calendar day. The derivation is
// pure and cheap for bounded page sizes, so it is recomputed wholesale on
// every page store change instead of updated incrementally.
package timeline

import (
	"sort"
	"time"

	"collabsync/pkg/models"
	"collabsync/pkg/pagestore"
)

// dayLabelFormat renders the bucket label, e.g. "January 2, 2006".
const dayLabelFormat = "January 2, 2006"

var agencyRoles = map[string]struct{}{
	"agency_owner":           {},
	"agency_member":          {},
	"agency_project_manager": {},
}

// IsAgencyRole reports whether the role may see agency-internal records.
func IsAgencyRole(role string) bool {
	_, ok := agencyRoles[role]
	return ok
}

// Visible applies the visibility gate only; soft-delete filtering is a
// separate step so unread counting can reuse this check.
func Visible(rec models.Interaction, viewerRole string) bool {
	if rec.Kind == models.KindMessage && rec.Visibility == models.VisibilityInternalAgency {
		return IsAgencyRole(viewerRole)
	}
	return true
}

// DayGroup is one calendar day's worth of interactions, in chronological
// order. Day is midnight in the viewer's location.
type DayGroup struct {
	Label   string               `json:"label"`
	Day     time.Time            `json:"day"`
	Records []models.Interaction `json:"records"`
}

// Flatten concatenates all pages' records into one sequence. No filtering
// or ordering is applied.
func Flatten(pages pagestore.Pages) []models.Interaction {
	n := 0
	for _, p := range pages {
		n += len(p.Records)
	}
	out := make([]models.Interaction, 0, n)
	for _, p := range pages {
		out = append(out, p.Records...)
	}
	return out
}

// Aggregate produces the day-grouped timeline for a viewer. Records with a
// soft-delete marker are absent even though they remain in the page store;
// agency-internal messages are absent for non-agency roles. Sorting is
// stable on the creation timestamp, so records sharing a timestamp keep
// their page order. loc may be nil for UTC.
func Aggregate(pages pagestore.Pages, viewerRole string, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.UTC
	}
	all := Flatten(pages)
	kept := all[:0]
	for _, rec := range all {
		if rec.Deleted() {
			continue
		}
		if !Visible(rec, viewerRole) {
			continue
		}
		kept = append(kept, rec)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedTS < kept[j].CreatedTS
	})

	var groups []DayGroup
	for _, rec := range kept {
		day := dayOf(rec.CreatedTS, loc)
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Records = append(groups[n-1].Records, rec)
			continue
		}
		groups = append(groups, DayGroup{
			Label:   day.Format(dayLabelFormat),
			Day:     day,
			Records: []models.Interaction{rec},
		})
	}
	return groups
}

// Latest returns the newest visible record for a viewer, for conversation
// list previews. ok is false when the timeline is empty.
func Latest(pages pagestore.Pages, viewerRole string) (models.Interaction, bool) {
	var best models.Interaction
	found := false
	for _, p := range pages {
		for _, rec := range p.Records {
			if rec.Deleted() || !Visible(rec, viewerRole) {
				continue
			}
			if !found || rec.CreatedTS > best.CreatedTS {
				best = rec
				found = true
			}
		}
	}
	return best, found
}

func dayOf(ts int64, loc *time.Location) time.Time {
	t := time.Unix(0, ts).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
