package override

import (
	"sort"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core/activity"
)

// Override replaces some of an activity's default dates for one user or one group.
// Exactly one of UserID and GroupID is set. Unset dates inherit.
type Override struct {
	ID         int64      `json:"id"`
	ActivityID int64      `json:"activity_id"`
	UserID     null.Int64 `json:"user_id"`
	GroupID    null.Int64 `json:"group_id"`
	OpensAt    null.Time  `json:"opens_at"`
	DueAt      null.Time  `json:"due_at"`
	CutoffAt   null.Time  `json:"cutoff_at"`
	SortOrder  int        `json:"sort_order"` // group overrides only; lowest wins
}

func (o Override) IsGroup() bool { return o.GroupID.Valid }

func (o Override) dates() Dates {
	return Dates{OpensAt: o.OpensAt, DueAt: o.DueAt, CutoffAt: o.CutoffAt}
}

type Dates struct {
	OpensAt  null.Time `json:"opens_at"`
	DueAt    null.Time `json:"due_at"`
	CutoffAt null.Time `json:"cutoff_at"`
}

func DefaultDates(act activity.Activity) Dates {
	return Dates{OpensAt: act.OpensAt, DueAt: act.DueAt, CutoffAt: act.CutoffAt}
}

func (d Dates) InOrder() bool {
	return activity.DatesInOrder(d.OpensAt, d.DueAt, d.CutoffAt)
}

// Window is the effective submission window of one user.
type Window struct {
	Dates
	ExtensionDueAt null.Time `json:"extension_due_at"`
}

// EffectiveCutoff is the cutoff used by IsOpen. An extension later than the cutoff replaces it;
// without a cutoff the window never closes and the extension has nothing to move.
func (w Window) EffectiveCutoff() null.Time {
	if !w.CutoffAt.Valid {
		return w.CutoffAt
	}
	if w.ExtensionDueAt.Valid && w.ExtensionDueAt.Time.After(w.CutoffAt.Time) {
		return w.ExtensionDueAt
	}
	return w.CutoffAt
}

func (w Window) IsOpen(at time.Time) bool {
	if w.OpensAt.Valid && at.Before(w.OpensAt.Time) {
		return false
	}
	if cutoff := w.EffectiveCutoff(); cutoff.Valid && at.After(cutoff.Time) {
		return false
	}
	return true
}

// IsLate compares against the resolved due date only; extensions never change the late label.
func (w Window) IsLate(at time.Time) bool {
	return w.DueAt.Valid && at.After(w.DueAt.Time)
}

// Resolve computes the effective dates field by field: the user override first, then the group
// overrides by ascending sort order, then the activity defaults.
func Resolve(defaults Dates, usrOverride *Override, grpOverrides []Override) Dates {
	grps := make([]Override, len(grpOverrides))
	copy(grps, grpOverrides)
	sort.SliceStable(grps, func(i, j int) bool {
		if grps[i].SortOrder != grps[j].SortOrder {
			return grps[i].SortOrder < grps[j].SortOrder
		}
		return grps[i].ID < grps[j].ID
	})

	layers := make([]Dates, 0, len(grps)+2)
	if usrOverride != nil {
		layers = append(layers, usrOverride.dates())
	}
	for _, o := range grps {
		layers = append(layers, o.dates())
	}
	layers = append(layers, defaults)

	pick := func(field func(Dates) null.Time) null.Time {
		for _, l := range layers {
			if v := field(l); v.Valid {
				return v
			}
		}
		return null.Time{}
	}
	return Dates{
		OpensAt:  pick(func(d Dates) null.Time { return d.OpensAt }),
		DueAt:    pick(func(d Dates) null.Time { return d.DueAt }),
		CutoffAt: pick(func(d Dates) null.Time { return d.CutoffAt }),
	}
}
