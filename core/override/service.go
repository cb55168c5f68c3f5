package override

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
)

var (
	errScope     = errors.New("an override applies to exactly one user or one group")
	errDateOrder = errors.New("dates must satisfy opens <= due <= cutoff")
	errExtension = errors.New("extension must be after the due date")
)

type (
	Repository interface {
		// SaveOverride creates the override when its ID is 0, updates it otherwise.
		SaveOverride(ctx context.Context, o Override) (Override, error)
		GetOverride(ctx context.Context, id int64) (Override, error)
		DeleteOverride(ctx context.Context, id int64) error
		QueryOverrides(ctx context.Context, activityID int64) ([]Override, error)
	}

	Resolver struct {
		repo       Repository
		activities activity.Repository
		caps       core.CapabilityChecker
		events     core.EventSink
	}
)

func NewResolver(repo Repository, activities activity.Repository, caps core.CapabilityChecker, events core.EventSink) *Resolver {
	return &Resolver{repo: repo, activities: activities, caps: caps, events: events}
}

// ResolveWindow returns the user's effective window for the activity.
func (r *Resolver) ResolveWindow(ctx context.Context, activityID, userID int64) (Window, error) {
	act, err := r.activities.GetActivity(ctx, activityID)
	if err != nil {
		return Window{}, errors.Wrap(err, "getting activity")
	}
	overrides, err := r.repo.QueryOverrides(ctx, activityID)
	if err != nil {
		return Window{}, errors.Wrap(err, "querying overrides")
	}
	grps, err := r.activities.QueryUserGroups(ctx, activityID, userID)
	if err != nil {
		return Window{}, errors.Wrap(err, "querying user groups")
	}
	inGroup := make(map[int64]bool, len(grps))
	for _, g := range grps {
		inGroup[g.ID] = true
	}

	var usrOverride *Override
	grpOverrides := make([]Override, 0)
	for i, o := range overrides {
		switch {
		case o.UserID.Valid && o.UserID.Int64 == userID:
			usrOverride = &overrides[i]
		case o.GroupID.Valid && inGroup[o.GroupID.Int64]:
			grpOverrides = append(grpOverrides, o)
		}
	}

	flags, err := r.activities.GetUserFlags(ctx, activityID, userID)
	if err != nil {
		return Window{}, errors.Wrap(err, "getting user flags")
	}
	return Window{
		Dates:          Resolve(DefaultDates(act), usrOverride, grpOverrides),
		ExtensionDueAt: flags.ExtensionDueAt,
	}, nil
}

// Window returns the user's effective window as seen by the actor. Reading another user's window
// needs the grade capability.
func (r *Resolver) Window(ctx context.Context, actorID, activityID, userID int64) (Window, error) {
	if err := core.RequireVisible(ctx, r.caps, actorID, activityID); err != nil {
		return Window{}, err
	}
	if actorID != userID {
		if err := core.Require(ctx, r.caps, actorID, core.ActionGrade, activityID); err != nil {
			return Window{}, err
		}
	}
	return r.ResolveWindow(ctx, activityID, userID)
}

func (r *Resolver) authorize(ctx context.Context, actorID, activityID int64, action core.Action) (activity.Activity, error) {
	if err := core.RequireVisible(ctx, r.caps, actorID, activityID); err != nil {
		return activity.Activity{}, err
	}
	if err := core.Require(ctx, r.caps, actorID, action, activityID); err != nil {
		return activity.Activity{}, err
	}
	act, err := r.activities.GetActivity(ctx, activityID)
	return act, errors.Wrap(err, "getting activity")
}

func (r *Resolver) QueryOverrides(ctx context.Context, actorID, activityID int64) ([]Override, error) {
	if _, err := r.authorize(ctx, actorID, activityID, core.ActionManageOverrides); err != nil {
		return nil, err
	}
	overrides, err := r.repo.QueryOverrides(ctx, activityID)
	return overrides, errors.Wrap(err, "querying overrides")
}

// SaveOverride creates or updates an override. New group overrides are placed after the existing ones.
func (r *Resolver) SaveOverride(ctx context.Context, actorID int64, o Override) (Override, error) {
	act, err := r.authorize(ctx, actorID, o.ActivityID, core.ActionManageOverrides)
	if err != nil {
		return Override{}, err
	}
	if o.UserID.Valid == o.GroupID.Valid {
		return Override{}, core.NewValidationError(errScope)
	}
	if !Resolve(DefaultDates(act), &o, nil).InOrder() {
		return Override{}, core.NewValidationError(errDateOrder, core.FieldError{Field: "due_at", Error: errDateOrder.Error()})
	}

	existing, err := r.repo.QueryOverrides(ctx, o.ActivityID)
	if err != nil {
		return Override{}, errors.Wrap(err, "querying overrides")
	}
	if o.ID != 0 {
		prev, err := r.repo.GetOverride(ctx, o.ID)
		if err != nil {
			return Override{}, errors.Wrap(err, "getting override")
		}
		if prev.ActivityID != o.ActivityID {
			return Override{}, errors.Wrap(core.ErrNotFound, "override")
		}
		o.SortOrder = prev.SortOrder
	} else {
		for _, e := range existing {
			if (o.UserID.Valid && e.UserID == o.UserID) || (o.GroupID.Valid && e.GroupID == o.GroupID) {
				// one override per user or group: update in place
				o.ID = e.ID
				o.SortOrder = e.SortOrder
			}
		}
		if o.ID == 0 && o.IsGroup() {
			o.SortOrder = 1
			for _, e := range existing {
				if e.IsGroup() && e.SortOrder >= o.SortOrder {
					o.SortOrder = e.SortOrder + 1
				}
			}
		}
	}
	if !o.IsGroup() {
		o.SortOrder = 0
	}

	saved, err := r.repo.SaveOverride(ctx, o)
	return saved, errors.Wrap(err, "saving override")
}

// DeleteOverride removes an override and closes the gap it left in the group sort order.
func (r *Resolver) DeleteOverride(ctx context.Context, actorID, activityID, overrideID int64) error {
	if _, err := r.authorize(ctx, actorID, activityID, core.ActionManageOverrides); err != nil {
		return err
	}
	o, err := r.repo.GetOverride(ctx, overrideID)
	if err != nil {
		return errors.Wrap(err, "getting override")
	}
	if o.ActivityID != activityID {
		return errors.Wrap(core.ErrNotFound, "override")
	}
	if err := r.repo.DeleteOverride(ctx, overrideID); err != nil {
		return errors.Wrap(err, "deleting override")
	}
	if !o.IsGroup() {
		return nil
	}

	overrides, err := r.repo.QueryOverrides(ctx, activityID)
	if err != nil {
		return errors.Wrap(err, "querying overrides")
	}
	return r.renumber(ctx, groupOverrides(overrides))
}

// ReorderGroupOverrides assigns sort orders 1..n following overrideIDs; unlisted group overrides keep
// their relative order after the listed ones.
func (r *Resolver) ReorderGroupOverrides(ctx context.Context, actorID, activityID int64, overrideIDs []int64) ([]Override, error) {
	if _, err := r.authorize(ctx, actorID, activityID, core.ActionManageOverrides); err != nil {
		return nil, err
	}
	overrides, err := r.repo.QueryOverrides(ctx, activityID)
	if err != nil {
		return nil, errors.Wrap(err, "querying overrides")
	}
	grps := groupOverrides(overrides)

	rank := make(map[int64]int, len(overrideIDs))
	for i, id := range overrideIDs {
		rank[id] = i
	}
	for _, id := range overrideIDs {
		found := false
		for _, o := range grps {
			if o.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Wrapf(core.ErrNotFound, "group override %d", id)
		}
	}
	sort.SliceStable(grps, func(i, j int) bool {
		ri, iok := rank[grps[i].ID]
		rj, jok := rank[grps[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return grps[i].SortOrder < grps[j].SortOrder
	})
	if err := r.renumber(ctx, grps); err != nil {
		return nil, err
	}
	overrides, err = r.repo.QueryOverrides(ctx, activityID)
	return groupOverrides(overrides), errors.Wrap(err, "querying overrides")
}

func (r *Resolver) renumber(ctx context.Context, grps []Override) error {
	for i, o := range grps {
		if o.SortOrder == i+1 {
			continue
		}
		o.SortOrder = i + 1
		if _, err := r.repo.SaveOverride(ctx, o); err != nil {
			return errors.Wrap(err, "saving override sort order")
		}
	}
	return nil
}

// GrantExtension sets or clears (null due) the user's extension.
func (r *Resolver) GrantExtension(ctx context.Context, actorID, activityID, userID int64, due null.Time) (activity.UserFlags, error) {
	act, err := r.authorize(ctx, actorID, activityID, core.ActionGrantExtension)
	if err != nil {
		return activity.UserFlags{}, err
	}
	if due.Valid && act.DueAt.Valid && !due.Time.After(act.DueAt.Time) {
		return activity.UserFlags{}, core.NewValidationError(errExtension, core.FieldError{Field: "extension_due_at", Error: errExtension.Error()})
	}
	flags, err := r.activities.GetUserFlags(ctx, activityID, userID)
	if err != nil {
		return activity.UserFlags{}, errors.Wrap(err, "getting user flags")
	}
	flags.ExtensionDueAt = due
	flags, err = r.activities.SaveUserFlags(ctx, flags)
	if err != nil {
		return activity.UserFlags{}, errors.Wrap(err, "saving user flags")
	}

	ev := core.NewWorkflowEvent(core.EventExtensionGranted, activityID, actorID)
	ev.UserID = userID
	r.events.Emit(ctx, ev)
	return flags, nil
}

// groupOverrides filters the group overrides, ordered by sort order.
func groupOverrides(overrides []Override) []Override {
	grps := make([]Override, 0, len(overrides))
	for _, o := range overrides {
		if o.IsGroup() {
			grps = append(grps, o)
		}
	}
	sort.SliceStable(grps, func(i, j int) bool { return grps[i].SortOrder < grps[j].SortOrder })
	return grps
}
