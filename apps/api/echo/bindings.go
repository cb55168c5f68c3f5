package echoapi

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core/activity"
)

const (
	activityParam = "activity"
	userParam     = "user"
	groupParam    = "group"
	idParam       = "id"

	// the authenticated user, in place of a user ID
	selfParamValue = "me"
)

func int64Param(ctx echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(ctx.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errHttpNotFound
	}
	return id, nil
}

// targetParams reads the actor, the activity and the user the request is about.
func targetParams(ctx echo.Context) (actor, activityID, userID int64, err error) {
	if actor, err = actorID(ctx); err != nil {
		return
	}
	if activityID, err = int64Param(ctx, activityParam); err != nil {
		return
	}
	if ctx.Param(userParam) == selfParamValue {
		userID = actor
		return
	}
	userID, err = int64Param(ctx, userParam)
	return
}

// activityParams reads the actor and the activity.
func activityParams(ctx echo.Context) (actor, activityID int64, err error) {
	if actor, err = actorID(ctx); err != nil {
		return
	}
	activityID, err = int64Param(ctx, activityParam)
	return
}

// GroupContext binds the `group` query parameter: empty or "all" for every group, "none" for the
// no-group context, a group ID otherwise.
type GroupContext struct {
	activity.GroupContext
}

func (gc *GroupContext) Bind(ctx echo.Context) error {
	val := strings.TrimSpace(ctx.QueryParam(groupParam))
	switch val {
	case "", "all":
		gc.GroupContext = activity.AllGroupsContext()
	case "none":
		gc.GroupContext = activity.NoGroupContext()
	default:
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.Wrapf(errHttpNotFound, "group %q", val)
		}
		gc.GroupContext = activity.GroupOnly(id)
	}
	return nil
}
