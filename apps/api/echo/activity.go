package echoapi

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core/activity"
)

type activityApi struct {
	svc      *activity.Service
	validate *validator.Validate
}

// registerActivityAPI registers the activity endpoints and returns the authed `/activities/:activity`
// group the other coursework APIs hang from.
func registerActivityAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) *echo.Group {
	api := activityApi{svc: deps.ActivitySvc, validate: deps.Validate}

	ag := g.Group("/activities", jwt)
	ag.POST("", api.create)

	dg := ag.Group("/:" + activityParam)
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.GET("/participants", api.queryParticipants)
	dg.POST("/participants", api.enrol)
	dg.GET("/groups", api.queryGroups)
	dg.POST("/groups", api.createGroup)
	dg.PUT("/groups/:"+groupParam+"/members/:"+userParam, api.addMember)
	dg.DELETE("/groups/:"+groupParam+"/members/:"+userParam, api.removeMember)
	return dg
}

func (api *activityApi) create(ctx echo.Context) error {
	actor, err := actorID(ctx)
	if err != nil {
		return err
	}
	var data activity.NewActivity
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewActivity")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	act, err := api.svc.Create(ctx.Request().Context(), actor, data)
	if err != nil {
		return errors.Wrap(err, "creating activity")
	}
	return ctx.JSON(http.StatusCreated, act)
}

func (api *activityApi) retrieve(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	act, err := api.svc.Get(ctx.Request().Context(), actor, activityID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, act)
}

func (api *activityApi) update(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	var data activity.NewActivity
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewActivity")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	act, err := api.svc.Update(ctx.Request().Context(), actor, activityID, data)
	if err != nil {
		return errors.Wrap(err, "updating activity")
	}
	return ctx.JSON(http.StatusOK, act)
}

func (api *activityApi) queryParticipants(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	var query struct {
		IncludeSuspended bool `query:"include_suspended"`
	}
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding query")
	}

	ps, err := api.svc.QueryParticipants(ctx.Request().Context(), actor, activityID, query.IncludeSuspended)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, ps)
}

func (api *activityApi) enrol(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	var data activity.NewParticipant
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewParticipant")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	p, err := api.svc.Enrol(ctx.Request().Context(), actor, activityID, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *activityApi) queryGroups(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	grps, err := api.svc.QueryGroups(ctx.Request().Context(), actor, activityID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, grps)
}

func (api *activityApi) createGroup(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	var data activity.NewGroup
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGroup")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	grp, err := api.svc.CreateGroup(ctx.Request().Context(), actor, activityID, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, grp)
}

func (api *activityApi) addMember(ctx echo.Context) error {
	return api.changeMembership(ctx, api.svc.AddMember)
}

func (api *activityApi) removeMember(ctx echo.Context) error {
	return api.changeMembership(ctx, api.svc.RemoveMember)
}

func (api *activityApi) changeMembership(ctx echo.Context, change func(ctx context.Context, actorID, groupID, userID int64) error) error {
	actor, _, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	groupID, err := int64Param(ctx, groupParam)
	if err != nil {
		return err
	}
	if err := change(ctx.Request().Context(), actor, groupID, userID); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}
