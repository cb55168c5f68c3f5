package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/override"
)

type windowApi struct {
	svc *override.Resolver
}

type (
	// WindowResponse adds the derived state of the window at request time.
	WindowResponse struct {
		override.Window
		EffectiveCutoff null.Time `json:"effective_cutoff"`
		IsOpen          bool      `json:"is_open"`
		IsLate          bool      `json:"is_late"`
	}

	OverrideRequest struct {
		UserID   null.Int64 `json:"user_id"`
		GroupID  null.Int64 `json:"group_id"`
		OpensAt  null.Time  `json:"opens_at"`
		DueAt    null.Time  `json:"due_at"`
		CutoffAt null.Time  `json:"cutoff_at"`
	}

	ReorderRequest struct {
		IDs []int64 `json:"ids"`
	}

	ExtensionRequest struct {
		ExtensionDueAt null.Time `json:"extension_due_at"`
	}
)

func registerWindowAPI(ag *echo.Group, deps ServerDeps) {
	api := windowApi{svc: deps.Windows}

	ag.GET("/windows/:"+userParam, api.window)
	ag.PUT("/extensions/:"+userParam, api.grantExtension)

	og := ag.Group("/overrides")
	og.GET("", api.queryOverrides)
	og.POST("", api.createOverride)
	og.PUT("/order", api.reorder)
	og.PUT("/:"+idParam, api.updateOverride)
	og.DELETE("/:"+idParam, api.deleteOverride)
}

func (api *windowApi) window(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	w, err := api.svc.Window(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	now := core.Now()
	return ctx.JSON(http.StatusOK, WindowResponse{
		Window:          w,
		EffectiveCutoff: w.EffectiveCutoff(),
		IsOpen:          w.IsOpen(now),
		IsLate:          w.IsLate(now),
	})
}

func (api *windowApi) queryOverrides(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	overrides, err := api.svc.QueryOverrides(ctx.Request().Context(), actor, activityID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, overrides)
}

func (api *windowApi) saveOverride(ctx echo.Context, id int64) (override.Override, error) {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return override.Override{}, err
	}
	var data OverrideRequest
	if err := ctx.Bind(&data); err != nil {
		return override.Override{}, errors.Wrap(err, "binding to OverrideRequest")
	}
	return api.svc.SaveOverride(ctx.Request().Context(), actor, override.Override{
		ID:         id,
		ActivityID: activityID,
		UserID:     data.UserID,
		GroupID:    data.GroupID,
		OpensAt:    data.OpensAt,
		DueAt:      data.DueAt,
		CutoffAt:   data.CutoffAt,
	})
}

func (api *windowApi) createOverride(ctx echo.Context) error {
	o, err := api.saveOverride(ctx, 0)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, o)
}

func (api *windowApi) updateOverride(ctx echo.Context) error {
	id, err := int64Param(ctx, idParam)
	if err != nil {
		return err
	}
	o, err := api.saveOverride(ctx, id)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, o)
}

func (api *windowApi) deleteOverride(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	id, err := int64Param(ctx, idParam)
	if err != nil {
		return err
	}
	if err := api.svc.DeleteOverride(ctx.Request().Context(), actor, activityID, id); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *windowApi) reorder(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	var data ReorderRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReorderRequest")
	}
	overrides, err := api.svc.ReorderGroupOverrides(ctx.Request().Context(), actor, activityID, data.IDs)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, overrides)
}

func (api *windowApi) grantExtension(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	var data ExtensionRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ExtensionRequest")
	}
	flags, err := api.svc.GrantExtension(ctx.Request().Context(), actor, activityID, userID, data.ExtensionDueAt)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, flags)
}
