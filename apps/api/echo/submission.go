package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core/submission"
)

type submissionApi struct {
	svc *submission.Service
}

func registerSubmissionAPI(ag *echo.Group, deps ServerDeps) {
	api := submissionApi{svc: deps.SubmissionSvc}

	sg := ag.Group("/submissions/:" + userParam)
	sg.GET("", api.retrieve)
	sg.PUT("", api.save)
	sg.GET("/attempts", api.queryAttempts)
	sg.POST("/submit", api.submit)
	sg.POST("/revert", api.revert)
	sg.POST("/reopen", api.reopen)
	sg.POST("/lock", api.lock)
	sg.POST("/unlock", api.unlock)

	ag.GET("/groups/:"+groupParam+"/ready", api.readyMembers)
}

func (api *submissionApi) retrieve(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	sub, err := api.svc.GetLatest(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *submissionApi) queryAttempts(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	subs, err := api.svc.QueryAttempts(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, subs)
}

func (api *submissionApi) save(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	var data submission.SaveRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SaveRequest")
	}

	sub, err := api.svc.Save(ctx.Request().Context(), actor, activityID, userID, data.Content)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *submissionApi) submit(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	var data submission.SubmitRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SubmitRequest")
	}

	sub, err := api.svc.Submit(ctx.Request().Context(), actor, activityID, userID, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *submissionApi) revert(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	sub, err := api.svc.RevertToDraft(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *submissionApi) reopen(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	var data submission.ReopenOptions
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReopenOptions")
	}

	sub, err := api.svc.Reopen(ctx.Request().Context(), actor, activityID, userID, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, sub)
}

func (api *submissionApi) lock(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	flags, err := api.svc.Lock(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, flags)
}

func (api *submissionApi) unlock(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	flags, err := api.svc.Unlock(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, flags)
}

func (api *submissionApi) readyMembers(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	groupID, err := int64Param(ctx, groupParam)
	if err != nil {
		return err
	}
	ids, err := api.svc.Team().ReadyMembers(ctx.Request().Context(), actor, activityID, groupID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, ids)
}
