package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core/marking"
)

type markingApi struct {
	svc      *marking.Service
	validate *validator.Validate
}

func registerMarkingAPI(ag *echo.Group, deps ServerDeps) {
	api := markingApi{svc: deps.MarkingSvc, validate: deps.Validate}

	gg := ag.Group("/grades")
	gg.GET("", api.query)
	gg.POST("/quick", api.quickGrade)
	gg.GET("/:"+userParam, api.retrieve)
	gg.PUT("/:"+userParam, api.setGrade)
	gg.PUT("/:"+userParam+"/workflow", api.setWorkflowState)
	gg.PUT("/:"+userParam+"/marker", api.allocateMarker)
}

func (api *markingApi) query(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	grades, err := api.svc.QueryGrades(ctx.Request().Context(), actor, activityID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, grades)
}

func (api *markingApi) retrieve(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	g, err := api.svc.GetGrade(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, g)
}

func (api *markingApi) setGrade(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	var data marking.SetGradeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SetGradeRequest")
	}

	g, err := api.svc.SetGrade(ctx.Request().Context(), actor, activityID, userID, data.Grade)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, g)
}

func (api *markingApi) quickGrade(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	var data marking.QuickGradeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to QuickGradeRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	grades, err := api.svc.QuickGrade(ctx.Request().Context(), actor, activityID, data.Rows)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, grades)
}

func (api *markingApi) setWorkflowState(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	var data marking.WorkflowRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to WorkflowRequest")
	}

	g, err := api.svc.SetWorkflowState(ctx.Request().Context(), actor, activityID, userID, data.State)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, g)
}

func (api *markingApi) allocateMarker(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	var data marking.AllocateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AllocateRequest")
	}

	flags, err := api.svc.AllocateMarker(ctx.Request().Context(), actor, activityID, userID, data.MarkerID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, flags)
}
