package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/coursework/core/identity"
)

type identityApi struct {
	svc *identity.Mapper
}

func registerIdentityAPI(ag *echo.Group, deps ServerDeps) {
	api := identityApi{svc: deps.Identities}

	ag.POST("/identities/reveal", api.reveal)
	ag.GET("/identities/:"+userParam, api.display)
	ag.GET("/participants/number/:number", api.findUser)
}

func (api *identityApi) reveal(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	if err := api.svc.Reveal(ctx.Request().Context(), actor, activityID); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *identityApi) display(ctx echo.Context) error {
	actor, activityID, userID, err := targetParams(ctx)
	if err != nil {
		return err
	}
	id, err := api.svc.Display(ctx.Request().Context(), actor, activityID, userID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, id)
}

func (api *identityApi) findUser(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(ctx.Param("number"))
	if err != nil {
		return errHttpNotFound
	}
	userID, err := api.svc.FindUser(ctx.Request().Context(), actor, activityID, number)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"user_id": userID})
}
