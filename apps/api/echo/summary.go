package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/summary"
)

type summaryApi struct {
	conf *core.Config
	agg  *summary.Aggregator
}

func registerSummaryAPI(ag *echo.Group, deps ServerDeps) {
	api := summaryApi{conf: deps.Conf, agg: deps.Summary}
	ag.GET("/summary", api.summary)
}

// summary reads the `group` and `include_suspended` query parameters.
func (api *summaryApi) summary(ctx echo.Context) error {
	actor, activityID, err := activityParams(ctx)
	if err != nil {
		return err
	}

	opts := summary.DefaultOptions(api.conf)
	var gc GroupContext
	if err := gc.Bind(ctx); err != nil {
		return err
	}
	opts.Group = gc.GroupContext

	var query struct {
		IncludeSuspended *bool `query:"include_suspended"`
	}
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding query")
	}
	if query.IncludeSuspended != nil {
		opts.IncludeSuspended = *query.IncludeSuspended
	}

	counts, err := api.agg.Summary(ctx.Request().Context(), actor, activityID, opts)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, counts)
}
