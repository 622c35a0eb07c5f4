package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core/record"
)

type syncApi struct {
	deps ServerDeps
}

func registerSyncAPI(g *echo.Group, jwt, rateLimit echo.MiddlewareFunc, deps ServerDeps) {
	api := syncApi{deps: deps}

	sg := g.Group("/sync", jwt, rateLimit)
	sg.POST("/push", api.push)
	sg.POST("/pull", api.pull)
}

// Handlers

func (api *syncApi) push(ctx echo.Context) error {
	var data record.PushRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PushRequest")
	}
	if err := data.Validate(api.deps.Validate); err != nil {
		return err
	}

	res, err := api.deps.RecordSvc.Push(ctx.Request().Context(), contextActor(ctx), data.Operations)
	if err != nil {
		return errors.Wrap(err, "pushing operations")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *syncApi) pull(ctx echo.Context) error {
	var data record.PullRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PullRequest")
	}
	if err := data.Validate(api.deps.Validate); err != nil {
		return err
	}

	res, err := api.deps.RecordSvc.Pull(ctx.Request().Context(), data.LastSyncTimestamp, data.Entities)
	if err != nil {
		return errors.Wrap(err, "pulling changes")
	}
	return ctx.JSON(http.StatusOK, res)
}
