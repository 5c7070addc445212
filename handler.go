package leanflow

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Result is the envelope of every API response.
type Result struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	Message   string    `json:"message"`
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(code ErrorCode) int {
	switch code {
	case CodeDefinitionNotFound, CodeInstanceNotFound, CodeTaskNotFound:
		return http.StatusNotFound
	case CodeDuplicateBusinessKey, CodeDuplicateBookmark, CodeInvalidStateTransition,
		CodeInstanceTerminal, CodeTaskNotPending, CodeConcurrentModification,
		CodeCompensationPartialFailure:
		return http.StatusConflict
	case CodeBookmarkExpired:
		return http.StatusGone
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeOperationNotPermitted:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Handler returns the REST API as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.Echo()
}

// ListenAndServe serves the REST API on addr.
func (a *App) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, a.Handler())
}

// Echo builds the REST API router with the given middleware in front of it.
func (a *App) Echo(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = a.handleHTTPError
	e.Use(middleware.Recover())
	e.Use(mw...)

	e.GET("/health/live", a.handleLive)
	e.GET("/health/ready", a.handleReady)

	g := e.Group("/api/workflow")

	g.POST("/definitions", a.handlePublishDefinition)
	g.GET("/definitions", a.handleListDefinitions)
	g.GET("/definitions/:code", a.handleGetDefinition)

	g.POST("/start", a.handleStart)
	g.POST("/signal", a.handleSignal)
	g.POST("/events", a.handleEvent)
	g.GET("/tasks", a.handleListTasks)
	g.GET("/instances", a.handleListInstances)
	g.GET("/node/:nodeId/status", a.handleNodeStatus)

	g.POST("/task/:taskId/complete", a.handleCompleteTask)
	g.POST("/task/:taskId/reject", a.handleRejectTask)
	g.POST("/task/:taskId/transfer", a.handleTransferTask)
	g.POST("/task/:taskId/delegate", a.handleDelegateTask)
	g.POST("/task/:taskId/withdraw", a.handleWithdrawTask)
	g.POST("/task/:taskId/claim", a.handleClaimTask)
	g.GET("/task/:taskId", a.handleGetTask)

	g.POST("/:instanceId/suspend", a.handleSuspend)
	g.POST("/:instanceId/resume", a.handleResume)
	g.POST("/:instanceId/terminate", a.handleTerminate)
	g.POST("/:instanceId/compensate", a.handleCompensate)
	g.GET("/:instanceId/variables", a.handleGetVariables)
	g.POST("/:instanceId/variables", a.handleSetVariables)
	g.GET("/:instanceId/status", a.handleStatus)
	g.GET("/:instanceId/activities", a.handleActivities)
	g.GET("/:instanceId/tasks", a.handleInstanceTasks)
	g.GET("/:instanceId/history", a.handleHistory)
	g.GET("/:instanceId/forms", a.handleForms)

	return e
}

// language picks the response language from ?lang= or Accept-Language.
func language(c echo.Context) string {
	if lang := c.QueryParam("lang"); lang != "" {
		return lang
	}
	return c.Request().Header.Get("Accept-Language")
}

func (a *App) ok(c echo.Context, status int, data any) error {
	return c.JSON(status, Result{
		Success: true,
		Data:    data,
		Message: a.localizer.Localize(language(c), "Success"),
	})
}

// fail writes err as an envelope. Data of partial compensations is kept.
func (a *App) fail(c echo.Context, err error) error {
	code := CodeOf(err)
	res := Result{ErrorCode: code, Message: a.localizer.Localize(language(c), string(code))}
	var e *Error
	if errors.As(err, &e) && len(e.Data) > 0 {
		res.Data = e.Data
	}
	if code == CodeSystemError {
		a.logger.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"instance_id", c.Param("instanceId"),
			"task_id", c.Param("taskId"),
			"error", err)
	}
	return c.JSON(StatusOf(code), res)
}

func (a *App) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := CodeSystemError
		if he.Code < http.StatusInternalServerError {
			code = CodeInvalidArgument
		}
		_ = c.JSON(he.Code, Result{ErrorCode: code, Message: a.localizer.Localize(language(c), string(code))})
		return
	}
	_ = a.fail(c, err)
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return &Error{Code: CodeInvalidArgument, Message: "malformed request body", Err: err}
	}
	return nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &Error{Code: CodeInvalidArgument, Message: name + " must be a non-negative integer"}
	}
	return n, nil
}

// Health

func (a *App) handleLive(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (a *App) handleReady(c echo.Context) error {
	if !a.Ready() {
		return c.String(http.StatusServiceUnavailable, "Not Ready")
	}
	if err := a.store.DB().PingContext(c.Request().Context()); err != nil {
		return c.String(http.StatusServiceUnavailable, "Not Ready")
	}
	return c.String(http.StatusOK, "OK")
}

// Definitions

func (a *App) handlePublishDefinition(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return a.fail(c, &Error{Code: CodeInvalidArgument, Message: "unreadable body", Err: err})
	}
	def, err := a.PublishDefinitionSource(c.Request().Context(), body, c.QueryParam("operator"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusCreated, def)
}

func (a *App) handleListDefinitions(c echo.Context) error {
	defs, err := a.ListDefinitions(c.Request().Context())
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, defs)
}

func (a *App) handleGetDefinition(c echo.Context) error {
	ctx := c.Request().Context()
	if c.QueryParam("versions") == "true" {
		defs, err := a.ListDefinitionVersions(ctx, c.Param("code"))
		if err != nil {
			return a.fail(c, err)
		}
		return a.ok(c, http.StatusOK, defs)
	}
	def, err := a.GetLatestDefinition(ctx, c.Param("code"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, def)
}

// Instances

func (a *App) handleStart(c echo.Context) error {
	var req StartRequest
	if err := bind(c, &req); err != nil {
		return a.fail(c, err)
	}
	inst, err := a.StartProcess(c.Request().Context(), req)
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusCreated, inst)
}

type lifecycleRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

func (a *App) lifecycle(c echo.Context, fn func(req lifecycleRequest) (any, error)) error {
	var req lifecycleRequest
	if err := bind(c, &req); err != nil {
		return a.fail(c, err)
	}
	data, err := fn(req)
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, data)
}

func (a *App) handleSuspend(c echo.Context) error {
	return a.lifecycle(c, func(req lifecycleRequest) (any, error) {
		return nil, a.SuspendProcess(c.Request().Context(), c.Param("instanceId"), req.Operator)
	})
}

func (a *App) handleResume(c echo.Context) error {
	return a.lifecycle(c, func(req lifecycleRequest) (any, error) {
		return nil, a.ResumeProcess(c.Request().Context(), c.Param("instanceId"), req.Operator)
	})
}

func (a *App) handleTerminate(c echo.Context) error {
	return a.lifecycle(c, func(req lifecycleRequest) (any, error) {
		return nil, a.TerminateProcess(c.Request().Context(), c.Param("instanceId"), req.Operator, req.Reason)
	})
}

func (a *App) handleCompensate(c echo.Context) error {
	return a.lifecycle(c, func(req lifecycleRequest) (any, error) {
		return a.Compensate(c.Request().Context(), c.Param("instanceId"), req.Operator, req.Force)
	})
}

func (a *App) handleStatus(c echo.Context) error {
	inst, err := a.GetProcessStatus(c.Request().Context(), c.Param("instanceId"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, inst)
}

func (a *App) handleActivities(c echo.Context) error {
	ctx := c.Request().Context()
	get := a.GetCurrentActivities
	if c.QueryParam("all") == "true" {
		get = a.GetActivities
	}
	ais, err := get(ctx, c.Param("instanceId"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, ais)
}

func (a *App) handleInstanceTasks(c echo.Context) error {
	tasks, err := a.GetCurrentTasks(c.Request().Context(), c.Param("instanceId"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, tasks)
}

func (a *App) handleHistory(c echo.Context) error {
	entries, err := a.GetHistory(c.Request().Context(), c.Param("instanceId"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, entries)
}

func (a *App) handleForms(c echo.Context) error {
	forms, err := a.GetFormData(c.Request().Context(), c.Param("instanceId"), c.QueryParam("taskId"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, forms)
}

func (a *App) handleNodeStatus(c echo.Context) error {
	ai, err := a.GetNodeStatus(c.Request().Context(), c.Param("nodeId"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, ai)
}

func (a *App) handleListInstances(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return a.fail(c, err)
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return a.fail(c, err)
	}
	instances, err := a.ListInstances(c.Request().Context(), InstanceFilter{
		Status:         InstanceStatus(c.QueryParam("status")),
		DefinitionCode: c.QueryParam("definitionCode"),
		BusinessKey:    c.QueryParam("businessKey"),
		Initiator:      c.QueryParam("initiator"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, instances)
}

// Variables

func (a *App) handleGetVariables(c echo.Context) error {
	ctx := c.Request().Context()
	instanceID := c.Param("instanceId")
	name := c.QueryParam("name")
	if name == "" {
		vars, err := a.GetProcessVariables(ctx, instanceID)
		if err != nil {
			return a.fail(c, err)
		}
		return a.ok(c, http.StatusOK, vars)
	}
	if c.QueryParam("history") == "true" {
		versions, err := a.GetVariableHistory(ctx, instanceID, name)
		if err != nil {
			return a.fail(c, err)
		}
		return a.ok(c, http.StatusOK, versions)
	}
	version, err := queryInt(c, "version")
	if err != nil {
		return a.fail(c, err)
	}
	v, err := a.GetProcessVariable(ctx, instanceID, name, version)
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, v)
}

type variablesRequest struct {
	Operator  string         `json:"operator"`
	Variables map[string]any `json:"variables"`
}

func (a *App) handleSetVariables(c echo.Context) error {
	var req variablesRequest
	if err := bind(c, &req); err != nil {
		return a.fail(c, err)
	}
	if err := a.SetProcessVariables(c.Request().Context(), c.Param("instanceId"), req.Operator, req.Variables); err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, nil)
}

// Tasks

type taskRequest struct {
	Operator         string         `json:"operator"`
	Comment          string         `json:"comment,omitempty"`
	TargetUser       string         `json:"targetUser,omitempty"`
	TargetActivityID string         `json:"targetActivityId,omitempty"`
	Variables        map[string]any `json:"variables,omitempty"`
	FormData         map[string]any `json:"formData,omitempty"`
}

func (a *App) taskAction(c echo.Context, fn func(taskID string, req taskRequest) (bool, error)) error {
	var req taskRequest
	if err := bind(c, &req); err != nil {
		return a.fail(c, err)
	}
	done, err := fn(c.Param("taskId"), req)
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, done)
}

func (a *App) handleCompleteTask(c echo.Context) error {
	return a.taskAction(c, func(id string, req taskRequest) (bool, error) {
		return a.CompleteTask(c.Request().Context(), id, req.Operator, req.Comment, req.Variables, req.FormData)
	})
}

func (a *App) handleRejectTask(c echo.Context) error {
	return a.taskAction(c, func(id string, req taskRequest) (bool, error) {
		return a.RejectTask(c.Request().Context(), id, req.Operator, req.Comment, req.TargetActivityID)
	})
}

func (a *App) handleTransferTask(c echo.Context) error {
	return a.taskAction(c, func(id string, req taskRequest) (bool, error) {
		return a.TransferTask(c.Request().Context(), id, req.Operator, req.TargetUser, req.Comment)
	})
}

func (a *App) handleDelegateTask(c echo.Context) error {
	return a.taskAction(c, func(id string, req taskRequest) (bool, error) {
		return a.DelegateTask(c.Request().Context(), id, req.Operator, req.TargetUser, req.Comment)
	})
}

func (a *App) handleWithdrawTask(c echo.Context) error {
	return a.taskAction(c, func(id string, req taskRequest) (bool, error) {
		return a.WithdrawTask(c.Request().Context(), id, req.Operator, req.Comment)
	})
}

func (a *App) handleClaimTask(c echo.Context) error {
	return a.taskAction(c, func(id string, req taskRequest) (bool, error) {
		return a.ClaimTask(c.Request().Context(), id, req.Operator)
	})
}

func (a *App) handleGetTask(c echo.Context) error {
	task, err := a.GetTask(c.Request().Context(), c.Param("taskId"))
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, task)
}

func (a *App) handleListTasks(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return a.fail(c, err)
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return a.fail(c, err)
	}
	filter := TaskFilter{
		InstanceID: c.QueryParam("instanceId"),
		AssigneeID: c.QueryParam("assignee"),
		Limit:      limit,
		Offset:     offset,
	}
	if status := c.QueryParam("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			filter.Statuses = append(filter.Statuses, TaskStatus(strings.TrimSpace(s)))
		}
	}
	tasks, err := a.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, tasks)
}

// Messages

type signalRequest struct {
	CorrelationID string         `json:"correlationId"`
	Data          map[string]any `json:"data,omitempty"`
}

func (a *App) handleSignal(c echo.Context) error {
	var req signalRequest
	if err := bind(c, &req); err != nil {
		return a.fail(c, err)
	}
	if err := a.Signal(c.Request().Context(), req.CorrelationID, req.Data); err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusOK, nil)
}

func (a *App) handleEvent(c echo.Context) error {
	event, err := cloudevents.NewEventFromHTTPRequest(c.Request())
	if err != nil {
		return a.fail(c, &Error{Code: CodeInvalidArgument, Message: "not a CloudEvent", Err: err})
	}
	res, err := a.HandleEvent(c.Request().Context(), *event)
	if err != nil {
		return a.fail(c, err)
	}
	return a.ok(c, http.StatusAccepted, res)
}
