package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/realtime"
	"taskboard/service"
)

// TaskService is the task board behaviour exposed over HTTP.
type TaskService interface {
	Create(ctx context.Context, actor domain.Identity, in service.TaskInput) (domain.Task, error)
	Update(ctx context.Context, actor domain.Identity, id int64, patch service.TaskPatch) (domain.Task, error)
	Move(ctx context.Context, actor domain.Identity, id int64, status string, priority *int) (domain.Task, error)
	Delete(ctx context.Context, actor domain.Identity, id int64) (domain.Task, error)
	ClearDone(ctx context.Context, actor domain.Identity) (service.ClearResult, error)
	List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	Get(ctx context.Context, id int64) (domain.Task, error)
	History(ctx context.Context, id int64) ([]domain.AuditEntry, error)
	Lookup(ctx context.Context, raw string) (domain.PublicStatus, error)
	Stats(ctx context.Context, ownerID *int64) (service.Stats, error)
	Export(ctx context.Context, ownerID int64, format string) ([]byte, string, error)
}

// AccountService handles registration, logins and sessions.
type AccountService interface {
	IdentityVerifier
	Register(ctx context.Context, r service.Registration) (domain.User, error)
	Login(ctx context.Context, login, password string, client service.ClientInfo) (service.LoginResult, error)
	Logout(ctx context.Context, userID int64) error
	Me(ctx context.Context, userID int64) (domain.User, error)
	Sessions(ctx context.Context, userID int64) ([]domain.Session, error)
	RevokeSession(ctx context.Context, userID, sessionID int64) error
	Refresh(ctx context.Context, userID int64) (service.Token, error)
}

// ConnectionHub accepts realtime clients.
type ConnectionHub interface {
	Connect(ctx context.Context, t realtime.Transport, credential string) (*realtime.Connection, error)
	Serve(ctx context.Context, conn *realtime.Connection, t *realtime.WSTransport, ka realtime.KeepAlive)
	ConnectedUsers() []string
	ConnectionCount() int
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Services are the dependencies of the HTTP surface.
type Services struct {
	Tasks     TaskService
	Accounts  AccountService
	Hub       ConnectionHub
	Health    HealthChecker
	KeepAlive realtime.KeepAlive
	// Origins allowed to open websockets. Empty allows any origin.
	Origins []string
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(requestLogger(logger))

	authed := requireIdentity(svc.Accounts)

	auth := e.Group("/api/auth")
	auth.POST("/register", register(svc.Accounts))
	auth.POST("/login", login(svc.Accounts))
	auth.POST("/login-json", login(svc.Accounts))
	auth.POST("/logout", logout(svc.Accounts), authed)
	auth.GET("/me", me(svc.Accounts), authed)
	auth.GET("/sessions", listSessions(svc.Accounts), authed)
	auth.DELETE("/sessions/:id", deleteSession(svc.Accounts), authed)
	auth.POST("/refresh", refresh(svc.Accounts), authed)

	tasks := e.Group("/api/tasks", authed)
	tasks.GET("", listTasks(svc.Tasks))
	tasks.POST("", createTask(svc.Tasks))
	tasks.DELETE("/clear-done", clearDone(svc.Tasks))
	tasks.GET("/export", exportTasks(svc.Tasks), middleware.Gzip())
	tasks.GET("/stats", taskStats(svc.Tasks))
	tasks.GET("/:id", getTask(svc.Tasks))
	tasks.PUT("/:id", updateTask(svc.Tasks))
	tasks.DELETE("/:id", deleteTask(svc.Tasks))
	tasks.POST("/:id/move", moveTask(svc.Tasks))
	tasks.GET("/:id/history", taskHistory(svc.Tasks))

	e.GET("/api/guest/task-status/:custom_id", guestTaskStatus(svc.Tasks))

	e.GET("/ws", websocketHandler(svc.Hub, svc.KeepAlive, svc.Origins, logger))
	e.GET("/ws/status", websocketStatus(svc.Hub))
	e.GET("/healthz", healthz(svc.Health, logger))
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func healthz(store HealthChecker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if store == nil {
			return c.JSON(http.StatusOK, healthResponse{Status: "healthy", Database: "unknown"})
		}
		if err := store.Ping(c.Request().Context()); err != nil {
			logger.WithFields(log.Fields{"error": err.Error()}).Error("health check failed")
			return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Database: "disconnected"})
		}
		return c.JSON(http.StatusOK, healthResponse{Status: "healthy", Database: "connected"})
	}
}

func listTasks(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		verr := &domain.ValidationError{}
		f := domain.TaskFilter{Status: strings.TrimSpace(c.QueryParam("status"))}
		f.Limit = queryInt(c, "limit", verr)
		f.Offset = queryInt(c, "offset", verr)
		if err := verr.OrNil(); err != nil {
			return writeError(c, err, "")
		}

		var list []domain.Task
		err := observe(c, func() (err error) {
			list, err = tasks.List(c.Request().Context(), f)
			return err
		})
		if err != nil {
			return writeError(c, err, "")
		}
		metricsFrom(c).SetResultCount(len(list))
		if list == nil {
			list = []domain.Task{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func getTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return writeError(c, err, "")
		}
		var task domain.Task
		err = observe(c, func() (err error) {
			task, err = tasks.Get(c.Request().Context(), id)
			return err
		})
		if err != nil {
			return writeError(c, err, detailTaskNotFound)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func taskHistory(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return writeError(c, err, "")
		}
		var entries []domain.AuditEntry
		err = observe(c, func() (err error) {
			entries, err = tasks.History(c.Request().Context(), id)
			return err
		})
		if err != nil {
			return writeError(c, err, detailTaskNotFound)
		}
		metricsFrom(c).SetResultCount(len(entries))
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		return c.JSON(http.StatusOK, entries)
	}
}

func createTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in service.TaskInput
		if err := decodeBody(c, &in); err != nil {
			return writeError(c, domain.NewValidationError("body", "invalid JSON body"), "")
		}
		var task domain.Task
		err := observe(c, func() (err error) {
			task, err = tasks.Create(c.Request().Context(), identityFrom(c), in)
			return err
		})
		if err != nil {
			return writeError(c, err, "")
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return writeError(c, err, "")
		}
		var patch service.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return writeError(c, domain.NewValidationError("body", "invalid JSON body"), "")
		}
		var task domain.Task
		err = observe(c, func() (err error) {
			task, err = tasks.Update(c.Request().Context(), identityFrom(c), id, patch)
			return err
		})
		if err != nil {
			return writeError(c, err, detailTaskNotFound)
		}
		return c.JSON(http.StatusOK, task)
	}
}

type moveResponse struct {
	Message string      `json:"message"`
	Task    domain.Task `json:"task"`
}

func moveTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return writeError(c, err, "")
		}
		verr := &domain.ValidationError{}
		status := strings.TrimSpace(c.QueryParam("new_status"))
		if status == "" {
			verr.Add("new_status", "field required")
		}
		var priority *int
		if c.QueryParam("new_priority") != "" {
			p := queryInt(c, "new_priority", verr)
			priority = &p
		}
		if err := verr.OrNil(); err != nil {
			return writeError(c, err, "")
		}

		var task domain.Task
		err = observe(c, func() (err error) {
			task, err = tasks.Move(c.Request().Context(), identityFrom(c), id, status, priority)
			return err
		})
		if err != nil {
			return writeError(c, err, detailTaskNotFound)
		}
		return c.JSON(http.StatusOK, moveResponse{Message: "Task moved successfully", Task: task})
	}
}

func deleteTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return writeError(c, err, "")
		}
		err = observe(c, func() error {
			_, err := tasks.Delete(c.Request().Context(), identityFrom(c), id)
			return err
		})
		if err != nil {
			return writeError(c, err, detailTaskNotFound)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Task deleted successfully"})
	}
}

func clearDone(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var res service.ClearResult
		err := observe(c, func() (err error) {
			res, err = tasks.ClearDone(c.Request().Context(), identityFrom(c))
			return err
		})
		if err != nil {
			return writeError(c, err, "")
		}
		metricsFrom(c).SetResultCount(res.DeletedCount)
		return c.JSON(http.StatusOK, res)
	}
}

func exportTasks(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		format := strings.ToLower(strings.TrimSpace(c.QueryParam("format")))
		if format == "" {
			format = service.ExportJSON
		}
		var (
			data  []byte
			ctype string
		)
		err := observe(c, func() (err error) {
			data, ctype, err = tasks.Export(c.Request().Context(), identityFrom(c).UserID, format)
			return err
		})
		if err != nil {
			return writeError(c, err, "")
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="tasks.`+format+`"`)
		return c.Blob(http.StatusOK, ctype, data)
	}
}

func taskStats(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var owner *int64
		if mine, _ := strconv.ParseBool(c.QueryParam("mine")); mine {
			id := identityFrom(c).UserID
			owner = &id
		}
		var stats service.Stats
		err := observe(c, func() (err error) {
			stats, err = tasks.Stats(c.Request().Context(), owner)
			return err
		})
		if err != nil {
			return writeError(c, err, "")
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func guestTaskStatus(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var status domain.PublicStatus
		err := observe(c, func() (err error) {
			status, err = tasks.Lookup(c.Request().Context(), c.Param("custom_id"))
			return err
		})
		if err != nil {
			return writeError(c, err, detailGuestNotFound)
		}
		return c.JSON(http.StatusOK, status)
	}
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, domain.NewValidationError("id", "value is not a valid integer")
	}
	return id, nil
}

func queryInt(c echo.Context, name string, verr *domain.ValidationError) int {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(name, "value is not a valid integer")
		return 0
	}
	return n
}
