package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
	"taskboard/service"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func register(accounts AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var r service.Registration
		if err := decodeBody(c, &r); err != nil {
			return writeError(c, domain.NewValidationError("body", "invalid JSON body"), "")
		}
		var user domain.User
		err := observe(c, func() (err error) {
			user, err = accounts.Register(c.Request().Context(), r)
			return err
		})
		if err != nil {
			return writeError(c, err, "")
		}
		return c.JSON(http.StatusCreated, user)
	}
}

// login accepts either an OAuth2 password form or a JSON body.
func login(accounts AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var creds credentials
		ctype := c.Request().Header.Get(echo.HeaderContentType)
		if strings.HasPrefix(ctype, echo.MIMEApplicationForm) || strings.HasPrefix(ctype, echo.MIMEMultipartForm) {
			creds.Username = c.FormValue("username")
			creds.Password = c.FormValue("password")
		} else if err := decodeBody(c, &creds); err != nil {
			return writeError(c, domain.NewValidationError("body", "invalid JSON body"), "")
		}
		verr := &domain.ValidationError{}
		if creds.Username == "" {
			verr.Add("username", "field required")
		}
		if creds.Password == "" {
			verr.Add("password", "field required")
		}
		if err := verr.OrNil(); err != nil {
			return writeError(c, err, "")
		}

		client := service.ClientInfo{UserAgent: c.Request().UserAgent(), IPAddress: c.RealIP()}
		var res service.LoginResult
		err := observe(c, func() (err error) {
			res, err = accounts.Login(c.Request().Context(), creds.Username, creds.Password, client)
			return err
		})
		if err != nil {
			metricsFrom(c).SetErrorStage("auth")
			return writeError(c, err, "")
		}
		metricsFrom(c).SetUser(res.User.ID)
		return c.JSON(http.StatusOK, res)
	}
}

func logout(accounts AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := observe(c, func() error {
			return accounts.Logout(c.Request().Context(), identityFrom(c).UserID)
		})
		if err != nil {
			return writeError(c, err, "")
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Successfully logged out"})
	}
}

func me(accounts AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := accounts.Me(c.Request().Context(), identityFrom(c).UserID)
		if err != nil {
			return writeError(c, err, "User not found")
		}
		return c.JSON(http.StatusOK, user)
	}
}

func listSessions(accounts AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions, err := accounts.Sessions(c.Request().Context(), identityFrom(c).UserID)
		if err != nil {
			return writeError(c, err, "")
		}
		metricsFrom(c).SetResultCount(len(sessions))
		if sessions == nil {
			sessions = []domain.Session{}
		}
		return c.JSON(http.StatusOK, sessions)
	}
}

func deleteSession(accounts AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return writeError(c, domain.NewValidationError("session_id", "value is not a valid integer"), "")
		}
		if err := accounts.RevokeSession(c.Request().Context(), identityFrom(c).UserID, id); err != nil {
			return writeError(c, err, detailSessionNotFound)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Session deleted successfully"})
	}
}

func refresh(accounts AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		tok, err := accounts.Refresh(c.Request().Context(), identityFrom(c).UserID)
		if err != nil {
			return writeError(c, err, "User not found")
		}
		return c.JSON(http.StatusOK, tok)
	}
}
