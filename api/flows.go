package api

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"arcflow.dev/auth"
	"arcflow.dev/errcode"
	"arcflow.dev/flow"
)

// FlowAPI serves the flow CRUD over HTTP. It is a thin shell around
// the flow manager: validation, versioning and cache behavior live
// there, identical for REST and websocket mutations.
type FlowAPI struct {
	manager *flow.Manager
}

// Mount registers the flow routes on an authenticated group.
func (a *FlowAPI) Mount(g *echo.Group) {
	g.POST("/flows", a.create)
	g.GET("/flows/:id", a.get)
	g.PUT("/flows/:id", a.update)
	g.DELETE("/flows/:id", a.remove)
	g.GET("/flows/:id/versions", a.versions)
}

// jwtMiddleware verifies bearer tokens with the shared HS256 key and
// parses the arcflow claims.
func jwtMiddleware(tokens *auth.TokenService) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    tokens.Secret(),
		SigningMethod: "HS256",
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return new(auth.Claims)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return errcode.New(errcode.AuthFailed, "authentication failed")
		},
	})
}

func claimsFrom(c echo.Context) (*auth.Claims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil, errcode.New(errcode.AuthFailed, "authentication failed")
	}
	claims, ok := token.Claims.(*auth.Claims)
	if !ok || claims.UserID == "" {
		return nil, errcode.New(errcode.AuthFailed, "authentication failed")
	}
	return claims, nil
}

type createFlowRequest struct {
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
	Template    string `json:"template"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *FlowAPI) create(c echo.Context) error {
	claims, err := claimsFrom(c)
	if err != nil {
		return err
	}

	var req createFlowRequest
	if err := c.Bind(&req); err != nil {
		return errcode.New(errcode.Validation, "malformed request body")
	}
	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = claims.WorkspaceID
	}

	created, err := a.manager.CreateFlow(c.Request().Context(), flow.CreateParams{
		ProjectID:   req.ProjectID,
		WorkspaceID: workspaceID,
		Template:    req.Template,
		Name:        req.Name,
		Description: req.Description,
		UserID:      claims.UserID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (a *FlowAPI) get(c echo.Context) error {
	if _, err := claimsFrom(c); err != nil {
		return err
	}
	f, err := a.manager.GetFlow(c.Request().Context(), c.Param("id"), flow.Filter{
		ProjectID:   c.QueryParam("projectId"),
		WorkspaceID: c.QueryParam("workspaceId"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

type updateFlowRequest struct {
	Transactions []flow.Transaction `json:"transactions"`
}

func (a *FlowAPI) update(c echo.Context) error {
	claims, err := claimsFrom(c)
	if err != nil {
		return err
	}

	var req updateFlowRequest
	if err := c.Bind(&req); err != nil {
		return errcode.New(errcode.Validation, "malformed request body")
	}

	updated, err := a.manager.UpdateFlow(c.Request().Context(), c.Param("id"), req.Transactions, claims.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (a *FlowAPI) remove(c echo.Context) error {
	claims, err := claimsFrom(c)
	if err != nil {
		return err
	}
	if err := a.manager.DeleteFlow(c.Request().Context(), c.Param("id"), claims.UserID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *FlowAPI) versions(c echo.Context) error {
	if _, err := claimsFrom(c); err != nil {
		return err
	}
	versions, err := a.manager.ListVersions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, versions)
}
