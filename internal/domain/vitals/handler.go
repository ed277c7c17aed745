package vitals

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	self := api.Group("", auth.RequireRole("patient", "clinician"))
	self.GET("/vitals/latest", h.LatestSelf)

	clinician := api.Group("", auth.RequireRole("clinician"))
	clinician.GET("/patients/:id/vitals", h.History)
}

// LatestSelf serves the caller's own live reading for one kind.
func (h *Handler) LatestSelf(c echo.Context) error {
	userID, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown caller identity")
	}
	kind, ok := ParseKind(c.QueryParam("kind"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
	}
	snap, err := h.svc.Latest(c.Request().Context(), userID, kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no reading recorded")
	}
	return c.JSON(http.StatusOK, snap)
}

// History lists a patient's measurement records for clinicians.
func (h *Handler) History(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var kind *Kind
	if q := c.QueryParam("kind"); q != "" {
		k, ok := ParseKind(q)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
		}
		kind = &k
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), patientID, kind, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
