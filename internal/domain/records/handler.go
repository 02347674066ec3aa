package records

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medisync/medisync/internal/platform/auth"
	"github.com/medisync/medisync/internal/platform/docstore"
	"github.com/medisync/medisync/pkg/pagination"
)

// Handler provides the HTTP surface of the record store.
type Handler struct {
	svc *Service
}

// NewHandler creates a records handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all record routes under api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("patient", "doctor", "admin")
	g := api.Group("/records", role)

	g.POST("/medical-history", h.CreateMedicalHistory)
	g.POST("/prescription", h.CreatePrescription)
	g.POST("/lab-report", h.CreateLabReport)
	g.POST("/resolve-conflict", h.ResolveConflict)
	g.GET("", h.ListRecords)
	g.GET("/sync/pending", h.ListPendingSync)
	g.GET("/:id", h.GetRecord)
	g.PUT("/:id", h.UpdateRecord)
	g.DELETE("/:id", h.DeleteRecord)
	g.GET("/:id/audit", h.AuditTrail)
}

// Create request bodies are the payload fields flattened together with the
// versioning envelope, matching what offline clients queue locally.

type medicalHistoryCreateRequest struct {
	MedicalHistoryPayload
	ClientVersion int64  `json:"client_version"`
	SyncStatus    string `json:"sync_status,omitempty"`
}

type prescriptionCreateRequest struct {
	PrescriptionPayload
	ClientVersion int64  `json:"client_version"`
	SyncStatus    string `json:"sync_status,omitempty"`
}

type labReportCreateRequest struct {
	LabReportPayload
	ClientVersion int64  `json:"client_version"`
	SyncStatus    string `json:"sync_status,omitempty"`
}

type resolveConflictRequest struct {
	RecordID      string                 `json:"record_id"`
	ChosenVersion int64                  `json:"chosen_version"`
	ResolvedData  map[string]interface{} `json:"resolved_data"`
}

func (h *Handler) CreateMedicalHistory(c echo.Context) error {
	var req medicalHistoryCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ownerID := auth.UserIDFromContext(c.Request().Context())
	rec, conflict, err := h.svc.Create(c.Request().Context(), CreateParams{
		OwnerID:       ownerID,
		CreatedBy:     ownerID,
		Payload:       req.MedicalHistoryPayload,
		ClientVersion: req.ClientVersion,
		SyncStatus:    SyncStatus(req.SyncStatus),
	})
	return h.respondCreate(c, rec, conflict, err)
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var req prescriptionCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ownerID := auth.UserIDFromContext(c.Request().Context())
	createdBy := req.DoctorID
	if createdBy == "" {
		createdBy = ownerID
	}
	rec, conflict, err := h.svc.Create(c.Request().Context(), CreateParams{
		OwnerID:       ownerID,
		CreatedBy:     createdBy,
		Payload:       req.PrescriptionPayload,
		ClientVersion: req.ClientVersion,
		SyncStatus:    SyncStatus(req.SyncStatus),
	})
	return h.respondCreate(c, rec, conflict, err)
}

func (h *Handler) CreateLabReport(c echo.Context) error {
	var req labReportCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ownerID := auth.UserIDFromContext(c.Request().Context())
	rec, conflict, err := h.svc.Create(c.Request().Context(), CreateParams{
		OwnerID:       ownerID,
		CreatedBy:     ownerID,
		Payload:       req.LabReportPayload,
		ClientVersion: req.ClientVersion,
		SyncStatus:    SyncStatus(req.SyncStatus),
	})
	return h.respondCreate(c, rec, conflict, err)
}

func (h *Handler) respondCreate(c echo.Context, rec *HealthRecord, conflict *Conflict, err error) error {
	if err != nil {
		return httpError(err)
	}
	if conflict != nil {
		return c.JSON(http.StatusConflict, conflict)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	callerID := auth.UserIDFromContext(c.Request().Context())
	rec, err := h.svc.Get(c.Request().Context(), c.Param("id"), callerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := ListParams{
		OwnerID:  auth.UserIDFromContext(c.Request().Context()),
		Page:     pg.Page,
		PageSize: pg.PageSize,
	}
	if t := c.QueryParam("type"); t != "" {
		recordType, err := ParseRecordType(t)
		if err != nil {
			return httpError(err)
		}
		params.RecordType = recordType
	}
	if v := c.QueryParam("include_deleted"); v != "" {
		included, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid include_deleted")
		}
		params.IncludeDeleted = included
	}

	recs, total, err := h.svc.List(c.Request().Context(), params)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg))
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	clientVersion, err := strconv.ParseInt(c.QueryParam("client_version"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "client_version is required")
	}

	var patch map[string]interface{}
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	callerID := auth.UserIDFromContext(c.Request().Context())
	rec, conflict, err := h.svc.Update(c.Request().Context(), c.Param("id"), callerID, patch, clientVersion)
	if err != nil {
		return httpError(err)
	}
	if conflict != nil {
		return c.JSON(http.StatusConflict, conflict)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	soft := true
	if v := c.QueryParam("soft_delete"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid soft_delete")
		}
		soft = parsed
	}

	callerID := auth.UserIDFromContext(c.Request().Context())
	deleted, err := h.svc.Delete(c.Request().Context(), c.Param("id"), callerID, soft)
	if err != nil {
		return httpError(err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "record deleted"})
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	var req resolveConflictRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	callerID := auth.UserIDFromContext(c.Request().Context())
	rec, err := h.svc.ResolveConflict(c.Request().Context(), callerID, ResolveParams{
		RecordID:      req.RecordID,
		ChosenVersion: req.ChosenVersion,
		ResolvedData:  req.ResolvedData,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListPendingSync(c echo.Context) error {
	ownerID := auth.UserIDFromContext(c.Request().Context())
	recs, err := h.svc.ListPendingSync(c.Request().Context(), ownerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, recs)
}

func (h *Handler) AuditTrail(c echo.Context) error {
	ctx := c.Request().Context()
	callerID := auth.UserIDFromContext(ctx)

	entries, err := h.svc.AuditTrail(ctx, c.Param("id"), callerID, auth.IsAdmin(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// httpError maps domain results onto transport errors. NotFound covers
// foreign-owner access too, so nothing here can leak record existence.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case docstore.IsTransient(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record store temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
