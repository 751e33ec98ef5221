package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/addressbook"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
	"github.com/medledger/medledger/pkg/pagination"
)

type Handler struct {
	svc *RecordService
}

func NewHandler(svc *RecordService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Any registered party
	anyGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor, auth.RolePatient))
	anyGroup.GET("/doctors", h.ListDoctors)
	anyGroup.GET("/patients", h.ListPatients)
	anyGroup.GET("/audit", h.ListAudit)
	anyGroup.GET("/audit/recent", h.RecentActivity)
	anyGroup.GET("/audit/export", h.ExportAudit)
	anyGroup.GET("/audit/proof/:seq", h.AuditProof)

	// Admin
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/admin/doctors", h.RegisterDoctor)
	adminGroup.POST("/admin/patients", h.RegisterPatient)
	adminGroup.GET("/admin/stats", h.Stats)
	adminGroup.GET("/audit/verify", h.VerifyAudit)

	// Record reads: the patient or an authorized doctor
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient))
	readGroup.GET("/patients/:patient/records", h.ListRecords)
	readGroup.GET("/patients/:patient/records/:cid/history", h.RecordHistory)
	readGroup.GET("/patients/:patient/records/:cid/content", h.RecordContent)
	readGroup.GET("/patients/:patient/access/:doctor", h.IsAuthorized)

	// Record writes
	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/patients/:patient/records", h.UploadRecord)
	doctorGroup.PUT("/patients/:patient/records/:cid", h.UpdateRecord)

	// Access changes
	patientGroup := api.Group("", auth.RequireRole(auth.RolePatient))
	patientGroup.POST("/patients/:patient/access/:doctor", h.GrantAccess)
	patientGroup.DELETE("/patients/:patient/access/:doctor", h.RevokeAccess)

	doctorAdmin := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	doctorAdmin.GET("/doctors/:doctor/patients", h.AuthorizedPatients)
}

// statusFor maps use-case errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAuthorization):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, blobstore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, records.ErrRecordNotFound),
		errors.Is(err, blobstore.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, addressbook.ErrPartyNotFound):
		return http.StatusNotFound
	case errors.Is(err, records.ErrInvalidUpload),
		errors.Is(err, addressbook.ErrInvalidParty),
		errors.Is(err, blobstore.ErrEmptyContent),
		errors.Is(err, identity.ErrInvalidAddress),
		errors.Is(err, audit.ErrUnknownAction):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func queryError(err error) error {
	return echo.NewHTTPError(statusFor(err), err.Error())
}

func respondResult(c echo.Context, okStatus int, res Result) error {
	if res.Success {
		return c.JSON(okStatus, res)
	}
	return c.JSON(statusFor(res.Err), res)
}

// -- Registration --

type registerRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (h *Handler) RegisterDoctor(c echo.Context) error {
	return h.register(c, addressbook.RoleDoctor)
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	return h.register(c, addressbook.RolePatient)
}

func (h *Handler) register(c echo.Context, role addressbook.Role) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res := h.svc.Register(c.Request().Context(), nil, role, req.Address, req.Name)
	return respondResult(c, http.StatusCreated, res)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	return h.listParties(c, addressbook.RoleDoctor)
}

func (h *Handler) ListPatients(c echo.Context) error {
	return h.listParties(c, addressbook.RolePatient)
}

func (h *Handler) listParties(c echo.Context, role addressbook.Role) error {
	parties, err := h.svc.Parties(c.Request().Context(), nil, role)
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, parties)
}

// -- Records --

func readUpload(c echo.Context) (records.Upload, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return records.Upload{}, echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return records.Upload{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, blobstore.MaxFileSize+1))
	if err != nil {
		return records.Upload{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	mime := c.FormValue("mime_type")
	if mime == "" {
		mime = fh.Header.Get("Content-Type")
	}
	return records.Upload{
		Data:        data,
		MimeType:    mime,
		FileName:    fh.Filename,
		Title:       c.FormValue("title"),
		Description: c.FormValue("description"),
	}, nil
}

func (h *Handler) UploadRecord(c echo.Context) error {
	up, err := readUpload(c)
	if err != nil {
		return err
	}
	res := h.svc.UploadRecord(c.Request().Context(), nil, c.Param("patient"), up)
	return respondResult(c, http.StatusCreated, res)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	up, err := readUpload(c)
	if err != nil {
		return err
	}
	res := h.svc.UpdateRecord(c.Request().Context(), nil, c.Param("patient"), c.Param("cid"), up)
	return respondResult(c, http.StatusCreated, res)
}

// ListRecords returns every version, or with ?current=true only the
// versions nothing supersedes. ?doctor= narrows to one author.
func (h *Handler) ListRecords(c echo.Context) error {
	ctx := c.Request().Context()
	patient := c.Param("patient")

	var (
		list []*records.MedicalRecord
		err  error
	)
	switch {
	case c.QueryParam("doctor") != "":
		list, err = h.svc.ListForDoctor(ctx, nil, patient, c.QueryParam("doctor"))
	case c.QueryParam("current") == "true":
		list, err = h.svc.CurrentVersions(ctx, nil, patient)
	default:
		list, err = h.svc.ListForPatient(ctx, nil, patient)
	}
	if err != nil {
		return queryError(err)
	}
	if list == nil {
		list = []*records.MedicalRecord{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) RecordHistory(c echo.Context) error {
	chain, err := h.svc.ResolveChain(c.Request().Context(), nil, c.Param("patient"), c.Param("cid"))
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, chain)
}

func (h *Handler) RecordContent(c echo.Context) error {
	rec, data, err := h.svc.FetchContent(c.Request().Context(), nil, c.Param("patient"), c.Param("cid"))
	if err != nil {
		return queryError(err)
	}
	if rec.FileName != "" {
		c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, rec.FileName))
	}
	return c.Blob(http.StatusOK, rec.MimeType, data)
}

// -- Access --

func (h *Handler) GrantAccess(c echo.Context) error {
	res := h.svc.GrantAccess(c.Request().Context(), nil, c.Param("doctor"), c.Param("patient"))
	return respondResult(c, http.StatusOK, res)
}

func (h *Handler) RevokeAccess(c echo.Context) error {
	res := h.svc.RevokeAccess(c.Request().Context(), nil, c.Param("doctor"), c.Param("patient"))
	return respondResult(c, http.StatusOK, res)
}

func (h *Handler) IsAuthorized(c echo.Context) error {
	doctor, patient := c.Param("doctor"), c.Param("patient")
	ok, err := h.svc.IsAuthorized(c.Request().Context(), nil, doctor, patient)
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, access.Edge{Doctor: doctor, Patient: patient, Granted: ok})
}

func (h *Handler) AuthorizedPatients(c echo.Context) error {
	views, err := h.svc.AuthorizedPatients(c.Request().Context(), nil, c.Param("doctor"))
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, views)
}

// -- Audit --

func (h *Handler) ListAudit(c echo.Context) error {
	entries, err := h.svc.AuditTrail(c.Request().Context(), nil)
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(entries, pagination.FromContext(c)))
}

func (h *Handler) RecentActivity(c echo.Context) error {
	lines, err := h.svc.RecentActivity(c.Request().Context(), nil)
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, lines)
}

func (h *Handler) ExportAudit(c echo.Context) error {
	var buf strings.Builder
	if err := h.svc.ExportAudit(c.Request().Context(), nil, &buf); err != nil {
		return queryError(err)
	}
	c.Response().Header().Set("Content-Disposition", `attachment; filename="audit_trail.txt"`)
	return c.String(http.StatusOK, buf.String())
}

func (h *Handler) VerifyAudit(c echo.Context) error {
	res, err := h.svc.VerifyAudit(c.Request().Context(), nil)
	if err != nil {
		return queryError(err)
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	return c.JSON(status, res)
}

func (h *Handler) AuditProof(c echo.Context) error {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid seq")
	}
	proof, err := h.svc.AuditProof(c.Request().Context(), nil, seq)
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, proof)
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context(), nil)
	if err != nil {
		return queryError(err)
	}
	return c.JSON(http.StatusOK, st)
}
