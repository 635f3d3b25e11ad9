// Package server exposes the inbound consent management API.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/tsromanox/openfinance-receptor/consent"
	"github.com/tsromanox/openfinance-receptor/idempotency"
	"github.com/tsromanox/openfinance-receptor/observability"
)

const (
	defaultPageSize = 25
	maxPageSize     = 1000
)

// Server serves the consent API.
type Server struct {
	consents *consent.Service
	idem     *idempotency.Store
	metrics  *observability.PipelineMetrics
	validate *validator.Validate
	logger   *slog.Logger
	baseURL  string
	now      func() time.Time
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBaseURL sets the absolute prefix used in links.
func WithBaseURL(url string) Option {
	return func(s *Server) {
		if url != "" {
			s.baseURL = url
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New wires the server.
func New(consents *consent.Service, idem *idempotency.Store, opts ...Option) *Server {
	s := &Server{
		consents: consents,
		idem:     idem,
		metrics:  observability.Pipeline(),
		validate: validator.New(),
		logger:   slog.Default(),
		baseURL:  "http://localhost:8080",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(interactionID)
	r.Use(requestMetrics(s.metrics))

	r.Route("/consents/v3/consents", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(idempotent(s.idem))
			r.Post("/", s.createConsent)
			r.Post("/{consentID}/extends", s.extendConsent)
		})
		r.Get("/{consentID}", s.getConsent)
		r.Delete("/{consentID}", s.deleteConsent)
		r.Get("/{consentID}/extensions", s.listExtensions)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

type createConsentData struct {
	ClientID           string   `json:"clientId" validate:"required"`
	OrganizationID     string   `json:"organizationId" validate:"required"`
	CustomerID         string   `json:"customerId"`
	Permissions        []string `json:"permissions" validate:"required,min=1,dive,required"`
	ExpirationDateTime *string  `json:"expirationDateTime"`
}

type createConsentRequest struct {
	Data createConsentData `json:"data" validate:"required"`
}

type extendConsentRequest struct {
	Data struct {
		ExpirationDateTime string `json:"expirationDateTime" validate:"required"`
		LoggedUserDocument string `json:"loggedUserDocument"`
	} `json:"data"`
}

type consentPayload struct {
	ConsentID            string                   `json:"consentId"`
	Status               string                   `json:"status"`
	Permissions          []string                 `json:"permissions"`
	CreationDateTime     time.Time                `json:"creationDateTime"`
	StatusUpdateDateTime time.Time                `json:"statusUpdateDateTime"`
	ExpirationDateTime   *time.Time               `json:"expirationDateTime,omitempty"`
	Rejection            *consent.RejectionReason `json:"rejection,omitempty"`
}

type meta struct {
	TotalRecords    int       `json:"totalRecords"`
	TotalPages      int       `json:"totalPages"`
	RequestDateTime time.Time `json:"requestDateTime"`
}

type links struct {
	Self  string `json:"self"`
	First string `json:"first,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
	Last  string `json:"last,omitempty"`
}

type consentResponse struct {
	Data  consentPayload `json:"data"`
	Links links          `json:"links"`
	Meta  meta           `json:"meta"`
}

func (s *Server) consentResponse(c *consent.Consent) consentResponse {
	perms := make([]string, len(c.Permissions))
	for i, p := range c.Permissions {
		perms[i] = string(p)
	}
	return consentResponse{
		Data: consentPayload{
			ConsentID:            c.ConsentID,
			Status:               string(c.Status),
			Permissions:          perms,
			CreationDateTime:     c.CreatedAt,
			StatusUpdateDateTime: c.StatusUpdatedAt,
			ExpirationDateTime:   c.ExpiresAt,
			Rejection:            c.RejectionReason,
		},
		Links: links{Self: fmt.Sprintf("%s/consents/v3/consents/%s", s.baseURL, c.ConsentID)},
		Meta:  meta{TotalRecords: 1, TotalPages: 1, RequestDateTime: s.now().UTC()},
	}
}

func (s *Server) decodeAndValidate(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return &consent.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	if err := s.validate.Struct(into); err != nil {
		return &consent.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) createConsent(w http.ResponseWriter, r *http.Request) {
	var req createConsentRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	perms := make([]consent.Permission, len(req.Data.Permissions))
	for i, p := range req.Data.Permissions {
		perms[i] = consent.Permission(p)
	}
	var expiresAt *time.Time
	if req.Data.ExpirationDateTime != nil {
		parsed, err := time.Parse(time.RFC3339, *req.Data.ExpirationDateTime)
		if err != nil {
			writeError(w, &consent.ValidationError{Field: "expirationDateTime", Reason: "must be RFC 3339"})
			return
		}
		expiresAt = &parsed
	}
	c, err := s.consents.Create(r.Context(), req.Data.ClientID, req.Data.OrganizationID, req.Data.CustomerID, perms, expiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordConsentTransition(string(c.Status))
	writeJSON(w, http.StatusCreated, s.consentResponse(c))
}

func (s *Server) getConsent(w http.ResponseWriter, r *http.Request) {
	c, err := s.consents.Get(r.Context(), chi.URLParam(r, "consentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.consentResponse(c))
}

// deleteConsent revokes an authorised consent, or rejects one still awaiting
// authorisation.
func (s *Server) deleteConsent(w http.ResponseWriter, r *http.Request) {
	consentID := chi.URLParam(r, "consentID")
	current, err := s.consents.Get(r.Context(), consentID)
	if err != nil {
		writeError(w, err)
		return
	}
	reason := &consent.RejectionReason{Code: "CUSTOMER_MANUALLY_REVOKED"}
	var c *consent.Consent
	if current.Status == consent.StatusAwaitingAuthorisation {
		reason.Code = "CUSTOMER_MANUALLY_REJECTED"
		c, err = s.consents.Reject(r.Context(), consentID, reason)
	} else {
		c, err = s.consents.Revoke(r.Context(), consentID, reason)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordConsentTransition(string(c.Status))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) extendConsent(w http.ResponseWriter, r *http.Request) {
	var req extendConsentRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.Data.ExpirationDateTime)
	if err != nil {
		writeError(w, &consent.ValidationError{Field: "expirationDateTime", Reason: "must be RFC 3339"})
		return
	}
	c, err := s.consents.Extend(r.Context(), chi.URLParam(r, "consentID"), expiresAt, req.Data.LoggedUserDocument)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.consentResponse(c))
}

type extensionPayload struct {
	ExpirationDateTime         *time.Time `json:"expirationDateTime"`
	PreviousExpirationDateTime *time.Time `json:"previousExpirationDateTime,omitempty"`
	LoggedUserDocument         string     `json:"loggedUserDocument,omitempty"`
	RequestDateTime            time.Time  `json:"requestDateTime"`
}

type extensionsResponse struct {
	Data  []extensionPayload `json:"data"`
	Links links              `json:"links"`
	Meta  meta               `json:"meta"`
}

func (s *Server) listExtensions(w http.ResponseWriter, r *http.Request) {
	consentID := chi.URLParam(r, "consentID")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page-size", defaultPageSize)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	exts, total, err := s.consents.Extensions(r.Context(), consentID, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	payloads := make([]extensionPayload, len(exts))
	for i, ext := range exts {
		payloads[i] = extensionPayload{
			ExpirationDateTime:         ext.ExpiresAt,
			PreviousExpirationDateTime: ext.PreviousExpiresAt,
			LoggedUserDocument:         ext.LoggedUserDocument,
			RequestDateTime:            ext.RequestedAt,
		}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if totalPages < 1 {
		totalPages = 1
	}
	base := fmt.Sprintf("%s/consents/v3/consents/%s/extensions", s.baseURL, consentID)
	pageLink := func(p int) string {
		return fmt.Sprintf("%s?page=%d&page-size=%d", base, p, pageSize)
	}
	lks := links{
		Self:  pageLink(page),
		First: pageLink(1),
		Last:  pageLink(totalPages),
	}
	if page > 1 {
		lks.Prev = pageLink(page - 1)
	}
	if page < totalPages {
		lks.Next = pageLink(page + 1)
	}
	writeJSON(w, http.StatusOK, extensionsResponse{
		Data:  payloads,
		Links: lks,
		Meta:  meta{TotalRecords: int(total), TotalPages: totalPages, RequestDateTime: s.now().UTC()},
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
