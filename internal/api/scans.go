package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/scanning"
)

// createScanRequest is the payload for creating a run from a profile.
type createScanRequest struct {
	ProfileID   string `json:"profile_id" validate:"required"`
	RequestedBy string `json:"requested_by" validate:"required"`
}

// inspectRequest carries the human-selected inspection targets. Credentials
// pass through to the inspection collector and are never persisted.
type inspectRequest struct {
	Targets []inspectTargetRequest `json:"targets" validate:"dive"`
}

type inspectTargetRequest struct {
	Host        string             `json:"host" validate:"required"`
	Port        int                `json:"port" validate:"required,min=1,max=65535"`
	Engine      string             `json:"engine" validate:"required"`
	Database    string             `json:"database,omitempty"`
	Credentials credentialsRequest `json:"credentials"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// scanView is the external representation of a run.
type scanView struct {
	ID               string               `json:"id"`
	ProfileID        string               `json:"profile_id"`
	ProfileName      string               `json:"profile_name"`
	RequestedBy      string               `json:"requested_by"`
	Status           string               `json:"status"`
	Phases           map[string]phaseView `json:"phases"`
	TotalDiscoveries int                  `json:"total_discoveries"`
	ErrorMessage     string               `json:"error_message,omitempty"`
	StartedAt        *time.Time           `json:"started_at,omitempty"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	LastUpdate       time.Time            `json:"last_update"`

	Collectors []collectorView `json:"collectors,omitempty"`
}

type phaseView struct {
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	DiscoveryCount int    `json:"discovery_count"`
}

type collectorView struct {
	Collector      string     `json:"collector"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	DiscoveryCount int        `json:"discovery_count"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func newScanView(run *scanning.ScanRun, collectors []*scanning.CollectorState) scanView {
	phases := make(map[string]phaseView, 4)
	for phase, state := range run.Phases() {
		phases[string(phase)] = phaseView{
			Status:         string(state.Status),
			Progress:       state.Progress,
			DiscoveryCount: state.DiscoveryCount,
		}
	}

	view := scanView{
		ID:               run.ID().String(),
		ProfileID:        run.Profile().ProfileID,
		ProfileName:      run.Profile().Name,
		RequestedBy:      run.RequestedBy(),
		Status:           run.Status().String(),
		Phases:           phases,
		TotalDiscoveries: run.TotalDiscoveries(),
		ErrorMessage:     run.ErrorMessage(),
		StartedAt:        viewTime(run.StartedAt()),
		CompletedAt:      viewTime(run.CompletedAt()),
		LastUpdate:       run.LastUpdate(),
	}

	for _, c := range collectors {
		view.Collectors = append(view.Collectors, collectorView{
			Collector:      c.Collector(),
			Status:         c.Status().String(),
			Progress:       c.Progress(),
			DiscoveryCount: c.DiscoveryCount(),
			ErrorMessage:   c.ErrorMessage(),
			StartedAt:      viewTime(c.StartedAt()),
			CompletedAt:    viewTime(c.CompletedAt()),
		})
	}

	return view
}

func viewTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.scans.CreateScan(r.Context(), req.ProfileID, req.RequestedBy)
	if err != nil {
		s.logger.Error(r.Context(), "failed to create scan", "error", err, "profile_id", req.ProfileID)
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusCreated, newScanView(run, nil))
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	if offset < 0 {
		respondError(w, http.StatusBadRequest, "offset must not be negative")
		return
	}

	runs, err := s.scans.ListScans(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error(r.Context(), "failed to list scans", "error", err)
		respondDomainError(w, err)
		return
	}

	views := make([]scanView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newScanView(run, nil))
	}
	respond(w, http.StatusOK, struct {
		Scans []scanView `json:"scans"`
	}{Scans: views})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}

	run, collectors, err := s.scans.GetScan(r.Context(), scanID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusOK, newScanView(run, collectors))
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}

	if err := s.scans.StartScan(r.Context(), scanID); err != nil {
		s.logger.Error(r.Context(), "failed to start scan", "error", err, "scan_id", scanID)
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusAccepted, struct {
		ID string `json:"id"`
	}{ID: scanID.String()})
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}

	if err := s.scans.StopScan(r.Context(), scanID); err != nil {
		s.logger.Error(r.Context(), "failed to stop scan", "error", err, "scan_id", scanID)
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusAccepted, struct {
		ID string `json:"id"`
	}{ID: scanID.String()})
}

func (s *Server) handleTriggerInspection(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}

	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	targets := make([]scanning.InspectionTarget, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, scanning.InspectionTarget{
			Host:     t.Host,
			Port:     t.Port,
			Engine:   t.Engine,
			Database: t.Database,
			Credentials: scanning.InspectionCredentials{
				Username: t.Credentials.Username,
				Password: t.Credentials.Password,
			},
		})
	}

	if err := s.scans.TriggerInspection(r.Context(), scanID, targets); err != nil {
		s.logger.Error(r.Context(), "failed to trigger inspection",
			"error", err, "scan_id", scanID, "target_count", len(targets))
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusAccepted, struct {
		ID          string `json:"id"`
		TargetCount int    `json:"target_count"`
	}{ID: scanID.String(), TargetCount: len(targets)})
}

func scanIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	scanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid scan id")
		return uuid.Nil, false
	}
	return scanID, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
