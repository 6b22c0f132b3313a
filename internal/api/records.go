package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/agrivision-core/internal/store"
)

// maxCheckLimit caps the history page size.
const maxCheckLimit = 500

// PositionView is a position with a summary of its history.
type PositionView struct {
	store.Position
	LastStage   string     `json:"last_stage,omitempty"`
	LastCheck   *time.Time `json:"last_check,omitempty"`
	LastWatered *time.Time `json:"last_watered,omitempty"`
}

// StageView is a stage config with periods in seconds.
type StageView struct {
	ID            int64   `json:"id"`
	Stage         string  `json:"stage"`
	FirstStage    bool    `json:"first_stage"`
	CheckPeriod   float64 `json:"check_period"`
	WaterPeriod   float64 `json:"water_period"`
	WaterDuration float64 `json:"water_duration"`
}

// handleListPositions lists monitored positions. ?all=true includes removed
// ones.
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"

	positions, err := s.store.QueryPositions(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("listing positions", "error", err)
		writeInternalError(w, "failed to list positions")
		return
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{Position: p}
		if last, err := s.store.QueryLastCheck(r.Context(), p.ID, false); err == nil {
			v.LastStage = last.Stage
			v.LastCheck = &last.CreatedAt
		} else if !errors.Is(err, store.ErrCheckNotFound) {
			s.logger.Error("querying last check", "position", p.ID, "error", err)
			writeInternalError(w, "failed to list positions")
			return
		}
		if last, err := s.store.QueryLastCheck(r.Context(), p.ID, true); err == nil {
			v.LastWatered = &last.CreatedAt
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"positions": views,
		"count":     len(views),
	})
}

// handleListChecks returns the newest checks of one position.
// ?limit=N bounds the page (default 50).
func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errX != nil || errY != nil {
		writeBadRequest(w, "x and y must be integers")
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCheckLimit)
	}

	pos, err := s.store.QueryPosition(r.Context(), x, y)
	if err != nil {
		if errors.Is(err, store.ErrPositionNotFound) {
			writeNotFound(w, "position not found")
			return
		}
		s.logger.Error("querying position", "x", x, "y", y, "error", err)
		writeInternalError(w, "failed to query position")
		return
	}

	checks, err := s.store.QueryChecks(r.Context(), pos.ID, limit)
	if err != nil {
		s.logger.Error("listing checks", "position", pos.ID, "error", err)
		writeInternalError(w, "failed to list checks")
		return
	}
	if checks == nil {
		checks = []store.CheckRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position": pos,
		"checks":   checks,
		"count":    len(checks),
	})
}

// handleGetCheck returns one check record.
func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "id must be an integer")
		return
	}

	rec, err := s.store.QueryCheck(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrCheckNotFound) {
			writeNotFound(w, "check not found")
			return
		}
		s.logger.Error("querying check", "id", id, "error", err)
		writeInternalError(w, "failed to query check")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListStages returns every stage config.
func (s *Server) handleListStages(w http.ResponseWriter, r *http.Request) {
	stages, err := s.store.QueryStages(r.Context())
	if err != nil {
		s.logger.Error("listing stages", "error", err)
		writeInternalError(w, "failed to list stages")
		return
	}

	views := make([]StageView, 0, len(stages))
	for _, st := range stages {
		views = append(views, StageView{
			ID:            st.ID,
			Stage:         st.Stage,
			FirstStage:    st.FirstStage,
			CheckPeriod:   st.CheckPeriod.Seconds(),
			WaterPeriod:   st.WaterPeriod.Seconds(),
			WaterDuration: st.WaterDuration.Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stages": views,
		"count":  len(views),
	})
}

// handleGetImage serves a stored annotated JPEG by its reference.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	img, err := s.store.QueryImage(r.Context(), ref)
	if err != nil {
		if errors.Is(err, store.ErrImageNotFound) {
			writeNotFound(w, "image not found")
			return
		}
		s.logger.Error("querying image", "ref", ref, "error", err)
		writeInternalError(w, "failed to load image")
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write; connection may be closed
	w.Write(img.Data)
}
