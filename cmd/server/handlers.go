package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/config"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/lock"
	"github.com/Simplici0/bomcost/internal/report"
	"github.com/Simplici0/bomcost/internal/rollup"
	"github.com/Simplici0/bomcost/internal/store"
)

const maxBodyBytes = 1 << 20

type server struct {
	svc    *rollup.Service
	logger logrus.FieldLogger
}

type nodeRequest struct {
	ParentID string `json:"parent_id"`
	Name     string `json:"name"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) routes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Post("/calculate/{category}", s.handleCalculate)

	r.Route("/nodes/{id}", func(r chi.Router) {
		r.Put("/", s.handleSaveNode)
		r.Delete("/", s.handleDeleteNode)
		r.Get("/aggregate", s.handleAggregate)
		r.Get("/rollup", s.handleRollup)
		r.Get("/rollup.xlsx", s.handleRollupXLSX)
		r.Get("/records/{category}", s.handleListRecords)
		r.Post("/records/{category}", s.handleCreateRecord)
		r.Put("/records/{category}/{recordID}", s.handleUpdateRecord)
	})
	r.Delete("/records/{recordID}", s.handleDeleteRecord)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeInput(w, r)
	if !ok {
		return
	}
	out, err := s.svc.Calculate(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSaveNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	n := bom.Node{ID: chi.URLParam(r, "id"), ParentID: req.ParentID, Name: req.Name}
	if err := s.svc.SaveNode(r.Context(), n); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteNode(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.svc.GetAggregate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *server) handleRollup(w http.ResponseWriter, r *http.Request) {
	lines, err := s.svc.Rollup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *server) handleRollupXLSX(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lines, err := s.svc.Rollup(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, lines); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="rollup-`+id+`.xlsx"`)
	_, _ = w.Write(buf.Bytes())
}

func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	category, err := costing.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	records, err := s.svc.Records(r.Context(), chi.URLParam(r, "id"), category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	s.upsertRecord(w, r, "", http.StatusCreated)
}

func (s *server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	s.upsertRecord(w, r, chi.URLParam(r, "recordID"), http.StatusOK)
}

func (s *server) upsertRecord(w http.ResponseWriter, r *http.Request, recordID string, status int) {
	in, ok := s.decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.svc.UpsertRecord(r.Context(), rollup.UpsertRequest{
		RecordID:  recordID,
		BOMItemID: chi.URLParam(r, "id"),
		Category:  in.Category(),
		Input:     in,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, res)
}

func (s *server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	agg, err := s.svc.DeleteRecord(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// decodeInput reads the body as the input of the {category} URL parameter.
// It writes the 400 response itself when it returns false.
func (s *server) decodeInput(w http.ResponseWriter, r *http.Request) (costing.Input, bool) {
	category, err := costing.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return nil, false
	}
	in, err := costing.DecodeInput(category, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return nil, false
	}
	return in, true
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *costing.ValidationError
		derr *costing.DomainError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, verr)
	case errors.As(err, &derr):
		writeJSON(w, http.StatusUnprocessableEntity, derr)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrConflict), errors.Is(err, bom.ErrCycle), errors.Is(err, bom.ErrDepthExceeded):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, rollup.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, lock.ErrNotObtained):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "node is busy, retry later"})
	default:
		config.LogError(s.logger, "server", "writeError", "request failed", map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
		}, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
