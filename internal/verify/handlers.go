package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"knockd/internal/knock"
	"knockd/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Error: detail})
}

// internalError logs err against the request and answers 500 without
// exposing it.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.ErrorsTotal.Inc()
	s.log.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.store.ListPatterns()
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	res := make([]PatternResponse, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, patternResponse(p))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var req CreatePatternRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	seq, err := req.Sequence()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := knock.DefaultPolicy().Apply(req.options()...).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &store.Pattern{
		Name:          req.Name,
		Beats:         seq,
		Threshold:     req.Threshold,
		AllowedErrors: req.AllowedErrors,
	}
	if err := s.store.SavePattern(p); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateName):
			writeError(w, http.StatusConflict, fmt.Sprintf("pattern %q already exists", req.Name))
		case errors.Is(err, store.ErrInvalidPattern):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}

	s.metrics.PatternsRecordedTotal.Inc()
	s.metrics.PatternsStored.Inc()
	s.log.WithContext(r.Context()).Info("pattern created", "id", p.ID, "name", p.Name, "length", p.Beats.Len())
	writeJSON(w, http.StatusCreated, patternResponse(p))
}

// lookup loads the {id} pattern, answering 404 or 500 itself on failure.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*store.Pattern, bool) {
	id := mux.Vars(r)["id"]
	p, err := s.store.GetPattern(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("pattern %s not found", id))
		} else {
			s.internalError(w, r, err)
		}
		return nil, false
	}
	return p, true
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, patternResponse(p))
}

func (s *Server) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeletePattern(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("pattern %s not found", id))
		} else {
			s.internalError(w, r, err)
		}
		return
	}

	s.metrics.PatternsStored.Dec()
	s.log.WithContext(r.Context()).Info("pattern deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req VerifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	candidate, err := req.Sequence()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, ok := s.lookup(w, r)
	if !ok {
		return
	}

	// Request overrides beat pattern overrides, which beat the server default.
	policy := p.Policy(s.Policy()).Apply(req.options()...)
	if err := policy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if allowed, retry := s.lockout.Attempt(p.ID); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
		return
	}

	res := knock.Evaluate(p.Beats, candidate, policy)
	attempt := store.AttemptFromResult(p.ID, res)
	if err := s.store.RecordAttempt(attempt); err != nil {
		s.lockout.Release(p.ID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("pattern %s not found", p.ID))
		} else {
			s.internalError(w, r, err)
		}
		return
	}

	s.metrics.ObserveResult(res, time.Since(start))
	if res.Match {
		s.lockout.Success(p.ID)
	} else if s.lockout.Failure(p.ID) {
		s.metrics.LockoutsTotal.Inc()
		s.log.WithContext(r.Context()).Warn("pattern locked after failed attempts", "pattern", p.ID)
	}
	s.log.WithContext(r.Context()).Info("verification",
		"pattern", p.ID,
		"match", res.Match,
		"errors", res.Errors,
		"length_mismatch", res.LengthMismatch,
	)
	writeJSON(w, http.StatusOK, VerifyResponse{
		Match:          res.Match,
		LengthMismatch: res.LengthMismatch,
		Errors:         res.Errors,
		Policy:         policy,
		AttemptID:      attempt.ID,
	})
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	p, ok := s.lookup(w, r)
	if !ok {
		return
	}

	attempts, err := s.store.ListAttempts(p.ID, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	res := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		res = append(res, attemptResponse(a))
	}
	writeJSON(w, http.StatusOK, res)
}
