package bioverse

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	headerSource = "X-Bioverse-Source"
	headerCache  = "X-Bioverse-Cache"
)

// Handler serves the structure, metadata and maintenance routes.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/structure/{id}", s.handleStructure)
	r.Get("/api/structure/{id}/record", s.handleRecord)
	r.Delete("/api/structure/{id}", s.handlePurge)

	r.Get("/api/uniprot/search", s.handleUniProtSearch)
	r.Get("/api/uniprot/{accession}", s.handleUniProtEntry)

	r.Get("/api/geo/expression", s.handleGEODataset)
	r.Get("/api/arrayexpress/search", s.handleExperimentSearch)
	r.Get("/api/arrayexpress/experiment/{accession}", s.handleExperiment)

	r.Post("/api/cache/sweep", s.handleSweep)
	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.stats.Snapshot())
	})

	return r
}

func (s *Service) handleStructure(w http.ResponseWriter, r *http.Request) {
	rec, hit, err := s.resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeResolveError(w, err)
		return
	}
	cache := "miss"
	if hit {
		cache = "hit"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(headerSource, rec.Source)
	w.Header().Set(headerCache, cache)
	w.Header().Set("Access-Control-Expose-Headers", headerSource+", "+headerCache)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rec.Payload))
}

func (s *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ResolveStructure(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.PurgeStructure(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, ErrEmptyIdentifier) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUniProtSearch(w http.ResponseWriter, r *http.Request) {
	hit, err := s.SearchProtein(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hit)
}

func (s *Service) handleUniProtEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.ProteinEntry(r.Context(), chi.URLParam(r, "accession"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Service) handleGEODataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.ExpressionDataset(r.Context(), r.URL.Query().Get("accession"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Service) handleExperimentSearch(w http.ResponseWriter, r *http.Request) {
	exps, err := s.SearchExperiments(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]Experiment{"experiments": exps})
}

func (s *Service) handleExperiment(w http.ResponseWriter, r *http.Request) {
	acc := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "accession")))
	if !arrayExpressAccession.MatchString(acc) {
		writeError(w, http.StatusBadRequest, "not an ArrayExpress accession: "+acc)
		return
	}
	exps, err := s.SearchExperiments(r.Context(), acc)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exps[0])
}

func (s *Service) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type errorResponse struct {
	Error string    `json:"error"`
	Trail []Attempt `json:"trail,omitempty"`
}

func writeResolveError(w http.ResponseWriter, err error) {
	var re *ResolutionError
	if !errors.As(err, &re) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	status := http.StatusBadGateway
	if errors.Is(re.Cause, ErrEmptyIdentifier) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: re.Error(), Trail: re.Trail})
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyIdentifier):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}
