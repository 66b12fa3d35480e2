package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/SuperALKALINEdroiD/unsend/internal/auth"
	"github.com/SuperALKALINEdroiD/unsend/internal/dispatch"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
	"github.com/SuperALKALINEdroiD/unsend/internal/queue"
)

const (
	defaultDLQListLimit = 50
	maxDLQListLimit     = 500
)

type dlqReprocessRequest struct {
	Locality string   `json:"locality" validate:"required"`
	EntryIDs []string `json:"entry_ids" validate:"required,min=1,max=1000,dive,required"`
}

type dlqReprocessResponse struct {
	Reprocessed int `json:"reprocessed"`
	Total       int `json:"total"`
}

type dlqListResponse struct {
	Locality string            `json:"locality"`
	Entries  []queue.DLQRecord `json:"entries"`
}

// ListDLQHandler handles GET /api/v1/dlq?locality=&limit=.
func ListDLQHandler(dlq queue.DeadLetterLister, localities []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.PrincipalFromContext(r.Context()) == nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		locality := r.URL.Query().Get("locality")
		if !knownLocality(w, localities, locality) {
			return
		}
		limit := defaultDLQListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxDLQListLimit {
				respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "limit must be between 1 and "+strconv.Itoa(maxDLQListLimit))
				return
			}
			limit = n
		}

		entries, err := dlq.List(r.Context(), locality, limit)
		if err != nil {
			reqLog := logger.FromContext(r.Context())
			reqLog.Error().Err(err).Str("locality", locality).Msg("dlq list failed")
			respondError(w, http.StatusInternalServerError, string(dispatch.KindInternal), "listing dead letters failed")
			return
		}
		if entries == nil {
			entries = []queue.DLQRecord{}
		}
		respondJSON(w, http.StatusOK, dlqListResponse{Locality: locality, Entries: entries})
	}
}

// DLQReprocessHandler handles POST /api/v1/dlq/reprocess: the named entries
// run again immediately with a fresh retry budget.
func DLQReprocessHandler(dlq queue.DeadLetterQueue, localities []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.PrincipalFromContext(r.Context()) == nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		var req dlqReprocessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "invalid request body")
			return
		}
		if err := validate.StructCtx(r.Context(), req); err != nil {
			respondValidationErrors(w, err)
			return
		}
		if !knownLocality(w, localities, req.Locality) {
			return
		}

		log := logger.FromContext(r.Context()).With().
			Str("locality", req.Locality).
			Int("requested", len(req.EntryIDs)).
			Logger()

		n, err := dlq.Reprocess(r.Context(), req.Locality, req.EntryIDs)
		if err != nil {
			log.Error().Err(err).Int("reprocessed", n).Msg("dlq reprocess failed")
			respondError(w, http.StatusInternalServerError, string(dispatch.KindInternal), "reprocess failed")
			return
		}
		log.Info().Int("reprocessed", n).Msg("dlq reprocess completed")
		respondJSON(w, http.StatusOK, dlqReprocessResponse{Reprocessed: n, Total: len(req.EntryIDs)})
	}
}

func knownLocality(w http.ResponseWriter, localities []string, locality string) bool {
	if locality == "" {
		respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "locality is required")
		return false
	}
	if !slices.Contains(localities, locality) {
		respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "unknown locality "+locality)
		return false
	}
	return true
}
