package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"threatcloud/core"
	"threatcloud/ingest"
	"threatcloud/storage"

	"github.com/gorilla/mux"
)

// maxRequestBody caps ingestion payload size.
const maxRequestBody = 1 << 20 // 1MB

// ============================================================================
// Ingestion
// ============================================================================

func (s *Server) handleIngestGuard(w http.ResponseWriter, r *http.Request) {
	var payload ingest.AnonymizedThreatData
	if !decodeBody(w, r, &payload) {
		return
	}

	result, err := s.ingest.IngestGuard(r.Context(), &payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, ingestStatus(result), result)
}

func (s *Server) handleIngestTrap(w http.ResponseWriter, r *http.Request) {
	var payload ingest.TrapIntelligencePayload
	if !decodeBody(w, r, &payload) {
		return
	}

	result, err := s.ingest.IngestTrap(r.Context(), &payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, ingestStatus(result), result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// ingestStatus maps a dedup replay to 200 and a fresh event to 201.
func ingestStatus(result *ingest.Result) int {
	if result.Inserted {
		return http.StatusCreated
	}
	return http.StatusOK
}

// ============================================================================
// Feeds
// ============================================================================

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	minReputation := queryFloat(r, "min_reputation", 0)

	blocklist, err := s.distributor.Blocklist(r.Context(), minReputation)
	if err != nil {
		s.logger.Errorw("Blocklist build failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build blocklist")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(blocklist))
}

func (s *Server) handleIoCFeed(w http.ResponseWriter, r *http.Request) {
	minReputation := queryFloat(r, "min_reputation", 0)
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	var updatedSince *time.Time
	if raw := r.URL.Query().Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "updated_since must be RFC3339")
			return
		}
		updatedSince = &ts
	}

	page, err := s.distributor.IoCFeed(r.Context(), minReputation, updatedSince, limit, offset)
	if err != nil {
		s.logger.Errorw("IoC feed query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build feed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAgentBundle(w http.ResponseWriter, r *http.Request) {
	// Agents that lost their sync marker start over from the epoch.
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = ts
	}

	bundle, err := s.distributor.BuildAgentBundle(r.Context(), since)
	if err != nil {
		s.logger.Errorw("Agent bundle build failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build bundle")
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// ============================================================================
// Indicator queries
// ============================================================================

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	if value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	indicatorType := core.IndicatorType(r.URL.Query().Get("type"))
	if indicatorType == "" {
		indicatorType = core.DetectType(value)
	} else if !indicatorType.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown indicator type")
		return
	}

	rec, err := s.indicators.Lookup(r.Context(), indicatorType, value)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "indicator not found")
		return
	}
	if err != nil {
		s.logger.Errorw("Indicator lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetIndicator(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.indicators.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "indicator not found")
		return
	}
	if err != nil {
		s.logger.Errorw("Indicator fetch failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := &core.IndicatorFilters{
		Type:          core.IndicatorType(q.Get("type")),
		Source:        q.Get("source"),
		Status:        core.IndicatorStatus(q.Get("status")),
		MinReputation: queryFloat(r, "min_reputation", 0),
		Search:        q.Get("q"),
		Limit:         queryInt(r, "limit", 100),
		Offset:        queryInt(r, "offset", 0),
	}
	if filters.Type != "" && !filters.Type.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown indicator type")
		return
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "updated_since must be RFC3339")
			return
		}
		filters.UpdatedSince = &ts
	}

	records, hasMore, err := s.indicators.Search(r.Context(), filters)
	if err != nil {
		s.logger.Errorw("Indicator search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"indicators": records,
		"count":      len(records),
		"has_more":   hasMore,
		"offset":     filters.Offset,
	})
}

// ============================================================================
// Audit
// ============================================================================

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := &core.AuditFilters{
		Action:   core.AuditAction(q.Get("action")),
		Actor:    q.Get("actor"),
		EntityID: q.Get("entity_id"),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filters.Since = &ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filters.Until = &ts
	}

	entries, err := s.audit.Query(r.Context(), filters)
	if err != nil {
		s.logger.Errorw("Audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func queryFloat(r *http.Request, key string, fallback float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
