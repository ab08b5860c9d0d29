package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	syncpkg "github.com/atamadata/atabot/internal/sync"
	"github.com/atamadata/atabot/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---- chat ----

func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	resp, err := s.orchestrator.Process(r.Context(), req)
	chatDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("Chat processing failed")
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	if resp.Rejected {
		chatRejected.Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	start := time.Now()
	for ev := range s.orchestrator.ProcessStream(r.Context(), req) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	chatDuration.Observe(time.Since(start).Seconds())
}

func (s *Service) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	history := s.orchestrator.Sessions().History(id)
	if history == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "history": history})
}

func (s *Service) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.Sessions().Delete(chi.URLParam(r, "session"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---- schemas ----

func (s *Service) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	managed, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.SchemaInfo, 0, len(managed))
	for _, m := range managed {
		out = append(out, models.SchemaInfo{
			Name:         m.Name,
			DisplayName:  m.DisplayName,
			IsActive:     m.IsActive,
			TotalTables:  m.TotalTables,
			TotalRows:    m.TotalRows,
			LastSyncedAt: m.LastSyncedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": out})
}

func (s *Service) handleAnalyzeSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	managed, err := s.registry.Register(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.SchemaInfo{
		Name:         managed.Name,
		DisplayName:  managed.DisplayName,
		IsActive:     managed.IsActive,
		TotalTables:  managed.TotalTables,
		TotalRows:    managed.TotalRows,
		LastSyncedAt: managed.LastSyncedAt,
	})
}

func (s *Service) handleActivateSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.SetActive(r.Context(), name, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated", "schema": name})
}

func (s *Service) handleSchemaTables(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tables, err := s.intro.ListTables(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.TableInfo, 0, len(tables))
	for _, t := range tables {
		out = append(out, models.TableInfo{Name: t.Name, EstimatedRows: t.EstimatedRows})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": name, "tables": out})
}

func (s *Service) handleSchemaStatistics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	managed, err := s.registry.Get(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if managed == nil {
		writeError(w, http.StatusNotFound, "schema not registered")
		return
	}
	statuses, err := s.status.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	perTable := map[string]any{}
	for _, st := range statuses {
		if st.SchemaName != name {
			continue
		}
		perTable[st.SourceTable] = map[string]any{
			"sync_status":         st.SyncStatus,
			"rows_synced":         st.RowsSynced,
			"last_sync_completed": st.LastSyncCompleted,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schema":         name,
		"total_tables":   managed.TotalTables,
		"estimated_rows": managed.TotalRows,
		"last_synced_at": managed.LastSyncedAt,
		"tables":         perTable,
	})
}

func (s *Service) handleSchemaRelationships(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fks, err := s.intro.ForeignKeys(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.Relationship, 0, len(fks))
	for _, fk := range fks {
		out = append(out, models.Relationship{
			FromTable:  fk.FromTable,
			FromColumn: fk.FromColumn,
			ToTable:    fk.ToTable,
			ToColumn:   fk.ToColumn,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": name, "relationships": out})
}

func (s *Service) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.pipeline.ClearEmbeddings(r.Context(), name, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.registry.Delete(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "schema": name})
}

// ---- sync ----

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Schema == "" {
		writeError(w, http.StatusBadRequest, "schema is required")
		return
	}

	mode := syncpkg.ModeIncremental
	if req.ForceFull {
		mode = syncpkg.ModeFull
	}
	syncJobsStarted.WithLabelValues(string(mode)).Inc()

	var jobIDs []string
	if req.Table != "" {
		id, err := s.pipeline.SyncTable(r.Context(), req.Schema, req.Table, mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		jobIDs = []string{id}
	} else {
		ids, err := s.pipeline.SyncSchema(r.Context(), req.Schema, req.Tables, mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		jobIDs = ids
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": jobIDs, "mode": string(mode)})
}

func (s *Service) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.status.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (s *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.pipeline.Jobs().List()})
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info := s.pipeline.Jobs().Get(chi.URLParam(r, "id"))
	if info == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusBadRequest, "cache is disabled")
		return
	}
	removed, err := s.cache.Cleanup(r.Context(), s.cfg.Cache.CleanupDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed": removed})
}

// ---- health ----

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.store.HealthCheck(r.Context())
	body := map[string]any{
		"status":         health.Status,
		"version":        s.cfg.App.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"database":       health,
		"queue":          s.queue.Stats(),
	}
	if s.cache != nil {
		body["cache"] = s.cache.Stats()
	}
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Service) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
