// Package server provides the HTTP API over the catalog and the ingestion
// pipeline.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsfeeder/internal/database"
	"newsfeeder/internal/ingest"
	"newsfeeder/internal/model"
	"newsfeeder/internal/opml"
	"newsfeeder/internal/scheduler"
)

// Server is the HTTP API server.
type Server struct {
	store  database.Store
	sched  *scheduler.Scheduler
	logger *slog.Logger
	router chi.Router
}

// New creates a server over the given store and scheduler.
func New(store database.Store, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		sched:  sched,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/sources", s.handleListSources)
		r.Post("/sources", s.handleCreateSource)

		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleCreateFeed)
		r.Post("/feeds/{feedID}/activate", s.handleSetFeedActive(true))
		r.Post("/feeds/{feedID}/deactivate", s.handleSetFeedActive(false))

		r.Get("/items", s.handleListItems)
		r.Get("/items/{itemID}/entities", s.handleItemEntities)
		r.Get("/entities", s.handleListEntities)

		r.Post("/ingest/run", s.handleIngestRun)
		r.Get("/ingest/status", s.handleIngestStatus)

		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": s.store.DatabaseType(),
	})
}

// --- Catalog handlers ---

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing sources failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		URL         string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	source, err := s.store.CreateSource(r.Context(), req.Name, req.Description, req.URL)
	if err != nil {
		if errors.Is(err, database.ErrDuplicateSource) {
			s.writeError(w, http.StatusConflict, "source already exists")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "creating source failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, source)
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.store.ListFeeds(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing feeds failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID    int64  `json:"source_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Format      string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceID == 0 || req.Name == "" || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "source_id, name and url are required")
		return
	}
	format := model.FeedFormat(req.Format)
	if req.Format == "" {
		format = model.FormatRSS
	}
	if !format.Valid() {
		s.writeError(w, http.StatusBadRequest, "format must be rss or atom")
		return
	}
	feed, err := s.store.CreateFeed(r.Context(), req.SourceID, req.Name, req.Description, req.URL, format)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrDuplicateFeed):
			s.writeError(w, http.StatusConflict, "feed url already registered")
		case errors.Is(err, database.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "source not found")
		default:
			s.writeError(w, http.StatusInternalServerError, "creating feed failed")
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, feed)
}

func (s *Server) handleSetFeedActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feedID, err := strconv.ParseInt(chi.URLParam(r, "feedID"), 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid feed id")
			return
		}
		if err := s.store.SetFeedActive(r.Context(), feedID, active); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "feed not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, "updating feed failed")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"id": feedID, "active": active})
	}
}

// --- Item and entity handlers ---

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	var filter database.ItemFilter
	q := r.URL.Query()
	if v := q.Get("feed_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid feed_id")
			return
		}
		filter.FeedID = id
	}
	filter.SourceSlug = q.Get("source")
	filter.PublicOnly = q.Get("public") == "true"
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	items, err := s.store.ListItems(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing items failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleItemEntities(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	if _, err := s.store.GetItemByID(r.Context(), itemID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "item not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "loading item failed")
		return
	}
	entities, err := s.store.ListItemEntities(r.Context(), itemID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing entities failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing entities failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

// --- Ingestion handlers ---

func (s *Server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	var scope ingest.Scope
	if r.Body != nil && r.ContentLength != 0 {
		var req struct {
			FeedID int64  `json:"feed_id"`
			Source string `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		scope.FeedID = req.FeedID
		scope.SourceSlug = req.Source
	}

	summary, err := s.sched.RunNow(r.Context(), scope)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrCycleInProgress):
			s.writeError(w, http.StatusConflict, "a cycle is already running")
		case errors.Is(err, ingest.ErrFeedInactive):
			s.writeError(w, http.StatusUnprocessableEntity, "feed is inactive")
		case errors.Is(err, database.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "feed not found")
		default:
			s.logger.Error("on-demand cycle failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "ingestion cycle failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sched.Snapshot())
}

// --- OPML handlers ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parsing opml failed: %v", err))
		return
	}

	ctx := r.Context()
	imported := 0
	for _, entry := range entries {
		sourceName := entry.Source
		if sourceName == "" {
			sourceName = "Imported"
		}
		source, err := s.store.GetSourceBySlug(ctx, database.Slugify(sourceName))
		if errors.Is(err, database.ErrNotFound) {
			source, err = s.store.CreateSource(ctx, sourceName, "", "")
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "importing sources failed")
			return
		}

		_, err = s.store.CreateFeed(ctx, source.ID, entry.Title, "", entry.URL, model.FeedFormat(entry.Format))
		if errors.Is(err, database.ErrDuplicateFeed) {
			continue
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "importing feeds failed")
			return
		}
		imported++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"imported": imported,
		"total":    len(entries),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing sources failed")
		return
	}
	feeds, err := s.store.ListFeeds(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing feeds failed")
		return
	}

	sourceNames := make(map[int64]string, len(sources))
	for _, src := range sources {
		sourceNames[src.ID] = src.Name
	}

	entries := make([]opml.FeedEntry, 0, len(feeds))
	for _, feed := range feeds {
		entries = append(entries, opml.FeedEntry{
			Source: sourceNames[feed.SourceID],
			Title:  feed.Name,
			URL:    feed.URL,
			Format: string(feed.Format),
		})
	}

	data, err := opml.Export("newsfeeder subscriptions", entries)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "exporting opml failed")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=newsfeeder-%s.opml", time.Now().Format("2006-01-02")))
	w.Write(data)
}
