package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"gather/internal/config"
	"gather/internal/engine"
	"gather/internal/ics"
	appLog "gather/internal/log"
	"gather/internal/model"
	"gather/internal/recur"
	"gather/internal/store"
)

// Server exposes the aggregation engine over HTTP: the merged view, the
// expanded calendar window, the notification drain and an iCalendar feed.
type Server struct {
	cfg *config.Config
	eng *engine.Engine

	// mut is the optional write surface; POST /api/events is 405 without it.
	mut store.Mutator

	mux *http.ServeMux
	now func() time.Time
}

// NewServer constructs a Server. now may be nil (time.Now).
func NewServer(cfg *config.Config, eng *engine.Engine, mut store.Mutator, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	s := &Server{
		cfg: cfg,
		eng: eng,
		mut: mut,
		mux: http.NewServeMux(),
		now: now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the server's http.Handler, wrapped with basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects every endpoint except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gather", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs an HTTP server on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/calendar", s.handleCalendar)
	s.mux.HandleFunc("/api/notifications", s.handleNotifications)
	s.mux.HandleFunc("/calendar.ics", s.handleFeed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is the JSON shape of a merged event.
type eventDTO struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Location       string         `json:"location,omitempty"`
	StartAt        time.Time      `json:"start_at"`
	EndAt          time.Time      `json:"end_at,omitempty"`
	Visibility     string         `json:"visibility"`
	CreatedBy      string         `json:"created_by,omitempty"`
	InvitedUserIDs []string       `json:"invited_user_ids,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Recurrence     *recurrenceDTO `json:"recurrence,omitempty"`
}

type recurrenceDTO struct {
	Freq      string     `json:"freq"`
	Interval  int        `json:"interval"`
	Count     int        `json:"count,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	ByWeekday []string   `json:"by_weekday,omitempty"`
}

type viewResponse struct {
	Upcoming []eventDTO `json:"upcoming"`
	Past     []eventDTO `json:"past"`
	Loading  bool       `json:"loading"`
	Degraded bool       `json:"degraded"`
	Error    string     `json:"error,omitempty"`
	Version  uint64     `json:"version"`
}

type instanceDTO struct {
	EventID string    `json:"event_id"`
	Title   string    `json:"title"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

type calendarResponse struct {
	Instances  []instanceDTO `json:"instances"`
	RangeStart time.Time     `json:"range_start"`
	RangeEnd   time.Time     `json:"range_end"`
	Timezone   string        `json:"timezone"`
}

type notificationDTO struct {
	EventID         string    `json:"event_id"`
	Title           string    `json:"title"`
	Kind            string    `json:"kind"`
	HoursUntilStart int       `json:"hours_until_start,omitempty"`
	At              time.Time `json:"at"`
}

// handleEvents serves the merged view (GET) and event creation (POST).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleEventsGet(w, r)
	case http.MethodPost:
		s.handleEventsPost(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEventsGet(w http.ResponseWriter, _ *http.Request) {
	view := s.eng.Snapshot()

	resp := viewResponse{
		Upcoming: toDTOs(view.Upcoming),
		Past:     toDTOs(view.Past),
		Loading:  view.Loading,
		Degraded: view.Degraded,
		Version:  view.Version,
	}
	if view.Err != nil {
		resp.Error = view.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventsPost(w http.ResponseWriter, r *http.Request) {
	if s.mut == nil {
		writeError(w, http.StatusMethodNotAllowed, "store is read-only")
		return
	}

	var dto eventDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev, err := fromDTO(dto)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.mut.Put(ev)
	if err != nil {
		if errors.Is(err, recur.ErrInvalidRule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("api events: put failed", err)
		writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleCalendar returns concrete instances inside a window, recurring
// templates expanded.
//
// GET /api/calendar?from=RFC3339&to=RFC3339 selects an explicit window.
// GET /api/calendar?days=30&backfill=1 selects one relative to now:
//   - days:     days ahead of now to include (default 30)
//   - backfill: days behind now to include (default 1)
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := resolveLocationOrUTC(s.cfg.Timezone)
	now := s.now().In(loc)

	var from, to time.Time
	if q.Get("from") != "" || q.Get("to") != "" {
		var err error
		from, err = time.Parse(time.RFC3339, q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: expected RFC3339")
			return
		}
		to, err = time.Parse(time.RFC3339, q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: expected RFC3339")
			return
		}
		if to.Before(from) {
			writeError(w, http.StatusBadRequest, "window end is before window start")
			return
		}
		from = from.In(loc)
		to = to.In(loc)
	} else {
		days := parseIntDefault(q.Get("days"), 30)
		if days <= 0 {
			days = 30
		}
		backfill := parseIntDefault(q.Get("backfill"), 1)
		if backfill < 0 {
			backfill = 0
		}
		from = now.AddDate(0, 0, -backfill)
		to = now.AddDate(0, 0, days)
	}

	instances := s.eng.Instances(from, to)
	dtos := make([]instanceDTO, 0, len(instances))
	for _, inst := range instances {
		dtos = append(dtos, instanceDTO{
			EventID: inst.Event.ID,
			Title:   inst.Event.Title,
			Start:   inst.Start.In(loc),
			End:     inst.End.In(loc),
		})
	}

	writeJSON(w, http.StatusOK, calendarResponse{
		Instances:  dtos,
		RangeStart: from,
		RangeEnd:   to,
		Timezone:   loc.String(),
	})
}

// handleNotifications drains and returns everything queued since the last
// call.
func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	notes := s.eng.Drain()
	dtos := make([]notificationDTO, 0, len(notes))
	for _, n := range notes {
		dtos = append(dtos, notificationDTO{
			EventID:         n.EventID,
			Title:           n.Title,
			Kind:            string(n.Kind),
			HoursUntilStart: n.HoursUntilStart,
			At:              n.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]notificationDTO{"notifications": dtos})
}

// handleFeed serves the merged view as an iCalendar feed.
func (s *Server) handleFeed(w http.ResponseWriter, _ *http.Request) {
	view := s.eng.Snapshot()
	events := make([]model.Event, 0, len(view.Upcoming)+len(view.Past))
	events = append(events, view.Upcoming...)
	events = append(events, view.Past...)

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Feed(events, s.now())))
}

func toDTOs(events []model.Event) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dto := eventDTO{
			ID:             ev.ID,
			Title:          ev.Title,
			Description:    ev.Description,
			Location:       ev.Location,
			StartAt:        ev.StartAt,
			EndAt:          ev.EndAt,
			Visibility:     string(ev.Visibility),
			CreatedBy:      ev.CreatedBy,
			InvitedUserIDs: ev.InvitedUserIDs,
			Tags:           ev.Tags,
		}
		if ev.Recurrence != nil {
			dto.Recurrence = &recurrenceDTO{
				Freq:      string(ev.Recurrence.Freq),
				Interval:  ev.Recurrence.Interval,
				Count:     ev.Recurrence.Count,
				Until:     ev.Recurrence.Until,
				ByWeekday: weekdayNames(ev.Recurrence.ByWeekday),
			}
		}
		out = append(out, dto)
	}
	return out
}

func fromDTO(dto eventDTO) (model.Event, error) {
	ev := model.Event{
		ID:             dto.ID,
		Title:          dto.Title,
		Description:    dto.Description,
		Location:       dto.Location,
		StartAt:        dto.StartAt,
		EndAt:          dto.EndAt,
		Visibility:     model.Visibility(dto.Visibility),
		CreatedBy:      dto.CreatedBy,
		InvitedUserIDs: dto.InvitedUserIDs,
		Tags:           dto.Tags,
	}
	switch ev.Visibility {
	case model.VisibilityPublic, model.VisibilityMembers, model.VisibilityPrivate:
	case "":
		ev.Visibility = model.VisibilityPublic
	default:
		return model.Event{}, errors.New("unknown visibility")
	}
	if dto.Recurrence != nil {
		rule := recur.Rule{
			Freq:     recur.Frequency(dto.Recurrence.Freq),
			Interval: dto.Recurrence.Interval,
			Count:    dto.Recurrence.Count,
			Until:    dto.Recurrence.Until,
		}
		for _, name := range dto.Recurrence.ByWeekday {
			wd, err := parseWeekday(name)
			if err != nil {
				return model.Event{}, err
			}
			rule.ByWeekday = append(rule.ByWeekday, wd)
		}
		ev.Recurrence = &rule
	}
	return ev, nil
}

var weekdayByName = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(name string) (time.Weekday, error) {
	if wd, ok := weekdayByName[name]; ok {
		return wd, nil
	}
	return 0, errors.New("unknown weekday " + strconv.Quote(name))
}

func weekdayNames(days []time.Weekday) []string {
	if len(days) == 0 {
		return nil
	}
	out := make([]string, 0, len(days))
	for _, wd := range days {
		for name, v := range weekdayByName {
			if v == wd {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone, falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
