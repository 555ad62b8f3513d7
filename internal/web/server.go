package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/gym-sniper/internal/auth"
	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/portal"
	"github.com/example/gym-sniper/internal/queue"
)

//go:embed templates/*.html static/*
var fs embed.FS

// Queue is the snipe queue surface the dashboard edits.
type Queue interface {
	Add(ctx context.Context, classID int64) (queue.Entry, error)
	Remove(ctx context.Context, classID int64) error
	List(ctx context.Context) ([]queue.Entry, error)
}

// Portal is the shared account surface the dashboard reads.
type Portal interface {
	Classes(ctx context.Context, r portal.DateRange) ([]portal.ClassInstance, error)
	Bookings(ctx context.Context, days int) ([]portal.ClassInstance, error)
	Cancel(ctx context.Context, classID int64) error
}

type Server struct {
	Auth     *auth.Store
	Queue    Queue
	Portal   Portal
	Location *time.Location
	Now      func() time.Time
}

const (
	defaultDays = 7
	maxDays     = 14
)

type classRow struct {
	portal.ClassInstance
	OpensAt time.Time
	Queued  bool
}

type tmplData struct {
	Title string
	User  string

	Flash    string
	Snipes   []queue.Entry
	Bookings []portal.ClassInstance
	Classes  []classRow
	Filter   Filter
	Location *time.Location
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/static/*", http.FileServer(http.FS(fs)))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/login", s.handleLoginForm)
	r.Post("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)

	r.Group(func(authed chi.Router) {
		authed.Use(s.Auth.RequireAuth)
		authed.Get("/", s.handleHome)
		authed.Get("/classes", s.handleClasses)
		authed.Post("/snipes", s.handleSnipeAdd)
		authed.Post("/snipes/{id}/delete", s.handleSnipeRemove)
		authed.Post("/bookings/{id}/cancel", s.handleCancel)
	})

	return r
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	data := tmplData{Title: "Snipes", User: user, Flash: r.URL.Query().Get("flash"), Location: s.Location}

	entries, err := s.Queue.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.Snipes = entries

	bookings, err := s.Portal.Bookings(r.Context(), maxDays)
	if err != nil {
		logger.Warn("dashboard bookings unavailable", "error", err)
		if data.Flash == "" {
			data.Flash = "Bookings unavailable: " + err.Error()
		}
	}
	data.Bookings = bookings

	s.render(w, "templates/home.html", data)
}

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	f := ParseFilter(r.URL.Query())
	data := tmplData{Title: "Classes", User: user, Filter: f, Location: s.Location}

	classes, err := s.Portal.Classes(r.Context(), portal.NextDays(s.now(), f.Days))
	if err != nil {
		data.Flash = "Class search failed: " + err.Error()
		s.render(w, "templates/classes.html", data)
		return
	}

	queued := map[int64]bool{}
	if entries, err := s.Queue.List(r.Context()); err == nil {
		for _, e := range entries {
			if e.Status.Pending() {
				queued[e.ClassID] = true
			}
		}
	}
	for _, c := range f.Apply(classes, s.Location) {
		data.Classes = append(data.Classes, classRow{
			ClassInstance: c,
			OpensAt:       booking.OpensAt(c.StartTime),
			Queued:        queued[c.ID],
		})
	}
	s.render(w, "templates/classes.html", data)
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, "templates/login.html", tmplData{Title: "Login"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	if err := s.Auth.Authenticate(username, password); err != nil {
		logger.Warn("dashboard login failed", "username", username, "remote", r.RemoteAddr)
		s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
		return
	}
	if err := s.Auth.SetSession(w, r, username); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleSnipeAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("class_id")), 10, 64)
	if err != nil || id <= 0 {
		redirectFlash(w, r, "/", "Invalid class ID")
		return
	}
	e, err := s.Queue.Add(r.Context(), id)
	if err != nil {
		redirectFlash(w, r, "/", err.Error())
		return
	}
	redirectFlash(w, r, "/", "Queued "+e.ClassName+", window opens "+e.WindowOpensAt.In(s.loc()).Format("Mon 02 Jan 15:04"))
}

func (s *Server) handleSnipeRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Queue.Remove(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			redirectFlash(w, r, "/", "No snipe for class "+strconv.FormatInt(id, 10))
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	redirectFlash(w, r, "/", "Removed snipe for class "+strconv.FormatInt(id, 10))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Portal.Cancel(r.Context(), id); err != nil {
		redirectFlash(w, r, "/", "Cancel failed: "+err.Error())
		return
	}
	logger.Info("booking cancelled from dashboard", "class_id", id)
	redirectFlash(w, r, "/", "Cancelled booking for class "+strconv.FormatInt(id, 10))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid class id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func redirectFlash(w http.ResponseWriter, r *http.Request, path, msg string) {
	http.Redirect(w, r, path+"?flash="+url.QueryEscape(msg), http.StatusSeeOther)
}

func (s *Server) loc() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

var funcs = template.FuncMap{
	"local": func(t time.Time, loc *time.Location) string {
		if t.IsZero() {
			return ""
		}
		if loc == nil {
			loc = time.Local
		}
		return t.In(loc).Format("Mon 02 Jan 15:04")
	},
}

func (s *Server) render(w http.ResponseWriter, name string, data tmplData) {
	if data.Location == nil {
		data.Location = s.loc()
	}
	t, err := template.New("").Funcs(funcs).ParseFS(fs,
		"templates/base.html",
		name,
	)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, "render error: "+err.Error(), http.StatusInternalServerError)
	}
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("dashboard listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
