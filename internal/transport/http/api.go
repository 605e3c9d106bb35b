package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/auth"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"
)

// Authenticator turns a bearer token into a caller identity.
type Authenticator interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// API serves the HTTP command surface of the quiz service.
type API struct {
	service *app.Service
	auth    Authenticator
	logger  *slog.Logger
}

func NewAPI(service *app.Service, authn Authenticator, logger *slog.Logger) *API {
	if logger == nil {
		logger = logging.Discard()
	}
	return &API{service: service, auth: authn, logger: logger}
}

// Routes mounts the command API, the health check and the websocket endpoint.
func (a *API) Routes(ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Get("/attempts/mine", a.handleMyResults)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", a.handleCreate)
			r.Post("/join/{code}", a.handleJoinByCode)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", a.handleDelete)
				r.Get("/status", a.handleStatus)
				r.Get("/lobby", a.handleLobby)
				r.Get("/questions", a.handleQuestions)
				r.Put("/questions", a.handleSetQuestions)
				r.Post("/questions/generate", a.handleGenerate)
				r.Post("/start", a.handleStart)
				r.Post("/end", a.handleEnd)
				r.Post("/join", a.handleJoin)
				r.Post("/attempts/start", a.handleStartAttempt)
				r.Post("/answers", a.handleAnswer)
				r.Post("/submit", a.handleSubmit)
				r.Get("/leaderboard", a.handleLeaderboard)
			})
		})
	})
	return r
}

// logRequests attaches a request-scoped logger and logs each request.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := a.logger.With("requestId", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logging.NewContext(r.Context(), log)))
		log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := a.auth.Verify(r.Context(), auth.BearerToken(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := auth.WithIdentity(r.Context(), who)
		ctx = logging.NewContext(ctx, logging.FromContext(ctx).With("user", who.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func caller(r *http.Request) domain.Identity {
	// authenticate guarantees an identity on every /api route
	who, _ := auth.IdentityFrom(r.Context())
	return who
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in domain.NewSession
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := a.service.CreateSession(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, sess)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteSession(r.Context(), chi.URLParam(r, "id"), caller(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (a *API) handleLobby(w http.ResponseWriter, r *http.Request) {
	snap, err := a.service.Lobby(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, snap)
}

func (a *API) handleQuestions(w http.ResponseWriter, r *http.Request) {
	set, err := a.service.Questions(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, set)
}

type setQuestionsRequest struct {
	Questions []domain.Question `json:"questions"`
}

func (a *API) handleSetQuestions(w http.ResponseWriter, r *http.Request) {
	var in setQuestionsRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := a.service.SetQuestions(r.Context(), chi.URLParam(r, "id"), caller(r), in.Questions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"count": n})
}

type generateRequest struct {
	Count      int    `json:"count"`
	SourceText string `json:"sourceText"`
}

func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var in generateRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := a.service.GenerateQuestions(r.Context(), chi.URLParam(r, "id"), caller(r), in.Count, in.SourceText)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"count": n})
}

type startRequest struct {
	DelaySec int `json:"delaySec"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var in startRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.service.Start(r.Context(), chi.URLParam(r, "id"), caller(r), time.Duration(in.DelaySec)*time.Second)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleEnd(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.End(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.Join(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleJoinByCode(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.JoinByCode(r.Context(), chi.URLParam(r, "code"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.StartAttempt(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeData(w, status, res)
}

type answerRequest struct {
	QIndex        *int `json:"qIndex"`
	SelectedIndex *int `json:"selectedIndex"`
}

func (a *API) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var in answerRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.QIndex == nil || in.SelectedIndex == nil {
		writeError(w, r, domain.BadRequest("INVALID_BODY", "qIndex and selectedIndex are required"))
		return
	}
	res, err := a.service.RecordAnswer(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, *in.QIndex, *in.SelectedIndex)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.Submit(r.Context(), chi.URLParam(r, "id"), caller(r).UserID, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, domain.BadRequest("INVALID_LIMIT", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	lb, err := a.service.Leaderboard(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, lb)
}

func (a *API) handleMyResults(w http.ResponseWriter, r *http.Request) {
	results, err := a.service.MyResults(r.Context(), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, results)
}
