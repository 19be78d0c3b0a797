package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"fim/auth"
	"fim/config"
	"fim/db"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

type Server struct {
	db       *db.DB
	cfg      *config.Config
	tokens   *auth.Service
	registry *Registry
	delivery *Delivery
	log      zerolog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func New(database *db.DB, cfg *config.Config, log zerolog.Logger) *Server {
	registry := NewRegistry()
	s := &Server{
		db:       database,
		cfg:      cfg,
		tokens:   auth.NewService(cfg.JWTSecret, cfg.TokenTTL),
		registry: registry,
		delivery: NewDelivery(database, database, database, registry, cfg.EchoToSender, log),
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// In production, restrict to configured origins.
				return true
			},
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	router := httprouter.New()

	router.GET("/ws", s.handleWS)

	router.POST("/auth/register", s.handleRegister)
	router.POST("/auth/login", s.handleLogin)

	router.POST("/friends/send-request/:username", s.requireAuth(s.handleSendRequest))
	router.POST("/friends/accept-request/:username", s.requireAuth(s.handleAcceptRequest))
	router.POST("/friends/reject-request/:username", s.requireAuth(s.handleRejectRequest))
	router.GET("/friends", s.requireAuth(s.handleListFriends))
	router.GET("/friends/pending", s.requireAuth(s.handlePendingRequests))
	router.DELETE("/friends/:username", s.requireAuth(s.handleDeleteFriend))

	router.POST("/profile", s.requireAuth(s.handleCreateProfile))
	router.GET("/profile", s.requireAuth(s.handleGetProfile))
	router.PUT("/profile", s.requireAuth(s.handleUpdateProfile))
	router.DELETE("/profile", s.requireAuth(s.handleDeleteProfile))

	router.POST("/posts", s.requireAuth(s.handleCreatePost))
	router.GET("/posts", s.requireAuth(s.handleListPosts))
	router.GET("/posts/:id", s.requireAuth(s.handleGetPost))
	router.PUT("/posts/:id", s.requireAuth(s.handleUpdatePost))
	router.DELETE("/posts/:id", s.requireAuth(s.handleDeletePost))

	return router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.Router(),
		ReadTimeout: s.cfg.ReadTimeout,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("server started")
	return s.httpServer.ListenAndServe()
}

// handleWS upgrades the connection and hands it to a connection handler.
// Token extraction is the only transport concern here; validity is decided
// inside the handler so an invalid token gets a proper close code.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	transport := newWSConn(conn, s.cfg.SendTimeout, s.cfg.ReadTimeout)
	handler := NewHandler(s.tokens, s.db, s.registry, s.delivery, s.cfg.AuthTimeout, s.log)
	handler.Run(transport, token)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// Shutdown closes every live session with a going-away frame, then stops the
// HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, subject := range s.registry.Snapshot() {
		if handle, ok := s.registry.Lookup(subject.ID); ok {
			handle.Close(websocket.CloseGoingAway, "server shutdown")
			s.registry.Deregister(subject.ID, handle)
		}
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	subjects := s.registry.Snapshot()
	names := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		names = append(names, subject.Name)
	}
	return "connections=" + strconv.Itoa(len(subjects)) + ",users=" + strings.Join(names, ";")
}
