package server

import (
	"encoding/json"
	"net/http"

	"fim/db"
	"fim/models"

	"github.com/julienschmidt/httprouter"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type authedHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject)

// requireAuth resolves the bearer token to a subject before running the
// wrapped handler.
func (s *Server) requireAuth(next authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		subject, err := s.tokens.Authenticate(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r, ps, subject)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	exists, err := s.db.UserExists(req.Username)
	if err != nil {
		s.log.Error().Err(err).Msg("register failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}

	id, err := s.db.CreateUser(req.Username, req.Password)
	if err != nil {
		s.log.Error().Err(err).Msg("register failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{ID: id, Username: req.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := s.db.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		s.log.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Mint(user)
	if err != nil {
		s.log.Error().Err(err).Msg("token mint failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  userResponse{ID: user.ID, Username: user.Username},
	})
}

// lookupTarget resolves the :username path parameter to a user distinct from
// the caller.
func (s *Server) lookupTarget(w http.ResponseWriter, ps httprouter.Params, subject models.Subject) *models.User {
	username := ps.ByName("username")
	target, err := s.db.GetUserByUsername(username)
	if err == db.ErrNoRows {
		writeError(w, http.StatusNotFound, "user not found")
		return nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("user lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if target.ID == subject.ID {
		writeError(w, http.StatusBadRequest, "cannot befriend yourself")
		return nil
	}
	return target
}

func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject) {
	target := s.lookupTarget(w, ps, subject)
	if target == nil {
		return
	}

	switch err := s.db.SendFriendRequest(subject.ID, target.ID); err {
	case nil:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "pending"})
	case db.ErrAlreadyFriends:
		writeError(w, http.StatusConflict, "already friends")
	case db.ErrRequestPending:
		writeError(w, http.StatusConflict, "request already pending")
	default:
		s.log.Error().Err(err).Msg("send friend request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject) {
	target := s.lookupTarget(w, ps, subject)
	if target == nil {
		return
	}

	switch err := s.db.AcceptFriendRequest(subject.ID, target.ID); err {
	case nil:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "accepted"})
	case db.ErrNoRows:
		writeError(w, http.StatusNotFound, "no pending request")
	default:
		s.log.Error().Err(err).Msg("accept friend request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject) {
	target := s.lookupTarget(w, ps, subject)
	if target == nil {
		return
	}

	switch err := s.db.RejectFriendRequest(subject.ID, target.ID); err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	case db.ErrNoRows:
		writeError(w, http.StatusNotFound, "no pending request")
	default:
		s.log.Error().Err(err).Msg("reject friend request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListFriends(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	friends, err := s.db.ListFriends(subject.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("list friends failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]userResponse, 0, len(friends))
	for _, friend := range friends {
		out = append(out, userResponse{ID: friend.ID, Username: friend.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	pending, err := s.db.PendingRequests(subject.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("pending requests failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]userResponse, 0, len(pending))
	for _, requester := range pending {
		out = append(out, userResponse{ID: requester.ID, Username: requester.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteFriend(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject) {
	target := s.lookupTarget(w, ps, subject)
	if target == nil {
		return
	}

	switch err := s.db.DeleteFriend(subject.ID, target.ID); err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case db.ErrNoRows:
		writeError(w, http.StatusNotFound, "not friends")
	default:
		s.log.Error().Err(err).Msg("delete friend failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
