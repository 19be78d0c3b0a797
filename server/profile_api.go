package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"fim/db"
	"fim/models"

	"github.com/julienschmidt/httprouter"
)

type profileRequest struct {
	Name string `json:"name"`
	Bio  string `json:"bio"`
}

type profileResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Bio  string `json:"bio"`
}

type postRequest struct {
	Content string `json:"content"`
}

type postResponse struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "profile name required")
		return
	}

	id, err := s.db.CreateProfile(subject.ID, req.Name, req.Bio)
	switch err {
	case nil:
		writeJSON(w, http.StatusCreated, profileResponse{ID: id, Name: req.Name, Bio: req.Bio})
	case db.ErrProfileExists:
		writeError(w, http.StatusConflict, "profile already exists")
	default:
		s.log.Error().Err(err).Msg("create profile failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	profile, err := s.db.GetProfile(subject.ID)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, profileResponse{ID: profile.ID, Name: profile.Name, Bio: profile.Bio})
	case db.ErrNoRows:
		writeError(w, http.StatusNotFound, "no profile")
	default:
		s.log.Error().Err(err).Msg("get profile failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "profile name required")
		return
	}

	switch err := s.db.UpdateProfile(subject.ID, req.Name, req.Bio); err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case db.ErrNoRows:
		writeError(w, http.StatusNotFound, "no profile")
	default:
		s.log.Error().Err(err).Msg("update profile failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	switch err := s.db.DeleteProfile(subject.ID); err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case db.ErrNoRows:
		writeError(w, http.StatusNotFound, "no profile")
	default:
		s.log.Error().Err(err).Msg("delete profile failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "post content required")
		return
	}

	now := time.Now().UTC()
	id, err := s.db.CreatePost(subject.ID, req.Content, now)
	switch err {
	case nil:
		writeJSON(w, http.StatusCreated, postResponse{ID: id, Content: req.Content, CreatedAt: now})
	case db.ErrNoRows:
		writeError(w, http.StatusNotFound, "create a profile first")
	default:
		s.log.Error().Err(err).Msg("create post failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request, _ httprouter.Params, subject models.Subject) {
	posts, err := s.db.ListPosts(subject.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("list posts failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]postResponse, 0, len(posts))
	for _, post := range posts {
		out = append(out, postResponse{ID: post.ID, Content: post.Content, CreatedAt: post.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// lookupOwnPost resolves the :id path parameter to a post owned by the
// caller. Someone else's post reads as forbidden, not missing, matching the
// write paths.
func (s *Server) lookupOwnPost(w http.ResponseWriter, ps httprouter.Params, subject models.Subject) *models.Post {
	postID, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return nil
	}

	post, err := s.db.GetPost(postID)
	if err == db.ErrNoRows {
		writeError(w, http.StatusNotFound, "post not found")
		return nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("post lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if post.AuthorID != subject.ID {
		writeError(w, http.StatusForbidden, "not your post")
		return nil
	}
	return post
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject) {
	post := s.lookupOwnPost(w, ps, subject)
	if post == nil {
		return
	}
	writeJSON(w, http.StatusOK, postResponse{ID: post.ID, Content: post.Content, CreatedAt: post.CreatedAt})
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "post content required")
		return
	}

	post := s.lookupOwnPost(w, ps, subject)
	if post == nil {
		return
	}

	if err := s.db.UpdatePost(post.ID, req.Content); err != nil {
		s.log.Error().Err(err).Msg("update post failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request, ps httprouter.Params, subject models.Subject) {
	post := s.lookupOwnPost(w, ps, subject)
	if post == nil {
		return
	}

	if err := s.db.DeletePost(post.ID); err != nil {
		s.log.Error().Err(err).Msg("delete post failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
