package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tickerchat/auth/internal/auth"
	"github.com/tickerchat/auth/internal/models"
)

const sessionCookie = "session_id"

type Server struct {
	auth *auth.Service
}

func NewServer(authService *auth.Service) *Server {
	return &Server{auth: authService}
}

type gateRequest struct {
	Password string `json:"password"`
}

func (s *Server) GateHandler(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]bool{"success": s.auth.VerifyGatePassword(req.Password)})
}

type registerOptionsRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

func (s *Server) RegisterOptionsHandler(w http.ResponseWriter, r *http.Request) {
	var req registerOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	options, userID, err := s.auth.BeginRegistration(r.Context(), req.Username, req.DisplayName)
	if err != nil {
		writeCeremonyError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"options": options,
		"user_id": userID,
	})
}

type registerVerifyRequest struct {
	Username  string          `json:"username"`
	UserID    string          `json:"user_id"`
	Response  json.RawMessage `json:"response"`
	ImageData string          `json:"image_data"`
}

func (s *Server) RegisterVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req registerVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.UserID == "" {
		http.Error(w, "username and user_id required", http.StatusBadRequest)
		return
	}

	user, err := s.auth.FinishRegistration(r.Context(), req.Response, req.UserID, req.Username, decodeImageData(req.ImageData))
	if err != nil {
		writeCeremonyError(w, err)
		return
	}

	s.startSession(w, r, user)
	writeJSON(w, map[string]any{"user": user})
}

type loginOptionsRequest struct {
	Username string `json:"username"`
}

func (s *Server) LoginOptionsHandler(w http.ResponseWriter, r *http.Request) {
	var req loginOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	options, err := s.auth.BeginLogin(r.Context(), req.Username)
	if err != nil {
		writeCeremonyError(w, err)
		return
	}

	writeJSON(w, options)
}

type loginVerifyRequest struct {
	Username string          `json:"username"`
	Response json.RawMessage `json:"response"`
}

func (s *Server) LoginVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req loginVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	user, err := s.auth.FinishLogin(r.Context(), req.Response, req.Username)
	if err != nil {
		writeCeremonyError(w, err)
		return
	}

	s.startSession(w, r, user)
	writeJSON(w, map[string]any{"user": user})
}

func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	user, err := s.auth.UserFromSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	writeJSON(w, user)
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromRequest(r)
	if sessionID != "" {
		if err := s.auth.Logout(r.Context(), sessionID); err != nil {
			http.Error(w, "failed to delete session", http.StatusInternalServerError)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, map[string]string{"status": "logged_out"})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user *models.User) {
	session, err := s.auth.CreateSession(r.Context(), user)
	if err != nil {
		// The ceremony already succeeded; the client can still log in
		// again if the cookie is missing.
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// decodeImageData accepts either a bare base64 payload or a data URL as sent
// by canvas.toDataURL.
func decodeImageData(imageData string) []byte {
	if imageData == "" {
		return nil
	}
	if idx := strings.Index(imageData, ";base64,"); idx >= 0 {
		imageData = imageData[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(imageData)
	if err != nil {
		return nil
	}
	return data
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeCeremonyError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrUsernameTaken):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrReplaySuspected):
		status = http.StatusUnauthorized
	}
	http.Error(w, err.Error(), status)
}
