package api

import (
	"encoding/json"
	"net/http"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/verification"
)

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
		Target  string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}
	err := s.verify.SendCode(r.Context(), actorID(r), verification.Channel(req.Channel), req.Target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
		Target  string `json:"target"`
		Code    string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}
	err := s.verify.VerifyCode(r.Context(), actorID(r), verification.Channel(req.Channel), req.Target, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}
