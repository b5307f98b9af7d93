package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/proof"
)

func (s *Server) handleRequestProof(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var req struct {
		Category string `json:"category"`
		Type     string `json:"type"`
		Reason   string `json:"reason"`
		Tier     string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}
	tier := proof.TrustTier(req.Tier)
	if tier == "" {
		tier = proof.TierNew
	}
	pr, err := s.proofs.RequestProof(r.Context(), taskID, actorID(r), req.Category,
		proof.ProofType(req.Type), req.Reason, tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"requestId": pr.ID,
		"state":     pr.State,
	})
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]
	var req struct {
		FileHash  string         `json:"fileHash"`
		MimeType  string         `json:"mimeType"`
		SizeBytes int64          `json:"sizeBytes"`
		Metadata  proof.Metadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}
	if req.FileHash == "" {
		s.writeError(w, r, hxerr.ErrProofTransition.Wrapf("fileHash is required"))
		return
	}
	sub, err := s.proofs.Submit(r.Context(), requestID, actorID(r),
		req.FileHash, req.MimeType, req.SizeBytes, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"submissionId": sub.ID,
		"state":        sub.State,
	}
	if sub.Forensics != nil {
		resp["confidence"] = sub.Forensics.Confidence
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleFinalizeProof(w http.ResponseWriter, r *http.Request) {
	submissionID := mux.Vars(r)["submissionId"]
	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}
	sub, err := s.proofs.Finalize(r.Context(), submissionID, proof.State(req.Decision))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"submissionId": sub.ID,
		"state":        sub.State,
	})
}
