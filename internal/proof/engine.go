package proof

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/policy"
)

// Store is the persistence surface for the proof lifecycle.
type Store interface {
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	CountRequests(ctx context.Context, taskID string) (int, error)
	UpdateRequestState(ctx context.Context, id string, from, to State) error

	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	UpdateSubmissionState(ctx context.Context, id string, from, to State) error
	SetForensics(ctx context.Context, submissionID string, f Forensics) error

	// BindHash records the (file_hash, task_id) binding. reusedElsewhere is
	// true when the hash is already bound to a different task; the existing
	// binding is never touched.
	BindHash(ctx context.Context, fileHash, taskID string) (reusedElsewhere bool, err error)

	ListRequests(ctx context.Context, taskID string) ([]*Request, error)
	ListSubmissions(ctx context.Context, taskID string) ([]*Submission, error)
	InsertSnapshot(ctx context.Context, taskID, disputeID string, snapshot json.RawMessage) error
	// LockNonTerminal force-locks every request and submission on the task
	// that has not reached a terminal state.
	LockNonTerminal(ctx context.Context, taskID string) error
}

// Engine drives the proof lifecycle. Scores is optional; when set, hash
// reuse and rejections dock the submitter's shadow score.
type Engine struct {
	store   Store
	scores  policy.Store
	maxReqs int
	logger  *log.Logger
}

func NewEngine(store Store, scores policy.Store, maxRequestsPerTask int) *Engine {
	if maxRequestsPerTask <= 0 {
		maxRequestsPerTask = 3
	}
	return &Engine{
		store:   store,
		scores:  scores,
		maxReqs: maxRequestsPerTask,
		logger:  log.New(log.Writer(), "[PROOF] ", log.LstdFlags),
	}
}

// RequestProof opens a proof request on a task, subject to the per-category
// type policy and the per-task request cap.
func (e *Engine) RequestProof(ctx context.Context, taskID, requestedBy, category string, ptype ProofType, reason string, tier TrustTier) (*Request, error) {
	if err := CheckRequestPolicy(category, ptype, tier); err != nil {
		return nil, err
	}
	n, err := e.store.CountRequests(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if n >= e.maxReqs {
		return nil, hxerr.ErrProofLimit.Wrapf("task %s already has %d requests", taskID, n)
	}
	req := &Request{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		RequestedBy: requestedBy,
		Type:        ptype,
		Reason:      reason,
		State:       StateRequested,
		CreatedAt:   time.Now(),
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Submit attaches evidence to an open request, binds the file hash, and runs
// the forensics pass. A hash already bound to a different task escalates the
// new submission immediately; the original task's binding is untouched.
func (e *Engine) Submit(ctx context.Context, requestID, submittedBy, fileHash, mimeType string, sizeBytes int64, md Metadata) (*Submission, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State == StateLocked {
		return nil, hxerr.ErrProofLocked.Wrapf("request %s", requestID)
	}
	if req.State != StateRequested {
		return nil, hxerr.ErrProofTransition.Wrapf("request %s is %s, want %s", requestID, req.State, StateRequested)
	}

	sub := &Submission{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		TaskID:      req.TaskID,
		SubmittedBy: submittedBy,
		FileHash:    fileHash,
		MimeType:    mimeType,
		SizeBytes:   sizeBytes,
		Metadata:    md,
		State:       StateSubmitted,
		CreatedAt:   time.Now(),
	}
	if err := e.store.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRequestState(ctx, req.ID, StateRequested, StateSubmitted); err != nil {
		return nil, err
	}

	reused, err := e.store.BindHash(ctx, fileHash, req.TaskID)
	if err != nil {
		return nil, err
	}
	if reused {
		if err := e.store.UpdateSubmissionState(ctx, sub.ID, StateSubmitted, StateAnalyzing); err != nil {
			return nil, err
		}
		if err := e.store.UpdateSubmissionState(ctx, sub.ID, StateAnalyzing, StateEscalated); err != nil {
			return nil, err
		}
		sub.State = StateEscalated
		e.penalize(ctx, submittedBy, "proof_hash_reuse", sub.ID)
		e.logger.Printf("CRITICAL: hash %s reused across tasks, submission %s escalated", fileHash, sub.ID)
		return sub, nil
	}

	if err := e.store.UpdateSubmissionState(ctx, sub.ID, StateSubmitted, StateAnalyzing); err != nil {
		return nil, err
	}
	sub.State = StateAnalyzing
	f := Analyze(sub, time.Now())
	if err := e.store.SetForensics(ctx, sub.ID, f); err != nil {
		return nil, err
	}
	sub.Forensics = &f
	e.logger.Printf("submission %s analyzed: confidence=%.2f screenshot=%v ai=%v",
		sub.ID, f.Confidence, f.LikelyScreenshot, f.LikelyAI)
	return sub, nil
}

// Finalize applies a decision to an analyzing submission. decision must be
// verified, rejected, or escalated.
func (e *Engine) Finalize(ctx context.Context, submissionID string, decision State) (*Submission, error) {
	if decision != StateVerified && decision != StateRejected && decision != StateEscalated {
		return nil, hxerr.ErrProofTransition.Wrapf("decision %s not allowed", decision)
	}
	sub, err := e.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.State == StateLocked {
		return nil, hxerr.ErrProofLocked.Wrapf("submission %s", submissionID)
	}
	if !CanTransition(sub.State, decision) {
		return nil, hxerr.ErrProofTransition.Wrapf("submission %s: %s -> %s", submissionID, sub.State, decision)
	}
	if err := e.store.UpdateSubmissionState(ctx, sub.ID, sub.State, decision); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRequestState(ctx, sub.RequestID, StateSubmitted, decision); err != nil {
		return nil, err
	}
	sub.State = decision
	if decision == StateRejected {
		e.penalize(ctx, sub.SubmittedBy, "proof_rejected", sub.ID)
	}
	return sub, nil
}

// LockVerified moves verified submissions on the task to locked. Called when
// the escrow releases so accepted evidence becomes immutable.
func (e *Engine) LockVerified(ctx context.Context, taskID string) error {
	subs, err := e.store.ListSubmissions(ctx, taskID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.State != StateVerified {
			continue
		}
		if err := e.store.UpdateSubmissionState(ctx, sub.ID, StateVerified, StateLocked); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotForDispute freezes every proof row for the task into an immutable
// JSON snapshot keyed by dispute id, then locks all non-terminal rows.
// Implements the money engine's snapshot hook.
func (e *Engine) SnapshotForDispute(ctx context.Context, taskID, disputeID string) error {
	reqs, err := e.store.ListRequests(ctx, taskID)
	if err != nil {
		return err
	}
	subs, err := e.store.ListSubmissions(ctx, taskID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(struct {
		TaskID      string        `json:"task_id"`
		DisputeID   string        `json:"dispute_id"`
		Requests    []*Request    `json:"requests"`
		Submissions []*Submission `json:"submissions"`
		TakenAt     time.Time     `json:"taken_at"`
	}{taskID, disputeID, reqs, subs, time.Now()})
	if err != nil {
		return hxerr.ErrInternal.WithCause(err)
	}
	if err := e.store.InsertSnapshot(ctx, taskID, disputeID, raw); err != nil {
		return err
	}
	if err := e.store.LockNonTerminal(ctx, taskID); err != nil {
		return err
	}
	e.logger.Printf("snapshotted %d requests / %d submissions for task %s (dispute %s)",
		len(reqs), len(subs), taskID, disputeID)
	return nil
}

func (e *Engine) penalize(ctx context.Context, userID, reason, source string) {
	if e.scores == nil {
		return
	}
	if _, err := e.scores.Apply(ctx, userID, policy.Reason(reason), "proof:"+source); err != nil {
		e.logger.Printf("score apply failed for %s (%s): %v", userID, reason, err)
	}
}
