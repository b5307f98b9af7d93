package proof

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

// MemStore backs tests and local runs without Postgres.
type MemStore struct {
	mu        sync.Mutex
	requests  map[string]*Request
	subs      map[string]*Submission
	bindings  map[string]map[string]bool // file hash -> task ids
	snapshots []memSnapshot
}

type memSnapshot struct {
	TaskID    string
	DisputeID string
	Raw       json.RawMessage
	TakenAt   time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[string]*Request),
		subs:     make(map[string]*Submission),
		bindings: make(map[string]map[string]bool),
	}
}

func (s *MemStore) CreateRequest(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, hxerr.ErrNotFound.Wrapf("proof request %s", id)
	}
	cp := *req
	return &cp, nil
}

func (s *MemStore) CountRequests(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) UpdateRequestState(ctx context.Context, id string, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("proof request %s", id)
	}
	if req.State != from {
		return hxerr.ErrProofTransition.Wrapf("request %s is %s, want %s", id, req.State, from)
	}
	req.State = to
	return nil
}

func (s *MemStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, hxerr.ErrNotFound.Wrapf("proof submission %s", id)
	}
	cp := *sub
	return &cp, nil
}

func (s *MemStore) UpdateSubmissionState(ctx context.Context, id string, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("proof submission %s", id)
	}
	if sub.State != from {
		return hxerr.ErrProofTransition.Wrapf("submission %s is %s, want %s", id, sub.State, from)
	}
	sub.State = to
	return nil
}

func (s *MemStore) SetForensics(ctx context.Context, submissionID string, f Forensics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[submissionID]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("proof submission %s", submissionID)
	}
	cp := f
	sub.Forensics = &cp
	return nil
}

func (s *MemStore) BindHash(ctx context.Context, fileHash, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, ok := s.bindings[fileHash]
	if !ok {
		tasks = make(map[string]bool)
		s.bindings[fileHash] = tasks
	}
	reused := false
	for t := range tasks {
		if t != taskID {
			reused = true
			break
		}
	}
	tasks[taskID] = true
	return reused, nil
}

func (s *MemStore) ListRequests(ctx context.Context, taskID string) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, req := range s.requests {
		if req.TaskID == taskID {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) ListSubmissions(ctx context.Context, taskID string) ([]*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Submission
	for _, sub := range s.subs {
		if sub.TaskID == taskID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) InsertSnapshot(ctx context.Context, taskID, disputeID string, snapshot json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, memSnapshot{
		TaskID: taskID, DisputeID: disputeID, Raw: snapshot, TakenAt: time.Now(),
	})
	return nil
}

func (s *MemStore) LockNonTerminal(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.TaskID == taskID && !req.State.Terminal() {
			req.State = StateLocked
		}
	}
	for _, sub := range s.subs {
		if sub.TaskID == taskID && !sub.State.Terminal() {
			sub.State = StateLocked
		}
	}
	return nil
}

// Snapshots returns the stored snapshots (test helper).
func (s *MemStore) Snapshots() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.snapshots))
	for i, snap := range s.snapshots {
		out[i] = snap.Raw
	}
	return out
}

// BoundTasks returns the task ids a hash is bound to (test helper).
func (s *MemStore) BoundTasks(fileHash string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for t := range s.bindings[fileHash] {
		out = append(out, t)
	}
	return out
}
