// Package proof implements the evidence lifecycle that gates escrow release:
// proof requests, submissions, forensics scoring, hash bindings, and the
// immutable dispute snapshot. All state moves through a fixed transition
// table; rows are append-only apart from the state column.
package proof

import (
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

type State string

const (
	StateNone      State = "none"
	StateRequested State = "requested"
	StateSubmitted State = "submitted"
	StateAnalyzing State = "analyzing"
	StateVerified  State = "verified"
	StateRejected  State = "rejected"
	StateEscalated State = "escalated"
	StateLocked    State = "locked"
)

// transitions is the fixed lifecycle table. locked is terminal.
var transitions = map[State][]State{
	StateNone:      {StateRequested},
	StateRequested: {StateSubmitted},
	StateSubmitted: {StateAnalyzing},
	StateAnalyzing: {StateVerified, StateRejected, StateEscalated},
	StateVerified:  {StateLocked},
}

// CanTransition reports whether from -> to is in the table. Dispute
// snapshots lock rows outside the table via lockNonTerminal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateLocked || s == StateRejected || s == StateEscalated
}

type ProofType string

const (
	TypePhoto    ProofType = "photo"
	TypeVideo    ProofType = "video"
	TypeDocument ProofType = "document"
	TypeLocation ProofType = "location"
)

// TrustTier mirrors the identity-verification level of the requester.
type TrustTier string

const (
	TierNew      TrustTier = "new"
	TierVerified TrustTier = "verified"
	TierTrusted  TrustTier = "trusted"
)

type Request struct {
	ID          string
	TaskID      string
	RequestedBy string
	Type        ProofType
	Reason      string
	State       State
	CreatedAt   time.Time
}

type Metadata struct {
	EXIF        map[string]string `json:"exif,omitempty"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	CapturedAt  time.Time         `json:"captured_at,omitempty"`
	Latitude    float64           `json:"lat,omitempty"`
	Longitude   float64           `json:"lng,omitempty"`
	SoftwareTag string            `json:"software,omitempty"`
}

type Submission struct {
	ID          string
	RequestID   string
	TaskID      string
	SubmittedBy string
	FileHash    string
	MimeType    string
	SizeBytes   int64
	Metadata    Metadata
	State       State
	Forensics   *Forensics
	CreatedAt   time.Time
}

// typePolicy maps a task category to the proof types a poster may request.
// Unlisted categories allow everything.
var typePolicy = map[string][]ProofType{
	"delivery":  {TypePhoto, TypeLocation},
	"cleaning":  {TypePhoto, TypeVideo},
	"tutoring":  {TypeDocument, TypeVideo},
	"handyman":  {TypePhoto, TypeVideo},
	"digital":   {TypeDocument},
	"transport": {TypePhoto, TypeLocation},
}

// CheckRequestPolicy validates that the proof type is legal for the task
// category and that the requester's tier may demand proof at all.
func CheckRequestPolicy(category string, proofType ProofType, tier TrustTier) error {
	if tier == TierNew && proofType == TypeVideo {
		return hxerr.ErrPolicyBlocked.Wrapf("tier %s cannot request %s proof", tier, proofType)
	}
	allowed, ok := typePolicy[category]
	if !ok {
		return nil
	}
	for _, t := range allowed {
		if t == proofType {
			return nil
		}
	}
	return hxerr.ErrPolicyBlocked.Wrapf("proof type %s not allowed for category %s", proofType, category)
}
