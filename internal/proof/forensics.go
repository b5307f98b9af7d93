package proof

import (
	"strings"
	"time"
)

// Forensics is the heuristic pass over a submission. It is advisory: the
// score feeds the verify/reject/escalate decision but never blocks a
// submission on its own.
type Forensics struct {
	Confidence       float64  `json:"confidence"` // [0,1]
	LikelyScreenshot bool     `json:"likely_screenshot"`
	LikelyAI         bool     `json:"likely_ai"`
	LikelyEdited     bool     `json:"likely_edited"`
	TimestampAnomaly bool     `json:"timestamp_anomaly"`
	Notes            []string `json:"notes,omitempty"`
}

var editingSoftware = []string{"photoshop", "gimp", "lightroom", "snapseed", "facetune"}
var aiSoftware = []string{"midjourney", "dall-e", "dalle", "stable diffusion", "firefly"}

// Analyze scores a submission. Pure function of the submission fields so the
// result is reproducible for the dispute snapshot.
func Analyze(sub *Submission, now time.Time) Forensics {
	f := Forensics{Confidence: 1.0}

	if len(sub.Metadata.EXIF) == 0 && strings.HasPrefix(sub.MimeType, "image/") {
		f.LikelyScreenshot = true
		f.Confidence -= 0.25
		f.Notes = append(f.Notes, "no exif on image")
	}
	if sub.Metadata.Width > 0 && isCommonScreenSize(sub.Metadata.Width, sub.Metadata.Height) {
		f.LikelyScreenshot = true
		f.Confidence -= 0.15
		f.Notes = append(f.Notes, "dimensions match a device screen")
	}

	tag := strings.ToLower(sub.Metadata.SoftwareTag)
	for _, s := range editingSoftware {
		if strings.Contains(tag, s) {
			f.LikelyEdited = true
			f.Confidence -= 0.2
			f.Notes = append(f.Notes, "edited with "+s)
			break
		}
	}
	for _, s := range aiSoftware {
		if strings.Contains(tag, s) {
			f.LikelyAI = true
			f.Confidence -= 0.5
			f.Notes = append(f.Notes, "ai generator tag "+s)
			break
		}
	}

	if !sub.Metadata.CapturedAt.IsZero() {
		age := now.Sub(sub.Metadata.CapturedAt)
		if age < -5*time.Minute || age > 30*24*time.Hour {
			f.TimestampAnomaly = true
			f.Confidence -= 0.3
			f.Notes = append(f.Notes, "capture time implausible")
		}
	}

	if f.Confidence < 0 {
		f.Confidence = 0
	}
	return f
}

// Decision buckets the confidence score for the auto-finalize path.
// Humans can still override via finalizeProof.
func (f Forensics) Decision() State {
	switch {
	case f.LikelyAI:
		return StateEscalated
	case f.Confidence >= 0.7:
		return StateVerified
	case f.Confidence >= 0.4:
		return StateEscalated
	default:
		return StateRejected
	}
}

var screenSizes = [][2]int{
	{1170, 2532}, {1179, 2556}, {1080, 2340}, {1080, 2400},
	{1284, 2778}, {1290, 2796}, {750, 1334}, {828, 1792},
}

func isCommonScreenSize(w, h int) bool {
	for _, s := range screenSizes {
		if (w == s[0] && h == s[1]) || (w == s[1] && h == s[0]) {
			return true
		}
	}
	return false
}
