package proof

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeCleanPhoto(t *testing.T) {
	now := time.Now()
	f := Analyze(&Submission{
		MimeType: "image/jpeg",
		Metadata: Metadata{
			EXIF:       map[string]string{"Make": "Apple"},
			Width:      4032,
			Height:     3024,
			CapturedAt: now.Add(-time.Hour),
		},
	}, now)
	assert.Equal(t, 1.0, f.Confidence)
	assert.False(t, f.LikelyScreenshot)
	assert.Equal(t, StateVerified, f.Decision())
}

func TestAnalyzeScreenshot(t *testing.T) {
	now := time.Now()
	f := Analyze(&Submission{
		MimeType: "image/png",
		Metadata: Metadata{Width: 1170, Height: 2532}, // no EXIF, iPhone screen
	}, now)
	assert.True(t, f.LikelyScreenshot)
	assert.InDelta(t, 0.6, f.Confidence, 0.001) // -0.25 exif, -0.15 dimensions
	assert.Equal(t, StateEscalated, f.Decision())
}

func TestAnalyzeAITagAlwaysEscalates(t *testing.T) {
	now := time.Now()
	f := Analyze(&Submission{
		MimeType: "image/jpeg",
		Metadata: Metadata{
			EXIF:        map[string]string{"Make": "x"},
			SoftwareTag: "Midjourney v6",
			CapturedAt:  now.Add(-time.Minute),
		},
	}, now)
	assert.True(t, f.LikelyAI)
	assert.Equal(t, StateEscalated, f.Decision())
}

func TestAnalyzeEditingSoftware(t *testing.T) {
	now := time.Now()
	f := Analyze(&Submission{
		MimeType: "image/jpeg",
		Metadata: Metadata{
			EXIF:        map[string]string{"Make": "x"},
			SoftwareTag: "Adobe Photoshop 25.0",
			CapturedAt:  now.Add(-time.Minute),
		},
	}, now)
	assert.True(t, f.LikelyEdited)
	assert.InDelta(t, 0.8, f.Confidence, 0.001)
	assert.Equal(t, StateVerified, f.Decision())
}

func TestAnalyzeTimestampAnomaly(t *testing.T) {
	now := time.Now()

	// Captured in the future.
	f := Analyze(&Submission{
		MimeType: "video/mp4",
		Metadata: Metadata{CapturedAt: now.Add(time.Hour)},
	}, now)
	assert.True(t, f.TimestampAnomaly)

	// Captured months ago.
	f = Analyze(&Submission{
		MimeType: "video/mp4",
		Metadata: Metadata{CapturedAt: now.Add(-45 * 24 * time.Hour)},
	}, now)
	assert.True(t, f.TimestampAnomaly)

	// A few minutes of skew is fine.
	f = Analyze(&Submission{
		MimeType: "video/mp4",
		Metadata: Metadata{CapturedAt: now.Add(-2 * time.Minute)},
	}, now)
	assert.False(t, f.TimestampAnomaly)
}

func TestConfidenceFloorsAtZero(t *testing.T) {
	now := time.Now()
	f := Analyze(&Submission{
		MimeType: "image/png",
		Metadata: Metadata{
			Width: 1170, Height: 2532,
			SoftwareTag: "photoshop + stable diffusion",
			CapturedAt:  now.Add(time.Hour),
		},
	}, now)
	assert.Equal(t, 0.0, f.Confidence)
	assert.Equal(t, StateEscalated, f.Decision(), "AI flag wins over low confidence")
}

func TestDecisionBuckets(t *testing.T) {
	assert.Equal(t, StateVerified, Forensics{Confidence: 0.7}.Decision())
	assert.Equal(t, StateEscalated, Forensics{Confidence: 0.69}.Decision())
	assert.Equal(t, StateEscalated, Forensics{Confidence: 0.4}.Decision())
	assert.Equal(t, StateRejected, Forensics{Confidence: 0.39}.Decision())
	assert.Equal(t, StateEscalated, Forensics{Confidence: 1.0, LikelyAI: true}.Decision())
}
