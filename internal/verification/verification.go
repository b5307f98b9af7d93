// Package verification implements the two-channel identity flow: email
// first, then SMS. Codes are bcrypt-hashed at rest with a short TTL, a
// bounded attempt count, and per-channel send rate limits. Raw codes are
// logged only outside production.
package verification

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/messaging"
	"github.com/hustlex/backend/internal/outbox"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Attempt is one issued code.
type Attempt struct {
	ID           string
	UserID       string
	Channel      Channel
	Target       string
	CodeHash     string
	ExpiresAt    time.Time
	AttemptCount int
	Succeeded    bool
	CreatedAt    time.Time
}

type Store interface {
	CreateAttempt(ctx context.Context, a *Attempt) error
	// LatestAttempt returns the newest attempt for the channel+target, or
	// ErrNotFound.
	LatestAttempt(ctx context.Context, channel Channel, target string) (*Attempt, error)
	// IncrementAttempts bumps the failure counter and returns the new count.
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkSucceeded(ctx context.Context, id string) error
	// CountRecentSends backs the per-channel rate limit.
	CountRecentSends(ctx context.Context, channel Channel, target string, since time.Time) (int, error)
	// VerifiedChannels lists the channels the user has completed.
	VerifiedChannels(ctx context.Context, userID string) ([]Channel, error)
}

type Service struct {
	store  Store
	email  messaging.EmailStore
	sms    messaging.SMSStore
	outbox outbox.Store

	codeTTL      time.Duration
	maxAttempts  int
	sendLimit    int // sends per window per channel+target
	sendWindow   time.Duration
	isProduction bool
	logger       *log.Logger
}

type Params struct {
	Store        Store
	Email        messaging.EmailStore
	SMS          messaging.SMSStore
	Outbox       outbox.Store
	CodeTTL      time.Duration
	MaxAttempts  int
	SendLimit    int
	SendWindow   time.Duration
	IsProduction bool
}

func NewService(p Params) *Service {
	if p.CodeTTL <= 0 {
		p.CodeTTL = 10 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.SendLimit <= 0 {
		p.SendLimit = 3
	}
	if p.SendWindow <= 0 {
		p.SendWindow = 10 * time.Minute
	}
	return &Service{
		store:        p.Store,
		email:        p.Email,
		sms:          p.SMS,
		outbox:       p.Outbox,
		codeTTL:      p.CodeTTL,
		maxAttempts:  p.MaxAttempts,
		sendLimit:    p.SendLimit,
		sendWindow:   p.SendWindow,
		isProduction: p.IsProduction,
		logger:       log.New(log.Writer(), "[VERIFY] ", log.LstdFlags),
	}
}

// SendCode issues a fresh code on the channel and enqueues the delivery
// through the messaging outbox.
func (s *Service) SendCode(ctx context.Context, userID string, channel Channel, target string) error {
	if channel != ChannelEmail && channel != ChannelSMS {
		return hxerr.ErrInternal.Wrapf("unknown channel %q", channel)
	}
	sent, err := s.store.CountRecentSends(ctx, channel, target, time.Now().Add(-s.sendWindow))
	if err != nil {
		return err
	}
	if sent >= s.sendLimit {
		return hxerr.ErrRateLimited.Wrapf("%s sends to %s", channel, target)
	}

	code, err := generateCode()
	if err != nil {
		return hxerr.ErrInternal.WithCause(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return hxerr.ErrInternal.WithCause(err)
	}

	attempt := &Attempt{
		ID:        uuid.NewString(),
		UserID:    userID,
		Channel:   channel,
		Target:    target,
		CodeHash:  string(hash),
		ExpiresAt: time.Now().Add(s.codeTTL),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return err
	}

	switch channel {
	case ChannelEmail:
		err = s.email.Enqueue(ctx, target, "verification_code",
			map[string]string{"code": code}, "verify:"+attempt.ID)
	case ChannelSMS:
		err = s.sms.Enqueue(ctx, target,
			fmt.Sprintf("Your HustleX verification code is %s", code), "verify:"+attempt.ID)
	}
	if err != nil {
		return err
	}

	if !s.isProduction {
		s.logger.Printf("issued %s code for %s: %s (attempt %s)", channel, target, code, attempt.ID)
	} else {
		s.logger.Printf("issued %s code for %s (attempt %s)", channel, target, attempt.ID)
	}
	return nil
}

// VerifyCode checks a submitted code against the newest attempt for the
// channel+target. Completion of both channels emits identity.verified
// through the outbox.
func (s *Service) VerifyCode(ctx context.Context, userID string, channel Channel, target, code string) error {
	attempt, err := s.store.LatestAttempt(ctx, channel, target)
	if err != nil {
		return err
	}
	if attempt.Succeeded {
		return nil // already verified, idempotent
	}
	if attempt.AttemptCount >= s.maxAttempts {
		return hxerr.ErrAttemptsLocked.Wrapf("%s verification for %s", channel, target)
	}
	if time.Now().After(attempt.ExpiresAt) {
		return hxerr.ErrCodeExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(attempt.CodeHash), []byte(code)) != nil {
		count, incErr := s.store.IncrementAttempts(ctx, attempt.ID)
		if incErr != nil {
			return incErr
		}
		if count >= s.maxAttempts {
			return hxerr.ErrAttemptsLocked.Wrapf("%s verification for %s", channel, target)
		}
		return hxerr.ErrCodeMismatch
	}

	if err := s.store.MarkSucceeded(ctx, attempt.ID); err != nil {
		return err
	}
	s.logger.Printf("%s verified for user %s", channel, userID)

	channels, err := s.store.VerifiedChannels(ctx, userID)
	if err != nil {
		return err
	}
	if hasBoth(channels) {
		ev, err := outbox.NewEvent("identity.verified", "user", userID, 1, "domain",
			map[string]string{"user_id": userID})
		if err != nil {
			return err
		}
		if err := s.outbox.Insert(ctx, ev); err != nil {
			return err
		}
		s.logger.Printf("user %s fully verified", userID)
	}
	return nil
}

func hasBoth(channels []Channel) bool {
	var email, sms bool
	for _, c := range channels {
		switch c {
		case ChannelEmail:
			email = true
		case ChannelSMS:
			sms = true
		}
	}
	return email && sms
}

// generateCode returns a 6-digit numeric code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
