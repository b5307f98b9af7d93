package verification

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/messaging"
	"github.com/hustlex/backend/internal/outbox"
)

type verifyRig struct {
	svc    *Service
	store  *MemStore
	email  *messaging.MemEmailStore
	sms    *messaging.MemSMSStore
	events *outbox.MemStore
}

func newVerifyRig(t *testing.T, p Params) *verifyRig {
	t.Helper()
	r := &verifyRig{
		store:  NewMemStore(),
		email:  messaging.NewMemEmailStore(),
		sms:    messaging.NewMemSMSStore(),
		events: outbox.NewMemStore(),
	}
	p.Store = r.store
	p.Email = r.email
	p.SMS = r.sms
	p.Outbox = r.events
	r.svc = NewService(p)
	return r
}

// emailCode digs the raw code out of the queued delivery.
func (r *verifyRig) emailCode(t *testing.T) string {
	t.Helper()
	jobs, err := r.email.Claim(context.Background(), 100)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(jobs[len(jobs)-1].Payload, &payload))
	return payload["code"]
}

func (r *verifyRig) smsCode(t *testing.T) string {
	t.Helper()
	jobs, err := r.sms.Claim(context.Background(), 100)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	body := string(jobs[len(jobs)-1].Payload)
	i := strings.LastIndex(body, " ")
	require.GreaterOrEqual(t, i, 0)
	return body[i+1:]
}

func TestSendAndVerifyEmail(t *testing.T) {
	r := newVerifyRig(t, Params{})
	ctx := context.Background()

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelEmail, "u1@example.com"))
	code := r.emailCode(t)
	require.Len(t, code, 6)

	require.NoError(t, r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", code))

	// Re-verifying a completed attempt is idempotent.
	require.NoError(t, r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", code))
}

func TestCodesAreHashedAtRest(t *testing.T) {
	r := newVerifyRig(t, Params{})
	ctx := context.Background()

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelEmail, "u1@example.com"))
	code := r.emailCode(t)

	attempt, err := r.store.LatestAttempt(ctx, ChannelEmail, "u1@example.com")
	require.NoError(t, err)
	assert.NotContains(t, attempt.CodeHash, code)
	assert.True(t, strings.HasPrefix(attempt.CodeHash, "$2"), "bcrypt hash expected")
}

func TestWrongCodeLockout(t *testing.T) {
	r := newVerifyRig(t, Params{MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelEmail, "u1@example.com"))
	code := r.emailCode(t)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	err := r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", wrong)
	assert.True(t, hxerr.Is(err, hxerr.ErrCodeMismatch))
	err = r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", wrong)
	assert.True(t, hxerr.Is(err, hxerr.ErrCodeMismatch))
	err = r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", wrong)
	assert.True(t, hxerr.Is(err, hxerr.ErrAttemptsLocked))

	// Locked even with the right code.
	err = r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", code)
	assert.True(t, hxerr.Is(err, hxerr.ErrAttemptsLocked))
}

func TestExpiredCodeRejected(t *testing.T) {
	r := newVerifyRig(t, Params{CodeTTL: time.Nanosecond})
	ctx := context.Background()

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelEmail, "u1@example.com"))
	code := r.emailCode(t)
	time.Sleep(time.Millisecond)

	err := r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", code)
	assert.True(t, hxerr.Is(err, hxerr.ErrCodeExpired))
}

func TestSendRateLimit(t *testing.T) {
	r := newVerifyRig(t, Params{SendLimit: 2})
	ctx := context.Background()

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelSMS, "+15550001111"))
	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelSMS, "+15550001111"))
	err := r.svc.SendCode(ctx, "u1", ChannelSMS, "+15550001111")
	assert.True(t, hxerr.Is(err, hxerr.ErrRateLimited))

	// A different target is not throttled.
	assert.NoError(t, r.svc.SendCode(ctx, "u2", ChannelSMS, "+15550002222"))
}

func TestBothChannelsEmitIdentityVerified(t *testing.T) {
	r := newVerifyRig(t, Params{})
	ctx := context.Background()

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelEmail, "u1@example.com"))
	require.NoError(t, r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", r.emailCode(t)))
	assert.Empty(t, r.events.Events(), "one channel is not enough")

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelSMS, "+15550001111"))
	require.NoError(t, r.svc.VerifyCode(ctx, "u1", ChannelSMS, "+15550001111", r.smsCode(t)))

	events := r.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "identity.verified", events[0].EventType)
	assert.Equal(t, "u1", events[0].AggregateID)
}

func TestUnknownChannelRejected(t *testing.T) {
	r := newVerifyRig(t, Params{})
	err := r.svc.SendCode(context.Background(), "u1", Channel("carrier-pigeon"), "somewhere")
	assert.Error(t, err)
}

func TestResendInvalidatesNothingButLatestWins(t *testing.T) {
	r := newVerifyRig(t, Params{SendLimit: 5})
	ctx := context.Background()

	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelEmail, "u1@example.com"))
	first := r.emailCode(t)
	require.NoError(t, r.svc.SendCode(ctx, "u1", ChannelEmail, "u1@example.com"))
	second := r.emailCode(t)

	if first != second {
		// Verification always checks the newest attempt.
		err := r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", first)
		assert.True(t, hxerr.Is(err, hxerr.ErrCodeMismatch))
	}
	require.NoError(t, r.svc.VerifyCode(ctx, "u1", ChannelEmail, "u1@example.com", second))
}
