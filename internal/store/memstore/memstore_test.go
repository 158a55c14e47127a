package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerificationConsumeOnce(t *testing.T) {
	db := New()
	repo := db.Verifications()
	now := time.Now()

	code, err := repo.Issue(context.Background(), types.VerificationCode{
		UserID:    1,
		Purpose:   types.PurposeTwoFactor,
		Code:      "123456",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.Consume(context.Background(), code.ID, now) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestVerificationConsumeRejectsExpired(t *testing.T) {
	repo := New().Verifications()
	now := time.Now()
	code, err := repo.Issue(context.Background(), types.VerificationCode{
		UserID: 1, Purpose: types.PurposeTwoFactor, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.Consume(context.Background(), code.ID, now.Add(time.Minute)), store.ErrStaleState)
	assert.ErrorIs(t, repo.Consume(context.Background(), 999, now), store.ErrStaleState)
}

func TestVerificationIssueSupersedes(t *testing.T) {
	db := New()
	repo := db.Verifications()
	now := time.Now()
	issue := func(purpose types.Purpose) types.VerificationCode {
		code, err := repo.Issue(context.Background(), types.VerificationCode{
			UserID: 1, Purpose: purpose, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		})
		require.NoError(t, err)
		return code
	}

	first := issue(types.PurposeChangeEmail)
	other := issue(types.PurposeChangePhone)
	second := issue(types.PurposeChangeEmail)

	codes := db.VerificationCodes()
	require.Len(t, codes, 3)
	assert.True(t, codes[first.ID-1].Superseded)
	assert.True(t, codes[first.ID-1].Consumed)
	assert.False(t, codes[other.ID-1].Consumed)
	assert.False(t, codes[second.ID-1].Consumed)

	latest, err := repo.Latest(context.Background(), 1, types.PurposeChangeEmail)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestScanTransition(t *testing.T) {
	repo := New().Scans()
	ctx := context.Background()
	scan, err := repo.Create(ctx, types.Scan{UserID: 1, Status: types.ScanSubmitted})
	require.NoError(t, err)

	reviewer := 2
	at := time.Now()
	updated, err := repo.Transition(ctx, types.ScanTransition{
		ScanID: scan.ID, From: []types.ScanStatus{types.ScanSubmitted}, To: types.ScanRejected, ReviewedBy: &reviewer, At: at,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ScanRejected, updated.Status)
	assert.Equal(t, at, *updated.ReviewedAt)

	_, err = repo.Transition(ctx, types.ScanTransition{
		ScanID: scan.ID, From: []types.ScanStatus{types.ScanSubmitted}, To: types.ScanConfirmed, At: at,
	})
	assert.ErrorIs(t, err, store.ErrStaleState)

	_, err = repo.Transition(ctx, types.ScanTransition{ScanID: 42, To: types.ScanConfirmed})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUserUniqueness(t *testing.T) {
	users := New().Users()
	ctx := context.Background()
	a, err := users.Create(ctx, types.User{Username: "a", Email: "a@example.com"})
	require.NoError(t, err)
	_, err = users.Create(ctx, types.User{Username: "b", Email: "A@example.com"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	b, err := users.Create(ctx, types.User{Username: "b", Email: "b@example.com"})
	require.NoError(t, err)

	_, err = users.UpdateEmail(ctx, b.ID, a.Email)
	assert.ErrorIs(t, err, store.ErrDuplicate)
	_, err = users.UpdatePhone(ctx, 99, "+639171234567")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter()
	now := time.Now()
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "k", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := limiter.Allow(ctx, "k", 3, time.Hour)
	assert.False(t, ok)

	now = now.Add(time.Hour + time.Second)
	removed, err := limiter.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	ok, _ = limiter.Allow(ctx, "k", 3, time.Hour)
	assert.True(t, ok)
}
