package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cocoguard/apiserver/internal/apperr"
	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/internal/store/memstore"
	"github.com/cocoguard/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClassifier struct {
	result types.Classification
	err    error
	block  bool
}

func (f *fakeClassifier) Classify(ctx context.Context, imageRef string) (types.Classification, error) {
	if f.block {
		<-ctx.Done()
		return types.Classification{}, ctx.Err()
	}
	return f.result, f.err
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []types.PestAlert
}

func (f *fakeAlerts) PublishPestAlert(ctx context.Context, alert types.PestAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

type scanFixture struct {
	mem    *memstore.DB
	svc    *ScanService
	alerts *fakeAlerts
	farmer types.User
	admin  types.User
	other  types.User
}

func newScanFixture(t *testing.T, classifier Classifier) scanFixture {
	t.Helper()
	ctx := context.Background()
	mem := memstore.New()
	mem.SeedPestTypes(memstore.DefaultPestTypes...)

	farmer, err := mem.Users().Create(ctx, types.User{Username: "farmer", Email: "farmer@example.com", Role: types.RoleUser})
	require.NoError(t, err)
	admin, err := mem.Users().Create(ctx, types.User{Username: "admin", Email: "admin@example.com", Role: types.RoleAdmin})
	require.NoError(t, err)
	other, err := mem.Users().Create(ctx, types.User{Username: "other", Email: "other@example.com", Role: types.RoleUser})
	require.NoError(t, err)

	alerts := &fakeAlerts{}
	svc := NewScanService(mem.Scans(), mem.Farms(), mem.PestTypes(), classifier, alerts, zap.NewNop(), ScanOptions{
		ClassifyTimeout: 50 * time.Millisecond,
	})
	return scanFixture{mem: mem, svc: svc, alerts: alerts, farmer: farmer, admin: admin, other: other}
}

func (f scanFixture) submit(t *testing.T) types.Scan {
	t.Helper()
	scan, err := f.svc.Submit(context.Background(), f.farmer, SubmitScanInput{ImageRef: "scans/1/leaf.jpg"})
	require.NoError(t, err)
	return scan
}

func TestSubmitWithoutClassifierThenReview(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()

	scan := f.submit(t)
	assert.Equal(t, types.ScanSubmitted, scan.Status)
	assert.Equal(t, f.farmer.ID, scan.UserID)
	assert.Nil(t, scan.PestTypeID)

	pest := 3
	confirmed, err := f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanConfirmed, &pest)
	require.NoError(t, err)
	assert.Equal(t, types.ScanConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.PestTypeID)
	assert.Equal(t, 3, *confirmed.PestTypeID)
	require.NotNil(t, confirmed.ReviewedBy)
	assert.Equal(t, f.admin.ID, *confirmed.ReviewedBy)
	assert.NotNil(t, confirmed.ReviewedAt)

	_, err = f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanRejected, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := f.svc.Get(ctx, f.farmer, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanConfirmed, stored.Status)
}

func TestUpdateStatusRequiresAdmin(t *testing.T) {
	f := newScanFixture(t, nil)
	scan := f.submit(t)

	_, err := f.svc.UpdateStatus(context.Background(), f.farmer, scan.ID, types.ScanConfirmed, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	stored, err := f.mem.Scans().GetByID(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanSubmitted, stored.Status)
}

func TestUpdateStatusRejectsBadTargets(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()
	scan := f.submit(t)

	_, err := f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanStatus("verified"), nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanClassified, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanSubmitted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	pest := 99
	_, err = f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanConfirmed, &pest)
	assert.ErrorIs(t, err, ErrUnknownPestType)

	pest = 1
	_, err = f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanRejected, &pest)
	assert.ErrorIs(t, err, ErrInvalidScan)

	_, err = f.svc.UpdateStatus(ctx, f.admin, 404, types.ScanRejected, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRejectedScanIsTerminal(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()
	scan := f.submit(t)

	_, err := f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanRejected, nil)
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanConfirmed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanRejected, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentReviewsApplyOnce(t *testing.T) {
	f := newScanFixture(t, nil)
	scan := f.submit(t)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, next := range []types.ScanStatus{types.ScanConfirmed, types.ScanRejected} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.UpdateStatus(context.Background(), f.admin, scan.ID, next, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidTransition):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestSubmitClassifiesInBackground(t *testing.T) {
	f := newScanFixture(t, &fakeClassifier{result: types.Classification{PestTypeID: 2, Confidence: 0.87}})
	ctx := context.Background()

	scan := f.submit(t)
	assert.Equal(t, types.ScanSubmitted, scan.Status)
	f.svc.Wait()

	stored, err := f.mem.Scans().GetByID(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanClassified, stored.Status)
	require.NotNil(t, stored.PestTypeID)
	assert.Equal(t, 2, *stored.PestTypeID)
	require.NotNil(t, stored.Confidence)
	assert.InDelta(t, 0.87, *stored.Confidence, 1e-9)
	assert.Nil(t, stored.ReviewedBy)

	confirmed, err := f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanConfirmed, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, *confirmed.PestTypeID)
}

func TestSubmitSurvivesClassifierFailures(t *testing.T) {
	for name, classifier := range map[string]*fakeClassifier{
		"error":        {err: errors.New("model offline")},
		"timeout":      {block: true},
		"unknown pest": {result: types.Classification{PestTypeID: 42, Confidence: 0.5}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newScanFixture(t, classifier)
			scan := f.submit(t)
			f.svc.Wait()

			stored, err := f.mem.Scans().GetByID(context.Background(), scan.ID)
			require.NoError(t, err)
			assert.Equal(t, types.ScanSubmitted, stored.Status)
			assert.Nil(t, stored.PestTypeID)
		})
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.farmer, SubmitScanInput{})
	assert.ErrorIs(t, err, ErrInvalidScan)

	_, err = f.svc.Submit(ctx, f.farmer, SubmitScanInput{ImageRef: "scans/1/x.jpg", Source: "drone"})
	assert.ErrorIs(t, err, ErrInvalidScan)

	_, err = f.svc.Submit(ctx, f.farmer, SubmitScanInput{
		ImageRef: "scans/1/x.jpg",
		Location: &types.GeoPoint{Latitude: 91, Longitude: 0},
	})
	assert.ErrorIs(t, err, ErrInvalidScan)

	survey, err := f.svc.Submit(ctx, f.farmer, SubmitScanInput{Source: types.SourceSurvey, TreeCode: " T-12 "})
	require.NoError(t, err)
	assert.Equal(t, types.SourceSurvey, survey.Source)
	assert.Equal(t, "T-12", survey.TreeCode)
}

func TestSubmitRejectsForeignImageRefs(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()

	for _, ref := range []string{
		"scans/1/leaf.jpg",
		"scans/11/leaf.jpg",
		"scans/3/../1/leaf.jpg",
		"scans/3/",
		"other/3/leaf.jpg",
	} {
		_, err := f.svc.Submit(ctx, f.other, SubmitScanInput{ImageRef: ref})
		assert.ErrorIs(t, err, ErrForbidden, ref)
	}
	_, err := f.svc.Submit(ctx, f.other, SubmitScanInput{Source: types.SourceSurvey, ImageRef: "scans/1/leaf.jpg"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, total, err := f.svc.List(ctx, f.admin, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	own, err := f.svc.Submit(ctx, f.other, SubmitScanInput{ImageRef: "scans/3/leaf.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "scans/3/leaf.jpg", own.ImageRef)
}

func TestSubmitChecksFarmOwnership(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()

	farm, err := f.mem.Farms().Create(ctx, types.Farm{UserID: f.other.ID, Name: "Other Grove"})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, f.farmer, SubmitScanInput{ImageRef: "scans/1/x.jpg", FarmID: &farm.ID})
	assert.ErrorIs(t, err, ErrForbidden)

	missing := 77
	_, err = f.svc.Submit(ctx, f.farmer, SubmitScanInput{ImageRef: "scans/1/x.jpg", FarmID: &missing})
	assert.ErrorIs(t, err, store.ErrNotFound)

	own, err := f.mem.Farms().Create(ctx, types.Farm{UserID: f.farmer.ID, Name: "Home Grove"})
	require.NoError(t, err)
	scan, err := f.svc.Submit(ctx, f.farmer, SubmitScanInput{ImageRef: "scans/1/x.jpg", FarmID: &own.ID})
	require.NoError(t, err)
	assert.Equal(t, own.ID, *scan.FarmID)
}

func TestConfirmHighRiskPublishesAlert(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()

	weevil := 1
	scan := f.submit(t)
	_, err := f.svc.UpdateStatus(ctx, f.admin, scan.ID, types.ScanConfirmed, &weevil)
	require.NoError(t, err)

	moth := 5
	low := f.submit(t)
	_, err = f.svc.UpdateStatus(ctx, f.admin, low.ID, types.ScanConfirmed, &moth)
	require.NoError(t, err)

	rejected := f.submit(t)
	_, err = f.svc.UpdateStatus(ctx, f.admin, rejected.ID, types.ScanRejected, nil)
	require.NoError(t, err)

	require.Len(t, f.alerts.alerts, 1)
	alert := f.alerts.alerts[0]
	assert.Equal(t, scan.ID, alert.ScanID)
	assert.Equal(t, f.farmer.ID, alert.UserID)
	assert.Equal(t, "Asiatic Palm Weevil", alert.PestName)
	assert.Equal(t, types.RiskCritical, alert.RiskLevel)
}

func TestGetAndListVisibility(t *testing.T) {
	f := newScanFixture(t, nil)
	ctx := context.Background()

	mine := f.submit(t)
	_, err := f.svc.Submit(ctx, f.other, SubmitScanInput{ImageRef: "scans/3/a.jpg"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, f.other, mine.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Get(ctx, f.admin, mine.ID)
	assert.NoError(t, err)

	items, total, err := f.svc.List(ctx, f.farmer, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, mine.ID, items[0].ID)

	_, total, err = f.svc.List(ctx, f.admin, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
