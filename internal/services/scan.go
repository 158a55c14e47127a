package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/types"
	"go.uber.org/zap"
)

const (
	defaultClassifyTimeout = 30 * time.Second
	defaultScanListLimit   = 20
	maxScanListLimit       = 100
)

// ScanRepository defines persistence operations for scans.
type ScanRepository interface {
	Create(ctx context.Context, scan types.Scan) (types.Scan, error)
	GetByID(ctx context.Context, id int) (types.Scan, error)
	List(ctx context.Context, userID *int, offset, limit int) ([]types.Scan, int, error)
	// Transition is a conditional write: it fails with store.ErrStaleState
	// unless the scan is still in one of t.From.
	Transition(ctx context.Context, t types.ScanTransition) (types.Scan, error)
}

// FarmReader looks up farms referenced by scans.
type FarmReader interface {
	GetByID(ctx context.Context, id int) (types.Farm, error)
}

// PestTypeReader looks up pest type reference data.
type PestTypeReader interface {
	GetByID(ctx context.Context, id int) (types.PestType, error)
}

// Classifier identifies the pest in an uploaded image.
type Classifier interface {
	Classify(ctx context.Context, imageRef string) (types.Classification, error)
}

// AlertPublisher announces confirmed high-risk detections.
type AlertPublisher interface {
	PublishPestAlert(ctx context.Context, alert types.PestAlert) error
}

// ScanOptions tunes the scan workflow. Zero values fall back to defaults.
type ScanOptions struct {
	ClassifyTimeout time.Duration
	Now             func() time.Time
}

// SubmitScanInput carries the client-provided fields of a new scan.
type SubmitScanInput struct {
	FarmID       *int
	ImageRef     string
	Location     *types.GeoPoint
	LocationText string
	TreeCode     string
	Source       types.ScanSource
}

// ScanService drives the scan workflow: submission, optional automatic
// classification and admin review.
type ScanService struct {
	scans      ScanRepository
	farms      FarmReader
	pestTypes  PestTypeReader
	classifier Classifier
	alerts     AlertPublisher
	logger     *zap.Logger
	opts       ScanOptions
	inflight   sync.WaitGroup
}

// NewScanService constructs the workflow engine. classifier and alerts are
// optional.
func NewScanService(
	scans ScanRepository,
	farms FarmReader,
	pestTypes PestTypeReader,
	classifier Classifier,
	alerts AlertPublisher,
	logger *zap.Logger,
	opts ScanOptions,
) *ScanService {
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = defaultClassifyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanService{
		scans:      scans,
		farms:      farms,
		pestTypes:  pestTypes,
		classifier: classifier,
		alerts:     alerts,
		logger:     logger,
		opts:       opts,
	}
}

// Submit stores a new scan in the submitted state and, when a classifier is
// configured, starts classifying it in the background. Classification
// failures never fail the submission.
func (s *ScanService) Submit(ctx context.Context, actor types.User, in SubmitScanInput) (types.Scan, error) {
	if in.Source == "" {
		in.Source = types.SourceImage
	}
	in.ImageRef = strings.TrimSpace(in.ImageRef)
	switch in.Source {
	case types.SourceImage:
		if in.ImageRef == "" {
			return types.Scan{}, fmt.Errorf("%w: image is required", ErrInvalidScan)
		}
	case types.SourceSurvey:
	default:
		return types.Scan{}, fmt.Errorf("%w: unknown source %q", ErrInvalidScan, in.Source)
	}
	if in.ImageRef != "" && !types.OwnsImageRef(actor.ID, in.ImageRef) {
		return types.Scan{}, fmt.Errorf("%w: image belongs to another user", ErrForbidden)
	}
	if in.Location != nil && !in.Location.Valid() {
		return types.Scan{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidScan)
	}

	if in.FarmID != nil {
		farm, err := s.farms.GetByID(ctx, *in.FarmID)
		if err != nil {
			return types.Scan{}, err
		}
		if farm.UserID != actor.ID {
			return types.Scan{}, fmt.Errorf("%w: farm belongs to another user", ErrForbidden)
		}
	}

	scan, err := s.scans.Create(ctx, types.Scan{
		UserID:       actor.ID,
		FarmID:       in.FarmID,
		ImageRef:     in.ImageRef,
		Location:     in.Location,
		LocationText: strings.TrimSpace(in.LocationText),
		TreeCode:     strings.TrimSpace(in.TreeCode),
		Source:       in.Source,
		Status:       types.ScanSubmitted,
		CreatedAt:    s.opts.Now(),
	})
	if err != nil {
		return types.Scan{}, err
	}
	s.logger.Info("scan submitted", zap.Int("scan_id", scan.ID), zap.Int("user_id", actor.ID))

	if s.classifier != nil && scan.ImageRef != "" {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.classify(context.WithoutCancel(ctx), scan)
		}()
	}
	return scan, nil
}

// Wait blocks until every background classification has finished.
func (s *ScanService) Wait() {
	s.inflight.Wait()
}

func (s *ScanService) classify(ctx context.Context, scan types.Scan) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ClassifyTimeout)
	defer cancel()

	logger := s.logger.With(zap.Int("scan_id", scan.ID))
	result, err := s.classifier.Classify(ctx, scan.ImageRef)
	if err != nil {
		logger.Warn("scan classification failed", zap.Error(err))
		return
	}
	if _, err := s.pestTypes.GetByID(ctx, result.PestTypeID); err != nil {
		logger.Warn("classifier returned unknown pest type", zap.Int("pest_type_id", result.PestTypeID), zap.Error(err))
		return
	}

	pestTypeID := result.PestTypeID
	confidence := result.Confidence
	_, err = s.scans.Transition(ctx, types.ScanTransition{
		ScanID:     scan.ID,
		From:       []types.ScanStatus{types.ScanSubmitted},
		To:         types.ScanClassified,
		PestTypeID: &pestTypeID,
		Confidence: &confidence,
		At:         s.opts.Now(),
	})
	if err != nil {
		// An admin may have reviewed the scan while it was being classified.
		logger.Info("scan classification not applied", zap.Error(err))
		return
	}
	logger.Info("scan classified", zap.Int("pest_type_id", pestTypeID), zap.Float64("confidence", confidence))
}

// UpdateStatus confirms or rejects a scan on behalf of an admin. The write
// only succeeds if the scan is still in the state that was read.
func (s *ScanService) UpdateStatus(
	ctx context.Context,
	actor types.User,
	scanID int,
	next types.ScanStatus,
	pestTypeID *int,
) (types.Scan, error) {
	if !actor.IsAdmin() {
		return types.Scan{}, fmt.Errorf("%w: admin access required", ErrForbidden)
	}
	if !next.Known() {
		return types.Scan{}, fmt.Errorf("%w: %q", ErrInvalidStatus, next)
	}
	if !next.Terminal() {
		return types.Scan{}, fmt.Errorf("%w: cannot move a scan to %s", ErrInvalidTransition, next)
	}

	current, err := s.scans.GetByID(ctx, scanID)
	if err != nil {
		return types.Scan{}, err
	}
	if !current.Status.CanTransitionTo(next) {
		return types.Scan{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}

	var pest *types.PestType
	if pestTypeID != nil {
		if next != types.ScanConfirmed {
			return types.Scan{}, fmt.Errorf("%w: pest type can only be set when confirming", ErrInvalidScan)
		}
		found, err := s.pestTypes.GetByID(ctx, *pestTypeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return types.Scan{}, ErrUnknownPestType
			}
			return types.Scan{}, err
		}
		pest = &found
	}

	reviewer := actor.ID
	updated, err := s.scans.Transition(ctx, types.ScanTransition{
		ScanID:     scanID,
		From:       []types.ScanStatus{current.Status},
		To:         next,
		PestTypeID: pestTypeID,
		ReviewedBy: &reviewer,
		At:         s.opts.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return types.Scan{}, fmt.Errorf("%w: scan changed concurrently", ErrInvalidTransition)
		}
		return types.Scan{}, err
	}

	s.logger.Info("scan reviewed",
		zap.Int("scan_id", scanID),
		zap.Int("admin_id", actor.ID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(next)),
	)

	if next == types.ScanConfirmed {
		s.alertIfHighRisk(ctx, updated, pest)
	}
	return updated, nil
}

func (s *ScanService) alertIfHighRisk(ctx context.Context, scan types.Scan, pest *types.PestType) {
	if s.alerts == nil || scan.PestTypeID == nil {
		return
	}
	if pest == nil {
		found, err := s.pestTypes.GetByID(ctx, *scan.PestTypeID)
		if err != nil {
			s.logger.Warn("load pest type for alert failed", zap.Int("scan_id", scan.ID), zap.Error(err))
			return
		}
		pest = &found
	}
	if !pest.RiskLevel.IsHigh() {
		return
	}

	alert := types.PestAlert{
		ScanID:      scan.ID,
		UserID:      scan.UserID,
		FarmID:      scan.FarmID,
		PestTypeID:  pest.ID,
		PestName:    pest.Name,
		RiskLevel:   pest.RiskLevel,
		Location:    scan.Location,
		ConfirmedAt: scan.UpdatedAt,
	}
	if err := s.alerts.PublishPestAlert(ctx, alert); err != nil {
		s.logger.Warn("publish pest alert failed", zap.Int("scan_id", scan.ID), zap.Error(err))
	}
}

// Get returns a scan visible to actor: its owner or any admin.
func (s *ScanService) Get(ctx context.Context, actor types.User, scanID int) (types.Scan, error) {
	scan, err := s.scans.GetByID(ctx, scanID)
	if err != nil {
		return types.Scan{}, err
	}
	if scan.UserID != actor.ID && !actor.IsAdmin() {
		return types.Scan{}, ErrForbidden
	}
	return scan, nil
}

// List returns the actor's scans newest first; admins see every scan.
func (s *ScanService) List(ctx context.Context, actor types.User, offset, limit int) ([]types.Scan, int, error) {
	if limit <= 0 {
		limit = defaultScanListLimit
	}
	if limit > maxScanListLimit {
		limit = maxScanListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var owner *int
	if !actor.IsAdmin() {
		id := actor.ID
		owner = &id
	}
	return s.scans.List(ctx, owner, offset, limit)
}
