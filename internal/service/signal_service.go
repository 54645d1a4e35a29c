package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

const signalStatsCacheKey = "signals:stats"

// Signal lifecycle event types.
const (
	EventSignalCreated = "signal.created"
	EventSignalUpdated = "signal.updated"
	EventSignalDeleted = "signal.deleted"
)

type signalRepository interface {
	List(ctx context.Context, filter models.SignalFilter) ([]models.Signal, int, error)
	FindByID(ctx context.Context, id string) (*models.Signal, error)
	Create(ctx context.Context, signal *models.Signal) error
	Update(ctx context.Context, signal *models.Signal) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*dto.SignalStats, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, eventType, key string, data interface{}) error
}

// SignalService manages trading signals.
type SignalService struct {
	repo      signalRepository
	cache     *CacheService
	events    eventPublisher
	audit     *AuditService
	validator *validator.Validate
	logger    *zap.Logger
	statsTTL  time.Duration
}

// NewSignalService constructs a SignalService. cache and events may be nil.
func NewSignalService(repo signalRepository, cache *CacheService, events eventPublisher, audit *AuditService, validate *validator.Validate, logger *zap.Logger, statsTTL time.Duration) *SignalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &SignalService{repo: repo, cache: cache, events: events, audit: audit, validator: validate, logger: logger, statsTTL: statsTTL}
}

// List returns paginated signals.
func (s *SignalService) List(ctx context.Context, filter models.SignalFilter) ([]models.Signal, *models.Pagination, error) {
	signals, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list signals")
	}
	if signals == nil {
		signals = []models.Signal{}
	}
	return signals, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Get returns one signal.
func (s *SignalService) Get(ctx context.Context, id string) (*models.Signal, error) {
	signal, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "signal not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load signal")
	}
	return signal, nil
}

// Create publishes a new signal owned by the actor.
func (s *SignalService) Create(ctx context.Context, req dto.CreateSignalRequest, actor dto.Actor) (*models.Signal, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid signal payload")
	}
	if err := validatePriceLevels(req.Direction, req.EntryPrice, req.TargetPrice, req.StopLoss); err != nil {
		return nil, err
	}

	signal := &models.Signal{
		UserID:      actor.ID,
		Symbol:      req.Symbol,
		Direction:   req.Direction,
		EntryPrice:  req.EntryPrice,
		TargetPrice: req.TargetPrice,
		StopLoss:    req.StopLoss,
		Timeframe:   req.Timeframe,
		Confidence:  req.Confidence,
		Status:      models.SignalStatusActive,
		Notes:       strings.TrimSpace(req.Notes),
	}
	if err := s.repo.Create(ctx, signal); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create signal")
	}

	s.afterWrite(ctx, EventSignalCreated, models.AuditActionSignalCreate, signal, actor, nil)
	return signal, nil
}

// Update changes a signal. Only its owner or an admin may do so.
func (s *SignalService) Update(ctx context.Context, id string, req dto.UpdateSignalRequest, actor dto.Actor) (*models.Signal, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid signal payload")
	}

	signal, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeSignal(signal, actor); err != nil {
		return nil, err
	}
	before, _ := json.Marshal(signal)

	if req.TargetPrice != nil {
		signal.TargetPrice = *req.TargetPrice
	}
	if req.StopLoss != nil {
		signal.StopLoss = *req.StopLoss
	}
	if req.Confidence != nil {
		signal.Confidence = *req.Confidence
	}
	if req.Status != nil {
		signal.Status = *req.Status
	}
	if req.Notes != nil {
		signal.Notes = strings.TrimSpace(*req.Notes)
	}
	if err := validatePriceLevels(signal.Direction, signal.EntryPrice, signal.TargetPrice, signal.StopLoss); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, signal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "signal not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update signal")
	}

	s.afterWrite(ctx, EventSignalUpdated, models.AuditActionSignalUpdate, signal, actor, before)
	return signal, nil
}

// Delete removes a signal. Only its owner or an admin may do so.
func (s *SignalService) Delete(ctx context.Context, id string, actor dto.Actor) error {
	signal, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := authorizeSignal(signal, actor); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "signal not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete signal")
	}

	s.afterWrite(ctx, EventSignalDeleted, models.AuditActionSignalDelete, signal, actor, nil)
	return nil
}

// Stats returns aggregate counts, served from cache when possible. The boolean
// reports a cache hit.
func (s *SignalService) Stats(ctx context.Context) (*dto.SignalStats, bool, error) {
	var cached dto.SignalStats
	if s.cache.Get(ctx, signalStatsCacheKey, &cached) {
		return &cached, true, nil
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute signal stats")
	}
	s.cache.Set(ctx, signalStatsCacheKey, stats, s.statsTTL)
	return stats, false, nil
}

func (s *SignalService) afterWrite(ctx context.Context, eventType, action string, signal *models.Signal, actor dto.Actor, before []byte) {
	s.cache.Invalidate(ctx, signalStatsCacheKey)

	if s.events != nil {
		if err := s.events.Publish(ctx, eventType, signal.ID, signal); err != nil {
			s.logger.Warn("failed to publish signal event", zap.String("type", eventType), zap.String("signal_id", signal.ID), zap.Error(err))
		}
	}

	entry := auditEntry(actor.ID, action, "signals", signal.ID, actor.Meta, "")
	entry.OldValues = before
	if action != models.AuditActionSignalDelete {
		entry.NewValues, _ = json.Marshal(signal)
	}
	s.audit.Record(ctx, entry)
}

func authorizeSignal(signal *models.Signal, actor dto.Actor) error {
	if actor.IsAdmin() || signal.UserID == actor.ID {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "only the owner or an admin may modify this signal")
}

func validatePriceLevels(direction models.SignalDirection, entry, target, stop float64) error {
	switch direction {
	case models.DirectionBuy:
		if !(stop < entry && entry < target) {
			return appErrors.Clone(appErrors.ErrValidation, "BUY signals require stop_loss < entry_price < target_price")
		}
	case models.DirectionSell:
		if !(target < entry && entry < stop) {
			return appErrors.Clone(appErrors.ErrValidation, "SELL signals require target_price < entry_price < stop_loss")
		}
	default:
		return appErrors.Clone(appErrors.ErrValidation, "direction must be BUY or SELL")
	}
	return nil
}
