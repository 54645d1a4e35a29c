package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

type stubSignalRepo struct {
	signals    map[string]*models.Signal
	statsCalls int
}

func newStubSignalRepo() *stubSignalRepo {
	return &stubSignalRepo{signals: map[string]*models.Signal{}}
}

func (s *stubSignalRepo) List(ctx context.Context, filter models.SignalFilter) ([]models.Signal, int, error) {
	out := make([]models.Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		out = append(out, *sig)
	}
	return out, len(out), nil
}

func (s *stubSignalRepo) FindByID(ctx context.Context, id string) (*models.Signal, error) {
	sig, ok := s.signals[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *sig
	return &clone, nil
}

func (s *stubSignalRepo) Create(ctx context.Context, signal *models.Signal) error {
	signal.ID = "sig-" + signal.Symbol
	clone := *signal
	s.signals[signal.ID] = &clone
	return nil
}

func (s *stubSignalRepo) Update(ctx context.Context, signal *models.Signal) error {
	if _, ok := s.signals[signal.ID]; !ok {
		return sql.ErrNoRows
	}
	clone := *signal
	s.signals[signal.ID] = &clone
	return nil
}

func (s *stubSignalRepo) Delete(ctx context.Context, id string) error {
	if _, ok := s.signals[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.signals, id)
	return nil
}

func (s *stubSignalRepo) Stats(ctx context.Context) (*dto.SignalStats, error) {
	s.statsCalls++
	return &dto.SignalStats{Total: len(s.signals), ByStatus: map[string]int{"ACTIVE": len(s.signals)}}, nil
}

type memoryCacheRepo struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{items: map[string][]byte{}}
}

func (m *memoryCacheRepo) Enabled() bool { return true }

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.items[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = raw
	return nil
}

func (m *memoryCacheRepo) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

func (m *memoryCacheRepo) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

type recordingPublisher struct {
	types []string
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, eventType, key string, data interface{}) error {
	p.types = append(p.types, eventType)
	return p.err
}

type signalFixture struct {
	svc    *SignalService
	repo   *stubSignalRepo
	cache  *memoryCacheRepo
	events *recordingPublisher
	audit  *memoryAuditRepo
}

func newSignalFixture() *signalFixture {
	repo := newStubSignalRepo()
	cacheRepo := newMemoryCacheRepo()
	events := &recordingPublisher{}
	auditRepo := &memoryAuditRepo{}
	cache := NewCacheService(cacheRepo, NewMetricsService(), time.Minute, nil)
	svc := NewSignalService(repo, cache, events, NewAuditService(auditRepo, nil, nil), nil, nil, time.Minute)
	return &signalFixture{svc: svc, repo: repo, cache: cacheRepo, events: events, audit: auditRepo}
}

func buySignalRequest() dto.CreateSignalRequest {
	return dto.CreateSignalRequest{
		Symbol:      " btcusdt ",
		Direction:   models.DirectionBuy,
		EntryPrice:  100,
		TargetPrice: 120,
		StopLoss:    90,
		Timeframe:   "4h",
		Confidence:  70,
	}
}

var (
	ownerActor = dto.Actor{ID: "owner", Role: models.RoleUser}
	otherActor = dto.Actor{ID: "other", Role: models.RoleUser}
	adminActor = dto.Actor{ID: "root", Role: models.RoleAdmin}
)

func TestSignalServiceCreate(t *testing.T) {
	f := newSignalFixture()

	signal, err := f.svc.Create(context.Background(), buySignalRequest(), ownerActor)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", signal.Symbol)
	assert.Equal(t, "owner", signal.UserID)
	assert.Equal(t, models.SignalStatusActive, signal.Status)
	assert.Equal(t, []string{EventSignalCreated}, f.events.types)
	assert.Equal(t, []string{models.AuditActionSignalCreate}, f.audit.actions())
}

func TestSignalServiceRejectsInconsistentPrices(t *testing.T) {
	f := newSignalFixture()

	req := buySignalRequest()
	req.StopLoss = 110
	_, err := f.svc.Create(context.Background(), req, ownerActor)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))

	req = buySignalRequest()
	req.Direction = models.DirectionSell
	_, err = f.svc.Create(context.Background(), req, ownerActor)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))

	req.TargetPrice, req.StopLoss = 80, 110
	_, err = f.svc.Create(context.Background(), req, ownerActor)
	assert.NoError(t, err)

	assert.Len(t, f.repo.signals, 1)
}

func TestSignalServiceOwnershipRules(t *testing.T) {
	f := newSignalFixture()
	ctx := context.Background()
	signal, err := f.svc.Create(ctx, buySignalRequest(), ownerActor)
	require.NoError(t, err)

	target := 130.0
	_, err = f.svc.Update(ctx, signal.ID, dto.UpdateSignalRequest{TargetPrice: &target}, otherActor)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))

	updated, err := f.svc.Update(ctx, signal.ID, dto.UpdateSignalRequest{TargetPrice: &target}, ownerActor)
	require.NoError(t, err)
	assert.Equal(t, 130.0, updated.TargetPrice)

	badStop := 150.0
	_, err = f.svc.Update(ctx, signal.ID, dto.UpdateSignalRequest{StopLoss: &badStop}, adminActor)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))

	assert.True(t, appErrors.HasCode(f.svc.Delete(ctx, signal.ID, otherActor), appErrors.ErrForbidden))
	require.NoError(t, f.svc.Delete(ctx, signal.ID, adminActor))

	_, err = f.svc.Get(ctx, signal.ID)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
	assert.Equal(t, []string{EventSignalCreated, EventSignalUpdated, EventSignalDeleted}, f.events.types)
}

func TestSignalServiceStatsCachedUntilWrite(t *testing.T) {
	f := newSignalFixture()
	ctx := context.Background()

	stats, hit, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 0, stats.Total)

	_, hit, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, f.repo.statsCalls)

	_, err = f.svc.Create(ctx, buySignalRequest(), ownerActor)
	require.NoError(t, err)
	assert.False(t, f.cache.has(signalStatsCacheKey))

	stats, hit, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 2, f.repo.statsCalls)
}

func TestSignalServicePublishFailureDoesNotFailWrite(t *testing.T) {
	f := newSignalFixture()
	f.events.err = errors.New("broker down")

	_, err := f.svc.Create(context.Background(), buySignalRequest(), ownerActor)
	assert.NoError(t, err)
}

func TestSignalServiceWithoutCache(t *testing.T) {
	repo := newStubSignalRepo()
	svc := NewSignalService(repo, nil, nil, nil, nil, nil, time.Minute)

	_, hit, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, hit)
	_, err = svc.Create(context.Background(), buySignalRequest(), ownerActor)
	assert.NoError(t, err)
}
