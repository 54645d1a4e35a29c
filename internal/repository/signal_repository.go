package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/models"
)

const signalColumns = `id, user_id, symbol, direction, entry_price, target_price, stop_loss, timeframe, confidence, status, notes, created_at, updated_at`

const topSymbolLimit = 5

// SignalRepository provides persistence for trading signals.
type SignalRepository struct {
	db *sqlx.DB
}

// NewSignalRepository constructs a SignalRepository.
func NewSignalRepository(db *sqlx.DB) *SignalRepository {
	return &SignalRepository{db: db}
}

func signalConditions(filter models.SignalFilter) (string, []interface{}) {
	conditions := []string{"1=1"}
	var args []interface{}

	if filter.Symbol != "" {
		conditions = append(conditions, fmt.Sprintf("symbol = $%d", len(args)+1))
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if filter.Direction != nil {
		conditions = append(conditions, fmt.Sprintf("direction = $%d", len(args)+1))
		args = append(args, *filter.Direction)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(symbol) LIKE $%d OR LOWER(notes) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	return "FROM signals WHERE " + strings.Join(conditions, " AND "), args
}

// List returns signals matching filter along with the total count.
func (r *SignalRepository) List(ctx context.Context, filter models.SignalFilter) ([]models.Signal, int, error) {
	base, args := signalConditions(filter)

	sortBy := sanitizeSort(filter.SortBy, "created_at", "created_at", "symbol", "confidence", "entry_price", "updated_at")
	order := sanitizeOrder(filter.SortOrder)
	size, offset := pageWindow(filter.Page, filter.PageSize)

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", signalColumns, base, sortBy, order, size, offset)
	var signals []models.Signal
	if err := r.db.SelectContext(ctx, &signals, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list signals: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base, args...); err != nil {
		return nil, 0, fmt.Errorf("count signals: %w", err)
	}
	return signals, total, nil
}

// ListForExport returns every signal matching filter without pagination.
func (r *SignalRepository) ListForExport(ctx context.Context, filter models.SignalFilter) ([]models.Signal, error) {
	base, args := signalConditions(filter)
	query := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC", signalColumns, base)
	var signals []models.Signal
	if err := r.db.SelectContext(ctx, &signals, query, args...); err != nil {
		return nil, fmt.Errorf("list signals for export: %w", err)
	}
	return signals, nil
}

// FindByID fetches a single signal.
func (r *SignalRepository) FindByID(ctx context.Context, id string) (*models.Signal, error) {
	var signal models.Signal
	if err := r.db.GetContext(ctx, &signal, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find signal: %w", err)
	}
	return &signal, nil
}

// Create inserts a signal.
func (r *SignalRepository) Create(ctx context.Context, signal *models.Signal) error {
	if signal.ID == "" {
		signal.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	signal.CreatedAt = now
	signal.UpdatedAt = now

	const query = `INSERT INTO signals (id, user_id, symbol, direction, entry_price, target_price, stop_loss, timeframe, confidence, status, notes, created_at, updated_at)
        VALUES (:id, :user_id, :symbol, :direction, :entry_price, :target_price, :stop_loss, :timeframe, :confidence, :status, :notes, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, signal); err != nil {
		return fmt.Errorf("create signal: %w", err)
	}
	return nil
}

// Update persists mutable signal fields.
func (r *SignalRepository) Update(ctx context.Context, signal *models.Signal) error {
	signal.UpdatedAt = time.Now().UTC()
	const query = `UPDATE signals SET target_price = :target_price, stop_loss = :stop_loss, confidence = :confidence, status = :status, notes = :notes, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, signal)
	if err != nil {
		return fmt.Errorf("update signal: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a signal.
func (r *SignalRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM signals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete signal: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Stats aggregates counts across all signals.
func (r *SignalRepository) Stats(ctx context.Context) (*dto.SignalStats, error) {
	stats := &dto.SignalStats{
		ByStatus:    map[string]int{},
		ByDirection: map[string]int{},
		GeneratedAt: time.Now().UTC(),
	}

	var summary struct {
		Total   int     `db:"total"`
		Average float64 `db:"average"`
	}
	if err := r.db.GetContext(ctx, &summary, `SELECT COUNT(*) AS total, COALESCE(AVG(confidence), 0) AS average FROM signals`); err != nil {
		return nil, fmt.Errorf("signal summary: %w", err)
	}
	stats.Total = summary.Total
	stats.AverageConfidence = summary.Average

	var byStatus []dto.GroupCount
	if err := r.db.SelectContext(ctx, &byStatus, `SELECT status AS label, COUNT(*) AS count FROM signals GROUP BY status`); err != nil {
		return nil, fmt.Errorf("signal status counts: %w", err)
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Label] = row.Count
	}

	var byDirection []dto.GroupCount
	if err := r.db.SelectContext(ctx, &byDirection, `SELECT direction AS label, COUNT(*) AS count FROM signals GROUP BY direction`); err != nil {
		return nil, fmt.Errorf("signal direction counts: %w", err)
	}
	for _, row := range byDirection {
		stats.ByDirection[row.Label] = row.Count
	}

	stats.TopSymbols = []dto.SymbolCount{}
	if err := r.db.SelectContext(ctx, &stats.TopSymbols, `SELECT symbol, COUNT(*) AS count FROM signals GROUP BY symbol ORDER BY count DESC, symbol ASC LIMIT $1`, topSymbolLimit); err != nil {
		return nil, fmt.Errorf("signal top symbols: %w", err)
	}

	return stats, nil
}
