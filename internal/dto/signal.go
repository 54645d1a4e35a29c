package dto

import (
	"time"

	"github.com/noah-isme/signalhub-api/internal/models"
)

// CreateSignalRequest is the payload for publishing a signal.
type CreateSignalRequest struct {
	Symbol      string                 `json:"symbol" validate:"required,min=1,max=20"`
	Direction   models.SignalDirection `json:"direction" validate:"required,oneof=BUY SELL"`
	EntryPrice  float64                `json:"entry_price" validate:"required,gt=0"`
	TargetPrice float64                `json:"target_price" validate:"required,gt=0"`
	StopLoss    float64                `json:"stop_loss" validate:"required,gt=0"`
	Timeframe   string                 `json:"timeframe" validate:"required,oneof=1m 5m 15m 1h 4h 1d 1w"`
	Confidence  int                    `json:"confidence" validate:"min=0,max=100"`
	Notes       string                 `json:"notes" validate:"max=2000"`
}

// UpdateSignalRequest carries optional changes to an existing signal.
type UpdateSignalRequest struct {
	TargetPrice *float64             `json:"target_price" validate:"omitempty,gt=0"`
	StopLoss    *float64             `json:"stop_loss" validate:"omitempty,gt=0"`
	Confidence  *int                 `json:"confidence" validate:"omitempty,min=0,max=100"`
	Status      *models.SignalStatus `json:"status" validate:"omitempty,oneof=ACTIVE CLOSED CANCELLED"`
	Notes       *string              `json:"notes" validate:"omitempty,max=2000"`
}

// SymbolCount is the number of signals published for one symbol.
type SymbolCount struct {
	Symbol string `db:"symbol" json:"symbol"`
	Count  int    `db:"count" json:"count"`
}

// GroupCount is a generic label/count pair used by aggregate queries.
type GroupCount struct {
	Label string `db:"label"`
	Count int    `db:"count"`
}

// SignalStats aggregates signal counts across the whole book.
type SignalStats struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	ByDirection       map[string]int `json:"by_direction"`
	AverageConfidence float64        `json:"average_confidence"`
	TopSymbols        []SymbolCount  `json:"top_symbols"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// ExportFormat enumerates supported signal export renderings.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)
