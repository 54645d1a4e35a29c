package models

import "time"

// SignalDirection is the side of a trading signal.
type SignalDirection string

const (
	DirectionBuy  SignalDirection = "BUY"
	DirectionSell SignalDirection = "SELL"
)

// SignalStatus tracks the lifecycle of a signal.
type SignalStatus string

const (
	SignalStatusActive    SignalStatus = "ACTIVE"
	SignalStatusClosed    SignalStatus = "CLOSED"
	SignalStatusCancelled SignalStatus = "CANCELLED"
)

// Signal represents a trading signal published by a user.
type Signal struct {
	ID          string          `db:"id" json:"id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Symbol      string          `db:"symbol" json:"symbol"`
	Direction   SignalDirection `db:"direction" json:"direction"`
	EntryPrice  float64         `db:"entry_price" json:"entry_price"`
	TargetPrice float64         `db:"target_price" json:"target_price"`
	StopLoss    float64         `db:"stop_loss" json:"stop_loss"`
	Timeframe   string          `db:"timeframe" json:"timeframe"`
	Confidence  int             `db:"confidence" json:"confidence"`
	Status      SignalStatus    `db:"status" json:"status"`
	Notes       string          `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// SignalFilter captures list criteria for signals.
type SignalFilter struct {
	Symbol    string
	Direction *SignalDirection
	Status    *SignalStatus
	UserID    string
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
