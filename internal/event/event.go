package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	RoundOpened      Type = "auction.round_opened"
	RoundSettled     Type = "auction.round_settled"
	AuctionConcluded Type = "auction.concluded"

	BidPlaced  Type = "bid.placed"
	BidDeleted Type = "bid.deleted"

	ProxyBidsPlaced Type = "proxy.bids_placed"
)

// Event is a single audit record. The aggregate is the auction (or for bid
// events, the round) the event belongs to. Events are append-only and
// written best-effort: a failed append is logged, never rolled back into
// auction state.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// RoundOpenedData is the payload for RoundOpened events.
type RoundOpenedData struct {
	RoundID              string    `json:"round_id"`
	RoundNum             int64     `json:"round_num"`
	StartAt              time.Time `json:"start_at"`
	EndAt                time.Time `json:"end_at"`
	EligibilityThreshold float64   `json:"eligibility_threshold"`
}

// RoundSettledData is the payload for RoundSettled events.
type RoundSettledData struct {
	RoundID   string `json:"round_id"`
	RoundNum  int64  `json:"round_num"`
	Results   int    `json:"results"`
	BidsCount int    `json:"bids_count"`
}

// AuctionConcludedData is the payload for AuctionConcluded events.
type AuctionConcludedData struct {
	EndAt time.Time `json:"end_at"`
}

// BidData is the payload for BidPlaced and BidDeleted events.
type BidData struct {
	SpaceID string `json:"space_id"`
	UserID  string `json:"user_id"`
}

// ProxyBidsPlacedData is the payload for ProxyBidsPlaced events.
type ProxyBidsPlacedData struct {
	RoundID string `json:"round_id"`
	UserID  string `json:"user_id"`
	Placed  int    `json:"placed"`
}
