package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingRule prices one kind, optionally narrowed to a single provider model.
// An empty Model is the default rule for the kind.
//
// cost = BaseCredits + ceil(UnitCredits * payload[UnitOption])
type PricingRule struct {
	Kind          Kind            `json:"kind"`
	Model         string          `json:"model"`
	BaseCredits   int64           `json:"base_credits"`
	UnitCredits   decimal.Decimal `json:"unit_credits"`
	UnitOption    string          `json:"unit_option,omitempty"`
	IsActive      bool            `json:"is_active"`
	IsMaintenance bool            `json:"is_maintenance"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
