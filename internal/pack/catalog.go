// Package pack defines the static catalog of match-credit packs offered for sale.
package pack

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnknownPlan is returned when a plan type is not part of the catalog.
var ErrUnknownPlan = errors.New("unknown plan type")

// Plan type identifiers.
const (
	PlanStarter  = "starter"
	PlanStandard = "standard"
	PlanPremium  = "premium"
)

// Pack is a purchasable bundle of match credits. Amounts are decimal
// currency units; Fees, TotalAmount and PricePerUnit are derived at read
// time from the configured fee percentage.
type Pack struct {
	PlanType      string          `json:"plan_type"`
	Label         string          `json:"label"`
	Description   string          `json:"description"`
	MatchCount    int             `json:"match_count"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	Fees          decimal.Decimal `json:"fees"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	Currency      string          `json:"currency"`
	IsRecommended bool            `json:"is_recommended"`
}

// packDef is an authored catalog entry before fee derivation.
type packDef struct {
	planType      string
	label         string
	description   string
	matchCount    int
	baseAmount    string
	isRecommended bool
}

// The authored catalog, in display order.
var defs = []packDef{
	{PlanStarter, "Starter", "One match to try the exchange out", 1, "9.00", false},
	{PlanStandard, "Standard", "Three matches for an active search", 3, "21.00", false},
	{PlanPremium, "Premium", "Five matches, best per-match price", 5, "25.00", true},
}

// Currency all packs are priced in.
const Currency = "eur"

// Catalog computes pack projections for a configured fee percentage.
type Catalog struct {
	feePercent decimal.Decimal
}

// NewCatalog creates a catalog applying the given fee percentage (e.g. 5.0 for 5%).
func NewCatalog(feePercent float64) *Catalog {
	return &Catalog{feePercent: decimal.NewFromFloat(feePercent)}
}

// ListAvailable returns all packs with derived fees, total and per-unit price.
func (c *Catalog) ListAvailable() []Pack {
	packs := make([]Pack, 0, len(defs))
	for _, d := range defs {
		packs = append(packs, c.build(d))
	}
	return packs
}

// ByPlanType returns the pack for the given plan type.
func (c *Catalog) ByPlanType(planType string) (Pack, error) {
	for _, d := range defs {
		if d.planType == planType {
			return c.build(d), nil
		}
	}
	return Pack{}, ErrUnknownPlan
}

func (c *Catalog) build(d packDef) Pack {
	base := decimal.RequireFromString(d.baseAmount)
	fees := base.Mul(c.feePercent).Div(decimal.NewFromInt(100)).Round(2)
	return Pack{
		PlanType:      d.planType,
		Label:         d.label,
		Description:   d.description,
		MatchCount:    d.matchCount,
		BaseAmount:    base,
		Fees:          fees,
		TotalAmount:   base.Add(fees),
		PricePerUnit:  base.Div(decimal.NewFromInt(int64(d.matchCount))).Round(2),
		Currency:      Currency,
		IsRecommended: d.isRecommended,
	}
}
