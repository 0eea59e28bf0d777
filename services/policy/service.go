package policy

import (
	"math"
	"sort"
	"strconv"

	"affiliate-reconcile/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Engine computes the commission for an order under a deterministic
// precedence: per-product override, then price-bracket flat fee, then the
// default percentage. The override table represents manually audited ground
// truth, which is why it beats everything else.
type Engine struct {
	tables Tables
}

type EngineParams struct {
	fx.In
	Config *config.Config
}

func NewEngine(p EngineParams) *Engine {
	tables := Tables{
		Version:     p.Config.Commission.PolicyVersion,
		Overrides:   make(map[int64]int64, len(p.Config.Commission.Overrides)),
		DefaultRate: p.Config.Commission.DefaultRate,
	}

	for k, v := range p.Config.Commission.Overrides {
		productID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			zap.L().Warn("skipping non-numeric product id in override table", zap.String("product_id", k))
			continue
		}
		tables.Overrides[productID] = v
	}

	for _, b := range p.Config.Commission.Brackets {
		tables.Brackets = append(tables.Brackets, Bracket{From: b.From, To: b.To, Amount: b.Amount})
	}
	if len(tables.Brackets) == 0 {
		tables.Brackets = defaultBrackets()
	}
	sort.Slice(tables.Brackets, func(i, j int) bool {
		return tables.Brackets[i].From < tables.Brackets[j].From
	})

	zap.L().Info("commission policy tables loaded",
		zap.String("version", tables.Version),
		zap.Int("overrides", len(tables.Overrides)),
		zap.Int("brackets", len(tables.Brackets)),
		zap.Float64("default_rate", tables.DefaultRate),
	)

	return &Engine{tables: tables}
}

// NewEngineWithTables builds an engine from explicit tables. Used by tests
// and by the anomaly detector when recomputing under a pinned version.
func NewEngineWithTables(tables Tables) *Engine {
	sort.Slice(tables.Brackets, func(i, j int) bool {
		return tables.Brackets[i].From < tables.Brackets[j].From
	})
	return &Engine{tables: tables}
}

func (e *Engine) Version() string {
	return e.tables.Version
}

// Compute returns the commission for (productID, grossAmount). First match
// wins; the result depends only on the inputs and the injected tables.
func (e *Engine) Compute(productID, grossAmount int64) Commission {
	if grossAmount <= 0 {
		return Commission{Amount: 0, Kind: KindNone}
	}

	if amount, ok := e.tables.Overrides[productID]; ok {
		return Commission{Amount: amount, Kind: KindOverride}
	}

	for _, b := range e.tables.Brackets {
		if grossAmount >= b.From && (b.To == 0 || grossAmount < b.To) {
			return Commission{Amount: b.Amount, Kind: KindBracket}
		}
	}

	// Round half up to the nearest whole currency unit. Documented choice:
	// consistency matters more here than banker's rounding.
	amount := int64(math.Floor(float64(grossAmount)*e.tables.DefaultRate/100 + 0.5))
	return Commission{Amount: amount, Rate: e.tables.DefaultRate, Kind: KindPercentage}
}

// Violates reports whether a commission amount breaks policy bounds for the
// given gross amount. A violating amount must go through the anomaly path,
// never be written silently.
func Violates(commission, grossAmount int64) bool {
	return commission < 0 || commission > grossAmount
}

// defaultBrackets is the fallback flat-fee table used when no brackets are
// configured. Amounts follow the flat commissions historically paid per
// membership price tier.
func defaultBrackets() []Bracket {
	return []Bracket{
		{From: 0, To: 50_000, Amount: 0},
		{From: 50_000, To: 200_000, Amount: 50_000},
		{From: 200_000, To: 450_000, Amount: 100_000},
		{From: 450_000, To: 750_000, Amount: 150_000},
		{From: 750_000, To: 900_000, Amount: 200_000},
		{From: 900_000, To: 1_100_000, Amount: 250_000},
		{From: 1_100_000, To: 0, Amount: 300_000},
	}
}
