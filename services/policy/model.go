package policy

// Kind identifies which rule produced a commission amount.
type Kind string

const (
	KindOverride   Kind = "override"
	KindBracket    Kind = "bracket"
	KindPercentage Kind = "percentage"
	KindNone       Kind = "none"
)

// Bracket is a half-open price range [From, To) mapped to a flat commission.
// To == 0 marks the last, unbounded bracket.
type Bracket struct {
	From   int64
	To     int64
	Amount int64
}

// Commission is the computed result for one order.
type Commission struct {
	Amount int64
	// Rate is informational only; 0 for flat-fee policies.
	Rate float64
	Kind Kind
}

// Tables is one versioned commission configuration: the per-product override
// table, the price brackets, and the fallback percentage. Injected once,
// never mutated.
type Tables struct {
	Version     string
	Overrides   map[int64]int64
	Brackets    []Bracket
	DefaultRate float64
}
