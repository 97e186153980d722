package execution

import (
	"fmt"
	"maps"
	"math"
	"sync"
)

// budgetTolerance absorbs floating point drift so that spending exactly the
// remaining USD amount is allowed.
const budgetTolerance = 1e-9

// ModelCost is the spend attributed to a single model.
type ModelCost struct {
	USD    float64 `json:"usd"`
	Tokens int64   `json:"tokens"`
}

// Budget is a point-in-time view of a context's ceilings and spend.
// CappedUSD and CappedTokens distinguish a ceiling of zero from no ceiling.
type Budget struct {
	MaxUSD       float64              `json:"max_usd,omitempty"`
	MaxTokens    int64                `json:"max_tokens,omitempty"`
	CappedUSD    bool                 `json:"capped_usd,omitempty"`
	CappedTokens bool                 `json:"capped_tokens,omitempty"`
	UsedUSD      float64              `json:"used_usd"`
	UsedTokens   int64                `json:"used_tokens"`
	ByModel      map[string]ModelCost `json:"by_model,omitempty"`
}

// RemainingUSD returns the unspent USD allowance and whether a ceiling applies.
func (b Budget) RemainingUSD() (float64, bool) {
	if !b.CappedUSD {
		return 0, false
	}
	return max(b.MaxUSD-b.UsedUSD, 0), true
}

// RemainingTokens returns the unspent token allowance and whether a ceiling applies.
func (b Budget) RemainingTokens() (int64, bool) {
	if !b.CappedTokens {
		return 0, false
	}
	return max(b.MaxTokens-b.UsedTokens, 0), true
}

func (b Budget) clone() Budget {
	b.ByModel = maps.Clone(b.ByModel)
	return b
}

// ledger is the mutable budget behind a Context. Every ledger in one causal
// tree shares the tree mutex, which makes a spend and its roll-up to the
// ancestors a single atomic step.
type ledger struct {
	tree   *sync.Mutex
	parent *ledger
	spanID string
	budget Budget
}

func newRootLedger(spanID string, budget Budget) *ledger {
	return &ledger{
		tree:   &sync.Mutex{},
		spanID: spanID,
		budget: budget.clone(),
	}
}

func (l *ledger) child(spanID string, budget Budget) *ledger {
	return &ledger{
		tree:   l.tree,
		parent: l,
		spanID: spanID,
		budget: budget,
	}
}

func (l *ledger) snapshot() Budget {
	l.tree.Lock()
	defer l.tree.Unlock()
	return l.budget.clone()
}

func (l *ledger) spend(model string, usd float64, tokens int64) error {
	if usd < 0 || tokens < 0 {
		return fmt.Errorf("%w: usd=%g tokens=%d", ErrNegativeSpend, usd, tokens)
	}
	if math.IsNaN(usd) || math.IsInf(usd, 0) {
		return fmt.Errorf("%w: usd=%g", ErrInvalidSpend, usd)
	}

	l.tree.Lock()
	defer l.tree.Unlock()

	for n := l; n != nil; n = n.parent {
		b := &n.budget
		if b.CappedUSD && b.UsedUSD+usd > b.MaxUSD+budgetTolerance {
			return &BudgetExceededError{
				Dimension: "usd",
				SpanID:    n.spanID,
				Limit:     b.MaxUSD,
				Used:      b.UsedUSD,
				Requested: usd,
			}
		}
		if b.CappedTokens && b.UsedTokens+tokens > b.MaxTokens {
			return &BudgetExceededError{
				Dimension: "tokens",
				SpanID:    n.spanID,
				Limit:     float64(b.MaxTokens),
				Used:      float64(b.UsedTokens),
				Requested: float64(tokens),
			}
		}
	}

	for n := l; n != nil; n = n.parent {
		b := &n.budget
		b.UsedUSD += usd
		b.UsedTokens += tokens
		if model != "" {
			if b.ByModel == nil {
				b.ByModel = make(map[string]ModelCost)
			}
			cost := b.ByModel[model]
			cost.USD += usd
			cost.Tokens += tokens
			b.ByModel[model] = cost
		}
	}

	return nil
}
