package orchestrator

import (
	"fmt"

	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/evidence"
)

// costTracker accumulates usage and cost across the attempts of one run.
type costTracker struct {
	pricing       config.PricingConfig
	totalUsage    adapter.Usage
	totalAmount   float64
	currency      string
	calls         []adapter.CallReport
	maxBudgetUSD  float64
	budgetStatus  *evidence.BudgetStatus
	lastUsageHint *adapter.Usage
}

func newCostTracker(pricing config.PricingConfig, maxBudgetUSD float64) *costTracker {
	return &costTracker{
		pricing:      pricing,
		currency:     "USD",
		maxBudgetUSD: maxBudgetUSD,
	}
}

// checkBudget rejects a priced call once the run has spent its budget or
// the call is projected to exceed it. The projection uses the last call's
// usage, or the prompt size before any call succeeded. Unpriced backends
// are never blocked.
func (t *costTracker) checkBudget(adapterName, model, prompt string) error {
	if t == nil || t.maxBudgetUSD <= 0 {
		return nil
	}
	if t.budgetStatus == nil {
		t.budgetStatus = &evidence.BudgetStatus{MaxAmount: t.maxBudgetUSD}
	}
	if _, priced := pricingFor(t.pricing, adapterName, model); !priced {
		return nil
	}
	if t.totalAmount >= t.maxBudgetUSD {
		reason := fmt.Sprintf("budget %.2f exceeded (current total %.2f)", t.maxBudgetUSD, t.totalAmount)
		t.budgetStatus.Exceeded = true
		t.budgetStatus.Reason = reason
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, reason)
	}
	hint := adapter.Usage{PromptTokens: estimateTokens(prompt)}
	if t.lastUsageHint != nil {
		hint = *t.lastUsageHint
	}

	cost, _ := estimateCost(t.pricing, adapterName, model, hint)
	projected := t.totalAmount + cost.Amount
	if projected > t.maxBudgetUSD {
		reason := fmt.Sprintf("budget %.2f exceeded (projected total %.2f)", t.maxBudgetUSD, projected)
		t.budgetStatus.Exceeded = true
		t.budgetStatus.Reason = reason
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, reason)
	}
	return nil
}

func (t *costTracker) record(report adapter.CallReport) {
	if t == nil {
		return
	}
	t.calls = append(t.calls, report)
	if report.Error != "" {
		return
	}
	t.totalAmount += report.Cost.Amount
	t.totalUsage = addUsage(t.totalUsage, report.Usage)
	usage := report.Usage
	t.lastUsageHint = &usage
}

func (t *costTracker) report() *evidence.RunCostReport {
	if t == nil {
		return nil
	}
	if t.budgetStatus == nil && t.maxBudgetUSD > 0 {
		t.budgetStatus = &evidence.BudgetStatus{MaxAmount: t.maxBudgetUSD}
	}
	return &evidence.RunCostReport{
		Currency:    t.currency,
		TotalAmount: t.totalAmount,
		TotalUsage:  t.totalUsage,
		Calls:       append([]adapter.CallReport(nil), t.calls...),
		Budget:      t.budgetStatus,
	}
}

// estimateTokens approximates a prompt's token count at four bytes per token.
func estimateTokens(prompt string) int {
	return (len(prompt) + 3) / 4
}

func normalizeUsage(u *adapter.Usage) adapter.Usage {
	if u == nil {
		return adapter.Usage{}
	}
	usage := *u
	if usage.TotalTokens == 0 && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func estimateCost(pricing config.PricingConfig, adapterName, model string, usage adapter.Usage) (adapter.Cost, bool) {
	entry, ok := pricingFor(pricing, adapterName, model)
	if !ok {
		return adapter.Cost{Currency: "USD"}, false
	}

	promptCost := (float64(usage.PromptTokens) / 1000.0) * entry.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * entry.CompletionPer1K
	return adapter.Cost{
		Currency:     "USD",
		Amount:       promptCost + completionCost,
		IsEstimate:   true,
		PricingModel: "per_1k_tokens",
	}, true
}

func pricingFor(pricing config.PricingConfig, adapterName, model string) (config.ModelPricing, bool) {
	if pricing == nil {
		return config.ModelPricing{}, false
	}
	if adapterPricing, ok := pricing[adapterName]; ok {
		if entry, ok := adapterPricing[model]; ok {
			return entry, true
		}
		if entry, ok := adapterPricing["default"]; ok {
			return entry, true
		}
	}
	return config.ModelPricing{}, false
}

func addUsage(a adapter.Usage, b adapter.Usage) adapter.Usage {
	return adapter.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
