package observer

import "testing"

func TestCostCalculatorKnownModel(t *testing.T) {
	c := NewCostCalculator(nil)

	// gpt-4o: $2.50 in, $10.00 out per million tokens.
	got := c.Calculate("gpt-4o", 1_000_000, 1_000_000)
	want := 12.50
	if got != want {
		t.Errorf("Calculate = %f, want %f", got, want)
	}
}

func TestCostCalculatorUnknownModel(t *testing.T) {
	c := NewCostCalculator(nil)
	if got := c.Calculate("mystery-model", 1000, 1000); got != 0.0 {
		t.Errorf("Calculate for unknown model = %f, want 0", got)
	}
}

func TestCostCalculatorOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"gpt-4o":       {1.00, 2.00},
		"custom-model": {5.00, 5.00},
	})

	if got := c.Calculate("gpt-4o", 1_000_000, 0); got != 1.00 {
		t.Errorf("override not applied: %f", got)
	}
	if got := c.Calculate("custom-model", 0, 1_000_000); got != 5.00 {
		t.Errorf("custom pricing = %f, want 5", got)
	}
	// Untouched defaults survive the merge.
	if got := c.Calculate("gpt-4o-mini", 1_000_000, 0); got != 0.15 {
		t.Errorf("default lost after merge: %f", got)
	}
}
