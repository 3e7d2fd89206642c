package llm

import "testing"

func TestDetectTier(t *testing.T) {
	tests := []struct {
		model string
		want  Tier
	}{
		{"claude-opus-4-20250514", TierFlagship},
		{"o1-preview", TierFlagship},
		{"deepseek-r1", TierFlagship},
		{"claude-3-5-sonnet-20241022", TierStandard},
		{"gpt-4o", TierStandard},
		{"claude-3-5-haiku-20241022", TierLeaf},
		{"gpt-4o-mini", TierLeaf},
		{"gemini-2.0-flash", TierLeaf},
		{"o1-mini", TierLeaf},
		{"o3-mini", TierLeaf},
		{"o4-mini", TierLeaf},
		{"unknown-model-xyz", TierStandard},
	}
	for _, tt := range tests {
		if got := DetectTier(tt.model); got != tt.want {
			t.Errorf("DetectTier(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestMaxTierIsLeaf(t *testing.T) {
	if MaxTier != TierLeaf {
		t.Errorf("MaxTier = %d, want TierLeaf (%d)", MaxTier, TierLeaf)
	}
}
