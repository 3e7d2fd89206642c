package llm

import "strings"

// Tier is an ordinal capability/cost class: 1 = most-capable/expensive,
// 3 = cheapest/leaf-executor (spec.md §3 ModelTier).
type Tier int

const (
	TierFlagship Tier = 1
	TierStandard Tier = 2
	TierLeaf     Tier = 3
)

// MaxTier is the cheapest tier; execute() always resolves to it.
const MaxTier = TierLeaf

// DetectTier is the pure function mapping a model name to its tier.
// Detection strategy mirrors DetectThinkingCapability: a known-model
// list first, then keyword matching, then a documented default.
// See DESIGN.md for the open-question decision this resolves.
func DetectTier(modelName string) Tier {
	lower := strings.ToLower(modelName)
	parts := strings.Split(lower, "/")
	base := parts[len(parts)-1]

	// Leaf keywords are checked before the flagship prefix scan: several
	// flagship prefixes below ("o1", "o3") are themselves prefixes of a
	// leaf-class name ("o1-mini", "o3-mini"), so checking flagship first
	// would classify those cheap models as most-capable.
	leaf := []string{
		"haiku", "mini", "nano", "flash", "-8b", "small", "lite",
	}
	for _, k := range leaf {
		if strings.Contains(base, k) {
			return TierLeaf
		}
	}

	flagship := []string{
		"o1-preview", "o1", "o3-pro", "o3", "gpt-4.5", "gpt-5",
		"claude-opus", "claude-3-opus", "deepseek-r1", "deepseek-reasoner",
		"gemini-2.5-pro", "gemini-1.5-pro",
	}
	for _, k := range flagship {
		if strings.HasPrefix(base, k) {
			return TierFlagship
		}
	}

	// Known mid/standard-capability models fall through to the default.
	return TierStandard
}
