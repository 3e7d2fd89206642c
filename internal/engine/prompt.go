package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openplanter/core/internal/config"
	"github.com/openplanter/core/internal/prompt"
)

// promptLoaderOnce lazily builds a single PromptLoader shared by every
// depth's system-prompt assembly, mirroring the teacher's DecideNode
// usage of one loader instance per AgentHandler.
var (
	promptLoaderMu  sync.Mutex
	sharedPromptLoader *prompt.PromptLoader
)

func defaultPromptLoader() *prompt.PromptLoader {
	promptLoaderMu.Lock()
	defer promptLoaderMu.Unlock()
	if sharedPromptLoader == nil {
		sharedPromptLoader = prompt.NewPromptLoader("", "", "")
	}
	return sharedPromptLoader
}

// buildSystemPrompt assembles the system prompt for one depth's solve:
// soul + user rules (L3/L1 layers, unchanged from the teacher) followed
// by the four spec-named sections (base objective, recursive_mode,
// acceptance_criteria, demo_mode) generalized from prompt_builder.go's
// fixed section-concatenation pattern.
func buildSystemPrompt(cfg *config.Configuration, depth int, objective, acceptanceCriteria, memo string) string {
	loader := defaultPromptLoader()
	var sb strings.Builder

	if persona := loader.LoadSoul(); persona != "" {
		sb.WriteString(persona)
		sb.WriteString("\n\n")
	}
	if rules := loader.LoadUserRules(); rules != "" {
		sb.WriteString("## 用户自定义规则\n")
		sb.WriteString(rules)
		sb.WriteString("\n\n")
	}
	if common := loader.Load("decide_common.md"); common != "" {
		sb.WriteString(common)
		sb.WriteString("\n\n")
	}
	if style := loader.Load("answer_style.md"); style != "" {
		sb.WriteString(style)
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("## 当前目标（depth=%d）\n%s\n\n", depth, objective))

	if memo != "" {
		sb.WriteString(memo)
		sb.WriteString("\n\n")
	}

	if cfg.RecursiveMode {
		if section := loader.Load("recursive_mode.md"); section != "" {
			sb.WriteString(section)
			sb.WriteString("\n\n")
		}
	}
	if cfg.AcceptanceCriteriaMode && acceptanceCriteria != "" {
		if section := loader.Load("acceptance_criteria.md"); section != "" {
			sb.WriteString(section)
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("验收标准：\n%s\n\n", acceptanceCriteria))
	}
	if cfg.DemoMode {
		if section := loader.Load("demo_mode.md"); section != "" {
			sb.WriteString(section)
			sb.WriteString("\n\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
