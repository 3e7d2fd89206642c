package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/openplanter/core/internal/config"
	"github.com/openplanter/core/internal/engine"
	"github.com/openplanter/core/internal/llm"
	"github.com/openplanter/core/internal/llm/anthropicnative"
	"github.com/openplanter/core/internal/llm/openaicompat"
	"github.com/openplanter/core/internal/mcp"
	"github.com/openplanter/core/internal/runtime"
	"github.com/openplanter/core/internal/skill"
	"github.com/openplanter/core/internal/tool"
	"github.com/openplanter/core/internal/tool/builtin"
)

func main() {
	config.LoadEnv()

	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║     Recursive investigation engine    ║")
	fmt.Println("╚══════════════════════════════════════╝")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration: %v", err)
	}

	ws, err := tool.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		log.Fatalf("❌ Workspace: %v", err)
	}
	fmt.Printf("📂 Workspace: %s\n", ws.Root())
	fmt.Printf("🤖 Model: %s (leaf: %s, effort: %s, provider: %s)\n", cfg.ModelName, cfg.LeafModelName, cfg.ReasoningEffort, cfg.ProviderKind)

	providerFactory, err := buildProviderFactory(cfg)
	if err != nil {
		log.Fatalf("❌ Provider: %v", err)
	}

	base := buildBaseRegistry(context.Background(), ws, cfg)
	eng := engine.New(cfg, providerFactory, buildRegistry(cfg, base), printEvent)

	objective := flag.String("objective", "", "the objective to investigate; if empty, read from stdin")
	resumeID := flag.String("resume", "", "resume a previously created session ID instead of starting fresh")
	flag.Parse()

	obj := strings.TrimSpace(*objective)
	if obj == "" {
		fmt.Println("✍️  Objective (end with an empty line):")
		obj = readMultiline(os.Stdin)
	}
	if obj == "" {
		log.Fatalf("❌ no objective supplied")
	}

	var answer string
	if sid := strings.TrimSpace(*resumeID); sid != "" {
		fmt.Printf("🔁 Resuming session %s\n", sid)
		answer, err = eng.ResumeSession(context.Background(), sid, obj, ws)
	} else {
		answer, err = eng.Solve(context.Background(), obj, ws)
	}
	if err != nil {
		log.Fatalf("❌ solve failed: %v", err)
	}
	fmt.Println("\n=== Final Answer ===")
	fmt.Println(answer)
}

// buildBaseRegistry assembles the process-global tool catalog that does
// not vary by recursion depth: MCP server adapters and workspace skills,
// both hot-reloadable via their own *_reload tools, plus the mcp.json
// management tools and the general-purpose HTTP client. Every per-depth
// registry composes on top of this one via tool.Registry.WithExtra, so
// an mcp_reload/skill_reload call made at any depth is visible to every
// other depth's registry view.
func buildBaseRegistry(ctx context.Context, ws *tool.Workspace, cfg *config.Configuration) *tool.Registry {
	base := tool.NewRegistry()

	nodeInfo := runtime.ProbeNodeRuntime()
	log.Println("[Runtime] " + strings.ReplaceAll(nodeInfo.StatusString(), "\n", " / "))

	mcpConfigPath := filepath.Join(ws.Root(), "mcp.json")
	mcpManager := mcp.NewManager(mcpConfigPath)
	if connected, errs := mcpManager.ConnectAll(ctx); connected > 0 || len(errs) > 0 {
		for _, e := range errs {
			log.Printf("⚠️  MCP: %v", e)
		}
		fmt.Printf("🔌 MCP servers connected: %d\n", connected)
	}
	if err := mcpManager.RegisterTools(ctx, base); err != nil {
		log.Printf("⚠️  MCP: register tools: %v", err)
	}
	base.Register(mcp.NewReloadTool(mcpManager, base))
	base.Register(builtin.NewMCPServerAddTool(mcpConfigPath))
	base.Register(builtin.NewMCPServerRemoveTool(mcpConfigPath))
	base.Register(builtin.NewMCPServerListTool(mcpConfigPath))

	skillManager := skill.NewManager(ws.Root())
	if loaded, errs := skillManager.LoadAll(ctx, base); loaded > 0 || len(errs) > 0 {
		for _, e := range errs {
			log.Printf("⚠️  Skill: %v", e)
		}
		fmt.Printf("🧩 Skills loaded: %d\n", loaded)
	}
	base.Register(skill.NewReloadTool(skillManager, base))

	base.Register(builtin.NewHTTPRequestTool(os.Getenv("TOOL_HTTP_ALLOW_INTERNAL") == "true"))

	return base
}

// buildProviderFactory adapts the configured provider kind into an
// engine.ProviderFactory, rebuilding a fresh per-call Config with the
// requested model/reasoning_effort overridden on top of the
// environment-loaded base (openaicompat/anthropicnative bind model and
// reasoning effort at construction time, not at call time).
func buildProviderFactory(cfg *config.Configuration) (engine.ProviderFactory, error) {
	switch cfg.ProviderKind {
	case "anthropic-native":
		base, err := anthropicnative.NewConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return func(modelName, _ string) (llm.Provider, error) {
			c := *base
			c.Model = modelName
			return anthropicnative.NewClient(&c)
		}, nil
	case "openai-compatible", "":
		base, err := openaicompat.NewConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return func(modelName, reasoningEffort string) (llm.Provider, error) {
			c := *base
			c.Model = modelName
			if reasoningEffort != "" {
				c.ReasoningEffort = reasoningEffort
			}
			return openaicompat.NewClient(&c)
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.ProviderKind)
	}
}

// buildRegistry returns an engine.RegistryFactory binding the builtin
// tool catalog to one depth's workspace, layered as a view on top of
// base (internal/tool.Registry.WithExtra) so live MCP/skill reloads
// made at any depth stay visible everywhere. Every builtin tool below
// is stateless beyond its workspace reference, so a fresh view registry
// per depth is cheap.
func buildRegistry(cfg *config.Configuration, base *tool.Registry) engine.RegistryFactory {
	return func(ws *tool.Workspace, depth int) *tool.Registry {
		reg := base.WithExtra()

		reg.Register(builtin.NewReadFileTool(ws))
		reg.Register(builtin.NewWriteFileTool(ws))
		reg.Register(builtin.NewListDirTool(ws))
		reg.Register(builtin.NewPatchFileTool(ws))
		reg.Register(builtin.NewSearchTool(ws))
		reg.Register(builtin.NewRepoMapTool(ws))
		reg.Register(builtin.NewGitInfoTool(ws))
		reg.Register(builtin.NewTimeTool())

		policy := builtin.ShellPolicy{Bans: cfg.ShellBans, HeredocForbidden: cfg.ShellHeredocForbidden}
		shellTool := builtin.NewShellTool(ws, policy, true)
		reg.Register(shellTool)
		reg.Register(builtin.NewShellStatusTool(shellTool))
		reg.Register(builtin.NewShellCancelTool(shellTool))
		reg.Register(builtin.NewShellOutputTool(shellTool))

		reg.Register(builtin.NewFetchURLTool(cfg.AllowInternalFetch))

		switch {
		case cfg.WebSearchProvider == "tavily" && cfg.TavilyAPIKey != "":
			reg.Register(builtin.NewWebSearchTool(builtin.NewTavilyBackend(cfg.TavilyAPIKey)))
		case cfg.BraveAPIKey != "":
			reg.Register(builtin.NewWebSearchTool(builtin.NewBraveBackend(cfg.BraveAPIKey)))
		}

		return reg
	}
}

func readMultiline(f *os.File) string {
	scanner := bufio.NewScanner(f)
	var sb strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func printEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventAssistantTextDelta:
		fmt.Print(ev.Text)
	case engine.EventToolCall:
		fmt.Printf("\n🔧 [depth %d] %s(...)\n", ev.Depth, ev.ToolName)
	case engine.EventToolResult:
		if ev.Error != "" {
			fmt.Printf("   ⚠️  %s\n", ev.Error)
		}
	case engine.EventSubSpawn:
		fmt.Printf("\n↘️  spawning sub-agent: %s\n", ev.Text)
	case engine.EventBudgetWarning:
		fmt.Printf("\n⏳ %s\n", ev.Text)
	case engine.EventRateLimit:
		fmt.Printf("\n🐢 %s\n", ev.Text)
	case engine.EventError:
		fmt.Printf("\n❌ %s\n", ev.Error)
	}
}
