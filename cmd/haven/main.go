package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/spf13/cobra"
	"github.com/quietpath/haven/internal/config"
	"github.com/quietpath/haven/internal/corpus"
	"github.com/quietpath/haven/internal/feedback"
	"github.com/quietpath/haven/internal/gateway"
	"github.com/quietpath/haven/internal/guidance"
	"github.com/quietpath/haven/internal/pipeline"
	"github.com/quietpath/haven/internal/safety"
)

// Generator interface for the chat REPL (allows mocking in tests)
type Generator = pipeline.Generator

// GeneratorFactory creates a Generator instance
type GeneratorFactory func(cfg *config.Config) (Generator, func(), error)

// DefaultGeneratorFactory creates the default agentsdk-go backed generator
func DefaultGeneratorFactory(cfg *config.Config) (Generator, func(), error) {
	if cfg.Provider.APIKey == "" {
		return nil, nil, fmt.Errorf("API key not set. Run 'haven onboard' or set HAVEN_API_KEY / ANTHROPIC_API_KEY")
	}

	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default:
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:  cfg.Agent.Workspace,
		ModelFactory: provider,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeGenerator{rt: rt}, rt.Close, nil
}

type runtimeGenerator struct {
	rt *api.Runtime
}

func (g *runtimeGenerator) Generate(ctx context.Context, prompt, sessionID string) (string, error) {
	resp, err := g.rt.Run(ctx, api.Request{Prompt: prompt, SessionID: sessionID})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", fmt.Errorf("empty runtime response")
	}
	return resp.Result.Output, nil
}

// ChatOptions for running the REPL with injectable dependencies
type ChatOptions struct {
	GeneratorFactory GeneratorFactory
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "haven",
	Short: "haven - a retrieval-backed empathetic chat companion",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to haven in single message or REPL mode",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + nightly guidance refresh)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, workspace, and prompt template",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show haven status",
	RunE:  runStatus,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Prepare and embed corpus datasets",
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert an EmpatheticDialogues-style CSV to JSONL documents",
	RunE:  runConvert,
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed a JSONL document file into a corpus",
	RunE:  runEmbed,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild guidance patterns from accumulated feedback",
	RunE:  runRefresh,
}

var (
	messageFlag string
	csvFlag     string
	outFlag     string
	fileFlag    string
	corpusFlag  string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	convertCmd.Flags().StringVar(&csvFlag, "csv", "", "Input CSV path")
	convertCmd.Flags().StringVar(&outFlag, "out", "", "Output JSONL path")
	embedCmd.Flags().StringVar(&fileFlag, "file", "", "Input JSONL path")
	embedCmd.Flags().StringVar(&corpusFlag, "corpus", "", "Target corpus: counsel or empathy")
	ingestCmd.AddCommand(convertCmd, embedCmd)
	rootCmd.AddCommand(chatCmd, gatewayCmd, onboardCmd, statusCmd, ingestCmd, refreshCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the REPL with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.GeneratorFactory
	if factory == nil {
		factory = DefaultGeneratorFactory
	}
	gen, closeFn, err := factory(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	embedder := corpus.NewEmbedder(cfg.Corpora.Embedding)
	corpora, err := corpus.NewStore(cfg.CorporaDBPath(), embedder)
	if err != nil {
		return fmt.Errorf("open corpus store: %w", err)
	}
	defer corpora.Close()

	store, err := feedback.NewStore(cfg.FeedbackDBPath())
	if err != nil {
		return fmt.Errorf("open feedback store: %w", err)
	}
	defer store.Close()

	tmpl, err := pipeline.LoadTemplate(cfg.PromptTemplatePath())
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Options{
		Detector:        safety.NewDetector(cfg.Safety.CrisisKeywords),
		Counsel:         corpora.View(corpus.Counsel),
		Empathy:         corpora.View(corpus.Empathy),
		Store:           store,
		Guidance:        guidance.NewRetriever(store, config.DefaultBadExampleExcerptLen),
		Learner:         guidance.NewLearner(store, cfg.Feedback.LearnThreshold, config.DefaultMaxBadExamples),
		Generator:       gen,
		Template:        tmpl,
		RetrieveK:       cfg.Corpora.RetrieveK,
		DebugK:          cfg.Corpora.DebugK,
		BlockThreshold:  cfg.Feedback.BlockThreshold,
		LearnThreshold:  cfg.Feedback.LearnThreshold,
		GenerateTimeout: time.Duration(cfg.Agent.GenerateTimeoutSec) * time.Second,
	})

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	ctx := context.Background()
	const session = "cli"
	userID := "cli"

	// Single message mode
	if messageFlag != "" {
		res := p.Respond(ctx, session, userID, messageFlag)
		fmt.Fprintln(stdout, res.Reply)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "haven (type 'exit' to quit, /good or /bad to rate the last reply)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		switch input {
		case "/good", "/bad":
			verdict := feedback.VerdictPositive
			if input == "/bad" {
				verdict = feedback.VerdictNegative
			}
			if err := p.SubmitVerdict(session, userID, verdict); err != nil {
				fmt.Fprintln(stdout, "Nothing to rate yet.")
			} else {
				fmt.Fprintln(stdout, "Thanks for the feedback.")
			}
			continue
		}

		res := p.Respond(ctx, session, userID, input)
		fmt.Fprintln(stdout, res.Reply)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'haven onboard' or set HAVEN_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ws := cfg.Agent.Workspace
	for _, dir := range []string{
		filepath.Join(ws, "templates"),
		filepath.Join(ws, "journal"),
		filepath.Join(cfgDir, "data"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}

	writeIfNotExists(filepath.Join(ws, "templates", "empathetic_prompt.txt"), pipeline.DefaultTemplate())

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set HAVEN_API_KEY environment variable")
	fmt.Println("  3. Run 'haven ingest' to load your corpora, then 'haven chat -m \"Hello\"'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("WebUI: enabled=%v port=%d\n", cfg.Channels.WebUI.Enabled, cfg.Gateway.Port)

	embedder := corpus.NewEmbedder(cfg.Corpora.Embedding)
	if corpora, err := corpus.NewStore(cfg.CorporaDBPath(), embedder); err == nil {
		counsel, _ := corpora.Count(corpus.Counsel)
		empathy, _ := corpora.Count(corpus.Empathy)
		fmt.Printf("Corpora: counsel=%d empathy=%d\n", counsel, empathy)
		corpora.Close()
	} else {
		fmt.Printf("Corpora: error (%v)\n", err)
	}

	if store, err := feedback.NewStore(cfg.FeedbackDBPath()); err == nil {
		if st, err := store.Snapshot(); err == nil {
			fmt.Printf("Feedback: %d records (%d negative)\n", st.FeedbackCount, st.NegativeCount)
			fmt.Printf("Learned patterns: %d\n", st.GuidanceCount)
			fmt.Printf("User summaries: %d\n", st.SummaryCount)
		}
		store.Close()
	} else {
		fmt.Printf("Feedback: error (%v)\n", err)
	}

	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	if csvFlag == "" || outFlag == "" {
		return fmt.Errorf("both --csv and --out are required")
	}
	n, err := corpus.ConvertCSV(csvFlag, outFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Converted %d rows to %s\n", n, outFlag)
	return nil
}

func runEmbed(cmd *cobra.Command, args []string) error {
	if fileFlag == "" {
		return fmt.Errorf("--file is required")
	}
	if corpusFlag != corpus.Counsel && corpusFlag != corpus.Empathy {
		return fmt.Errorf("--corpus must be %q or %q", corpus.Counsel, corpus.Empathy)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	embedder := corpus.NewEmbedder(cfg.Corpora.Embedding)
	store, err := corpus.NewStore(cfg.CorporaDBPath(), embedder)
	if err != nil {
		return fmt.Errorf("open corpus store: %w", err)
	}
	defer store.Close()

	progressPath := fileFlag + ".progress"
	ing := corpus.NewIngestor(store, embedder, cfg.Corpora.Embedding.BatchSize, progressPath)
	n, err := ing.Run(context.Background(), corpusFlag, fileFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Embedded %d documents into %s\n", n, corpusFlag)
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := feedback.NewStore(cfg.FeedbackDBPath())
	if err != nil {
		return fmt.Errorf("open feedback store: %w", err)
	}
	defer store.Close()

	learner := guidance.NewLearner(store, cfg.Feedback.LearnThreshold, config.DefaultMaxBadExamples)
	n, err := learner.Refresh()
	if err != nil {
		return err
	}
	fmt.Printf("Refreshed %d guidance pattern(s)\n", n)
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}
