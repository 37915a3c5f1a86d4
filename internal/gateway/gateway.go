package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/quietpath/haven/internal/bus"
	"github.com/quietpath/haven/internal/channel"
	"github.com/quietpath/haven/internal/config"
	"github.com/quietpath/haven/internal/corpus"
	"github.com/quietpath/haven/internal/cron"
	"github.com/quietpath/haven/internal/feedback"
	"github.com/quietpath/haven/internal/guidance"
	"github.com/quietpath/haven/internal/journal"
	"github.com/quietpath/haven/internal/pipeline"
	"github.com/quietpath/haven/internal/safety"
)

const systemPrompt = `You are Haven, a gentle companion for people navigating difficult emotions. You listen first, validate feelings, and offer grounded, specific support. You never diagnose, never lecture, and never pretend to be a therapist.`

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// Options for creating a Gateway
type Options struct {
	RuntimeFactory RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
}

func newRuntime(cfg *config.Config, sysPrompt string) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
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
		SystemPrompt: sysPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// runtimeGenerator adapts the agent runtime to the pipeline's Generator.
type runtimeGenerator struct {
	runtime Runtime
}

func (r *runtimeGenerator) Generate(ctx context.Context, prompt, sessionID string) (string, error) {
	resp, err := r.runtime.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: sessionID,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", fmt.Errorf("empty runtime response")
	}
	return resp.Result.Output, nil
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	runtime    Runtime
	channels   *channel.ChannelManager
	cron       *cron.Service
	corpora    *corpus.Store
	store      *feedback.Store
	pipeline   *pipeline.Pipeline
	summarizer *pipeline.Summarizer
	learner    *guidance.Learner
	journal    *journal.Store
	signalChan chan os.Signal

	histMu  sync.Mutex
	history map[string][]string // userID -> their messages this session
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		bus:     bus.NewMessageBus(config.DefaultBufSize),
		history: make(map[string][]string),
	}

	embedder := corpus.NewEmbedder(cfg.Corpora.Embedding)
	corpora, err := corpus.NewStore(cfg.CorporaDBPath(), embedder)
	if err != nil {
		return nil, fmt.Errorf("open corpus store: %w", err)
	}
	g.corpora = corpora

	store, err := feedback.NewStore(cfg.FeedbackDBPath())
	if err != nil {
		_ = corpora.Close()
		return nil, fmt.Errorf("open feedback store: %w", err)
	}
	g.store = store

	tmpl, err := pipeline.LoadTemplate(cfg.PromptTemplatePath())
	if err != nil {
		g.closeStores()
		return nil, err
	}

	factory := opts.RuntimeFactory
	var rt Runtime
	if factory == nil {
		rt, err = newRuntime(cfg, systemPrompt)
	} else {
		rt, err = factory(cfg, systemPrompt)
	}
	if err != nil {
		g.closeStores()
		return nil, err
	}
	g.runtime = rt
	gen := &runtimeGenerator{runtime: rt}

	g.learner = guidance.NewLearner(store, cfg.Feedback.LearnThreshold, config.DefaultMaxBadExamples)
	g.pipeline = pipeline.New(pipeline.Options{
		Detector:        safety.NewDetector(cfg.Safety.CrisisKeywords),
		Counsel:         corpora.View(corpus.Counsel),
		Empathy:         corpora.View(corpus.Empathy),
		Store:           store,
		Guidance:        guidance.NewRetriever(store, config.DefaultBadExampleExcerptLen),
		Learner:         g.learner,
		Generator:       gen,
		Template:        tmpl,
		RetrieveK:       cfg.Corpora.RetrieveK,
		DebugK:          cfg.Corpora.DebugK,
		BlockThreshold:  cfg.Feedback.BlockThreshold,
		LearnThreshold:  cfg.Feedback.LearnThreshold,
		GenerateTimeout: time.Duration(cfg.Agent.GenerateTimeoutSec) * time.Second,
	})
	g.summarizer = pipeline.NewSummarizer(store, gen)
	g.journal = journal.NewStore(filepath.Join(cfg.Agent.Workspace, "journal"))

	g.signalChan = opts.SignalChan

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json"))
	g.cron.OnJob = g.handleJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		g.closeStores()
		rt.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) closeStores() {
	if g.corpora != nil {
		_ = g.corpora.Close()
	}
	if g.store != nil {
		_ = g.store.Close()
	}
}

func (g *Gateway) handleJob(job cron.CronJob) (string, error) {
	switch job.Payload.Kind {
	case cron.PayloadGuidanceRefresh:
		n, err := g.learner.Refresh()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("refreshed %d patterns", n), nil
	case cron.PayloadCheckIn:
		if job.Payload.Channel == "" || job.Payload.ChatID == "" {
			return "", fmt.Errorf("check-in job %s has no destination", job.Name)
		}
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.ChatID,
			Content: job.Payload.Message,
		}
		return "sent", nil
	default:
		return "", fmt.Errorf("unknown job payload kind %q", job.Payload.Kind)
	}
}

func (g *Gateway) ensureGuidanceRefreshJob() error {
	_, err := g.cron.EnsureJob(
		"__internal_guidance_refresh",
		cron.Schedule{Kind: "cron", Expr: g.cfg.Feedback.RefreshCron},
		cron.Payload{Kind: cron.PayloadGuidanceRefresh},
	)
	return err
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureGuidanceRefreshJob(); err != nil {
		log.Printf("[gateway] ensure guidance refresh job warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	switch msg.Kind {
	case bus.KindVerdict:
		g.handleVerdict(msg)
	case bus.KindCommand:
		g.handleCommand(ctx, msg)
	default:
		g.handleMessage(ctx, msg)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg bus.InboundMessage) {
	log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

	g.rememberMessage(msg.SenderID, msg.Content)

	res := g.pipeline.Respond(ctx, msg.SessionKey(), msg.SenderID, msg.Content)

	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: res.Reply,
	}

	// The web UI shows the wider retrieval set under each answer.
	if res.State == pipeline.StateResponded && msg.Channel == "webui" {
		g.sendDebugFrame(ctx, msg)
	}
}

func (g *Gateway) sendDebugFrame(ctx context.Context, msg bus.InboundMessage) {
	counsel, empathy, err := g.pipeline.DebugRetrieve(ctx, strings.TrimSpace(msg.Content))
	if err != nil {
		log.Printf("[gateway] debug retrieve warning: %v", err)
		return
	}
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Metadata: map[string]any{
			"kind":    "debug",
			"counsel": passageTexts(counsel),
			"empathy": passageTexts(empathy),
		},
	}
}

func passageTexts(passages []corpus.Passage) []string {
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		out = append(out, p.Text)
	}
	return out
}

func (g *Gateway) handleVerdict(msg bus.InboundMessage) {
	question, ok := g.pipeline.LastQuestion(msg.SessionKey())
	if !ok {
		g.reply(msg, "There's no recent response to rate.")
		return
	}

	if err := g.pipeline.SubmitVerdict(msg.SessionKey(), msg.SenderID, msg.Verdict); err != nil {
		log.Printf("[gateway] verdict warning: %v", err)
		g.reply(msg, "There's no recent response to rate.")
		return
	}

	if msg.Verdict == feedback.VerdictNegative {
		if n, err := g.pipeline.NegativeCount(msg.SenderID, question); err == nil {
			g.reply(msg, fmt.Sprintf("Thanks, noted. You've flagged this question %d time(s).", n))
			return
		}
	}
	g.reply(msg, "Thanks for the feedback.")
}

func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage) {
	command, _ := msg.Metadata["command"].(string)
	switch command {
	case "save":
		g.histMu.Lock()
		messages := append([]string(nil), g.history[msg.SenderID]...)
		g.histMu.Unlock()
		if len(messages) == 0 {
			g.reply(msg, "Nothing to summarize yet.")
			return
		}
		if err := g.summarizer.Save(ctx, msg.SenderID, messages); err != nil {
			log.Printf("[gateway] save summary warning: %v", err)
			g.reply(msg, "Couldn't save your summary right now.")
			return
		}
		g.reply(msg, "Summary saved. I'll remember this for next time.")
	case "journal":
		if err := g.journal.Append(msg.SenderID, msg.Content); err != nil {
			g.reply(msg, "Couldn't save that journal entry. Was it empty?")
			return
		}
		g.reply(msg, "Journal entry saved.")
	default:
		g.reply(msg, fmt.Sprintf("Unknown command %q.", command))
	}
}

func (g *Gateway) reply(msg bus.InboundMessage, content string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	}
}

func (g *Gateway) rememberMessage(userID, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	g.histMu.Lock()
	defer g.histMu.Unlock()
	g.history[userID] = append(g.history[userID], content)
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	g.closeStores()
	if g.runtime != nil {
		g.runtime.Close()
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
