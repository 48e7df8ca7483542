package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rahul/scribe/internal/agent"
	"github.com/rahul/scribe/internal/credentials"
	"github.com/rahul/scribe/internal/gateway"
	"github.com/rahul/scribe/internal/governance"
	"github.com/rahul/scribe/internal/llm"
	"github.com/rahul/scribe/internal/observability"
	"github.com/rahul/scribe/internal/store"
	"github.com/rahul/scribe/internal/tools"
	"github.com/rahul/scribe/internal/tools/web"
	"github.com/rahul/scribe/pkg/config"
)

// app holds the fully wired engine for commands that run jobs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	status   *observability.Status
	events   *observability.EventLog
	history  *store.Store
	web      *web.Provider
	rotator  *credentials.Rotator
	broker   *tools.Broker
	batch    *agent.BatchScheduler
	scout    *agent.TopicScout
	telegram *gateway.Telegram
	notify   gateway.Fanout
	service  *agent.Service
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(),
		status:  observability.NewStatus(),
		events:  observability.NewEventLog(cfg.Log.EventsDir),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	if a.history, err = store.Open(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	if err = a.connectTools(ctx); err != nil {
		return nil, err
	}

	chat, err := llm.New(llmOptions(cfg.LLM), llm.WithLogger(logger), llm.WithEventLog(a.events))
	if err != nil {
		return nil, err
	}

	ac := cfg.Agent
	mediaOpts := []governance.MediaOption{
		governance.WithMediaRecorder(a.metrics),
		governance.WithMediaLogger(logger),
	}
	if len(ac.Placeholders) > 0 {
		mediaOpts = append(mediaOpts, governance.WithPlaceholders(ac.Placeholders))
	}
	media := governance.NewMediaValidator(mediaOpts...)
	steps := agent.NewStepExecutor(chat, a.broker, media,
		agent.WithPolicy(governance.NewPolicy(ac.DenyTools, ac.DryRun, ac.PublishTool)),
		agent.WithPrompts(agent.NewPromptManager(ac.PromptsDir, ac.SummaryLimit, logger)),
		agent.WithStepConfig(agent.StepConfig{
			ContentMaxIterations:  ac.ContentMaxIterations,
			ResearchMaxIterations: ac.ResearchMaxIterations,
			PublishTool:           ac.PublishTool,
			MediaArgument:         ac.MediaArgument,
			SuccessMarkers:        ac.SuccessMarkers,
			MediaTimeout:          ac.MediaTimeout,
		}),
		agent.WithStepLogger(logger),
		agent.WithEventLog(a.events),
		agent.WithMetrics(a.metrics),
	)
	plans := agent.NewPlanExecutor(steps,
		agent.WithPublishTool(ac.PublishTool),
		agent.WithPlanLogger(logger),
		agent.WithPlanEvents(a.events),
		agent.WithStatus(a.status),
	)
	a.batch = agent.NewBatchScheduler(plans,
		agent.WithConcurrency(cfg.Batch.Concurrency),
		agent.WithJobRecorder(agent.HistoryRecorder{Store: a.history}),
		agent.WithBatchMetrics(a.metrics),
		agent.WithBatchStatus(a.status),
		agent.WithBatchLogger(logger),
	)
	a.scout = agent.NewTopicScout(steps, logger)

	if err = a.connectMessengers(); err != nil {
		return nil, err
	}
	a.service = agent.NewService(a.batch, a.scout, a.history, a.notify, logger)
	ready = true
	return a, nil
}

// connectTools dials every enabled provider through the broker.
func (a *app) connectTools(ctx context.Context) error {
	cfg := a.cfg
	creds := config.OpenCredentialFile(cfg.Credentials.File)
	brokerOpts := []tools.BrokerOption{
		tools.WithSecrets(creds),
		tools.WithRecorder(a.metrics),
		tools.WithLogger(a.logger),
	}
	if pool := cfg.Credentials.RotationPool; pool != "" {
		a.rotator = credentials.NewRotator(pool, creds.Pool(pool),
			credentials.WithLogger(a.logger),
			credentials.OnRotate(a.rotationLogger(pool)))
		brokerOpts = append(brokerOpts, tools.WithRotator(a.rotator))
	}

	providers := cfg.EnabledProviders()
	var dial tools.Dialer = tools.DialMCP
	if needsBuiltin(providers) {
		var err error
		if a.web, err = web.New(web.Options{Version: version, Logger: a.logger}); err != nil {
			return fmt.Errorf("builtin tools: %w", err)
		}
		dial = tools.InProcessDialer(a.web.Server(), tools.DialMCP)
	}
	a.broker = tools.NewBroker(providerSpecs(providers), dial, brokerOpts...)
	if err := a.broker.Init(ctx); err != nil {
		return fmt.Errorf("connect tool providers: %w", err)
	}
	return nil
}

// rotationLogger writes each persisted rotation to the transcript log.
func (a *app) rotationLogger(pool string) func(from, to string) {
	return func(from, to string) {
		a.events.LogRotation(context.Background(), pool, config.Mask(from), config.Mask(to))
	}
}

func (a *app) connectMessengers() error {
	gw := a.cfg.Gateways
	if gw.Telegram.Enabled {
		bot, err := gateway.NewTelegramBot(gw.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.telegram = gateway.NewTelegram(bot, gw.Telegram.ChatID, a.logger)
		a.notify = append(a.notify, a.telegram)
	}
	if gw.Discord.Enabled {
		d, err := gateway.NewDiscord(gw.Discord.WebhookURL)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		a.notify = append(a.notify, d)
	}
	return nil
}

func (a *app) Close() {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Cleanup())
	}
	if a.web != nil {
		errs = append(errs, a.web.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func needsBuiltin(providers []config.ProviderConfig) bool {
	for _, p := range providers {
		if tools.Transport(p.Transport) == tools.TransportBuiltin {
			return true
		}
	}
	return false
}

func providerSpecs(providers []config.ProviderConfig) []tools.ProviderSpec {
	specs := make([]tools.ProviderSpec, 0, len(providers))
	for _, p := range providers {
		specs = append(specs, tools.ProviderSpec{
			Name:       p.Name,
			Transport:  tools.Transport(p.Transport),
			Command:    p.Command,
			Args:       p.Args,
			Env:        p.Env,
			URL:        p.URL,
			Headers:    p.Headers,
			Credential: p.Credential,
		})
	}
	return specs
}

func llmOptions(c config.LLMConfig) llm.Options {
	opts := llm.Options{
		APIKey:             c.APIKey,
		BaseURL:            c.BaseURL,
		Model:              c.Model,
		Timeout:            c.Timeout,
		MaxTokens:          c.MaxTokens,
		ProposeTemperature: c.ProposeTemperature,
		DecideTemperature:  c.DecideTemperature,
	}
	if c.ContentParts != nil {
		caps := llm.DetectCapabilities(c.Model, c.BaseURL)
		caps.ContentParts = *c.ContentParts
		opts.Capabilities = &caps
	}
	return opts
}

// openHistory opens just the store, for commands that never run jobs.
func openHistory(cfgPath string) (*store.Store, *zap.Logger, error) {
	cfg, logger, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	return db, logger, nil
}
