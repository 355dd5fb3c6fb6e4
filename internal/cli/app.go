package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/xpc123/agenic-chatBot-sub001/internal/config"
	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/commandqueue"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/contextbuilder"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/coretools"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/intent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/knowledge"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/orchestrator"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/planner"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/session"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/skills"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/tokens"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/workspace"
)

// newProvider builds the LLM backend; tests replace it with a scripted one.
var newProvider = func(cfg *config.Config, logger zerolog.Logger) (agent.LLMProvider, error) {
	profiles := make([]agent.AuthProfile, 0, len(cfg.LLM.Profiles))
	for _, p := range cfg.LLM.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return agent.NewPool(agent.PoolConfig{
		Profiles: profiles,
		Cooldown: cfg.LLM.Cooldown,
		Logger:   logger,
	})
}

// App is the assembled engine: every component the orchestrator needs plus
// the background services that keep them fresh.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Store
	Tools        *toolregistry.Registry
	Knowledge    *knowledge.Store
	Skills       *skills.Catalog
	Workspace    *workspace.Reader

	queue      *commandqueue.CommandQueue
	classifier *intent.Classifier
	janitor    *session.Janitor
	persona    *workspace.Watcher
}

// NewApp wires the engine from cfg. Optional collaborators that fail to start
// are logged and left out; required components fail the whole build.
func NewApp(cfg *config.Config, logger zerolog.Logger) (_ *App, err error) {
	observability.EnsureRegistered()

	a := &App{cfg: cfg, logger: logger.With().Str("component", "app").Logger()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	counter, err := tokens.New(cfg.Engine.TokenCounter, cfg.Engine.CharsPerToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider: %w", err)
	}
	completer := agent.NewCompleter(provider, cfg.ClassifierModel(), 512)

	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	a.Workspace, err = workspace.NewReader(workspace.Config{
		Root:     cfg.Workspace.Root,
		MaxBytes: cfg.Workspace.MaxBytes,
		MaxFiles: cfg.Workspace.MaxFiles,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	collab := contextbuilder.Collaborators{Files: a.Workspace}
	if cfg.Knowledge.Enabled {
		a.Knowledge, err = a.openKnowledge(logger)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Knowledge store unavailable, continuing without retrieval")
			err = nil
		} else {
			collab.Retriever = a.Knowledge
		}
	}
	if cfg.Skills.Enabled {
		a.Skills, err = skills.New(skills.Config{
			Dir:        cfg.Skills.Dir,
			Pattern:    cfg.Skills.Pattern,
			MaxMatches: cfg.Skills.MaxMatches,
			Watch:      cfg.Skills.Watch,
			Logger:     logger,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("Skill catalog unavailable, continuing without skills")
			err = nil
		} else {
			collab.Skills = a.Skills
		}
	}

	a.Tools = toolregistry.New(toolregistry.Config{
		DefaultTimeout: cfg.Engine.ToolTimeout,
		Logger:         logger,
	})
	opts := coretools.Options{Workspace: a.Workspace}
	if a.Knowledge != nil {
		opts.Knowledge = a.Knowledge
	}
	if err := coretools.Register(a.Tools, opts); err != nil {
		return nil, err
	}

	builder, err := contextbuilder.New(contextbuilder.Config{
		Budget:              cfg.Engine.ContextTokenBudget,
		CollaboratorTimeout: cfg.Engine.CollaboratorTimeout,
		RAGTopK:             cfg.Knowledge.TopK,
		RAGMinScore:         cfg.Knowledge.MinScore,
		Counter:             counter,
		Collaborators:       collab,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context builder: %w", err)
	}

	a.classifier, err = intent.New(intent.Config{
		LLM:       completer,
		Threshold: cfg.Engine.IntentConfidenceThreshold,
		Timeout:   cfg.Engine.ClassificationTimeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create intent classifier: %w", err)
	}

	a.Sessions, err = session.NewStore(session.Config{
		Dir:     cfg.SessionDir(),
		Fsync:   cfg.Session.Fsync,
		Counter: counter,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	compactor := session.NewCompactor(session.CompactorConfig{
		Summarizer:     session.NewLLMSummarizer(completer),
		PreserveRecent: cfg.Engine.PreserveRecentTurns,
		Threshold:      cfg.Engine.AutoCompactThreshold,
		Timeout:        cfg.Engine.SummarizationTimeout,
		Counter:        counter,
		Logger:         logger,
	})

	loop, err := agent.NewLoop(agent.Config{
		Provider:      provider,
		Tools:         a.Tools,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxIterations: cfg.Engine.MaxIterations,
		MaxRetries:    cfg.LLM.MaxRetries,
		RetryInterval: cfg.LLM.RetryInterval,
		LLMTimeout:    cfg.Engine.LLMTimeout,
		Streaming:     cfg.LLM.Streaming,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution loop: %w", err)
	}

	a.queue = commandqueue.New(commandqueue.Config{
		WarnAfter: cfg.SessionQueueWarn(),
		Logger:    logger,
	})

	persona := cfg.Engine.Persona
	if persona == "" {
		persona = a.Workspace.Persona()
	}
	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Sessions:       a.Sessions,
		Builder:        builder,
		Tools:          a.Tools,
		Loop:           loop,
		Classifier:     a.classifier,
		Planner:        planner.NewPlanner(cfg.Engine.PlanMaxSteps),
		Compactor:      compactor,
		Queue:          a.queue,
		Persona:        persona,
		SystemPrompt:   cfg.Engine.SystemPrompt,
		ToolTopK:       cfg.Engine.ToolTopK,
		QueueWarnAfter: cfg.SessionQueueWarn(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	a.janitor, err = session.NewJanitor(session.JanitorConfig{
		Store:     a.Sessions,
		Compactor: compactor,
		Schedule:  cfg.Session.JanitorSchedule,
		IdleTTL:   cfg.Session.IdleTTL,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Workspace.Watch && cfg.Engine.Persona == "" {
		if err := a.watchPersona(logger); err != nil {
			a.logger.Warn().Err(err).Msg("Persona hot reload disabled")
		}
	}

	a.logger.Info().
		Str("provider", provider.Provider()).
		Strs("tools", a.Tools.Names()).
		Bool("knowledge", a.Knowledge != nil).
		Bool("skills", a.Skills != nil).
		Msg("Engine assembled")
	return a, nil
}

func (a *App) openKnowledge(logger zerolog.Logger) (*knowledge.Store, error) {
	kc := a.cfg.Knowledge
	var embedder knowledge.Embedder
	if kc.Embeddings.Enabled {
		embedder = knowledge.NewOpenAIEmbedder(kc.Embeddings.APIKey, kc.Embeddings.BaseURL, kc.Embeddings.Model)
	}
	return knowledge.New(knowledge.Config{
		Dir:          kc.Dir,
		DBPath:       kc.DBPath,
		Pattern:      kc.Pattern,
		Embedder:     embedder,
		VectorWeight: kc.VectorWeight,
		Watch:        kc.Watch,
		Logger:       logger,
	})
}

func (a *App) watchPersona(logger zerolog.Logger) error {
	w, err := workspace.NewWatcher(workspace.WatcherConfig{
		Dir:    a.Workspace.Root(),
		Logger: logger,
		OnChange: func(path string) {
			a.Orchestrator.SetPersona(a.Workspace.Persona())
			a.logger.Info().Str("path", path).Msg("Persona reloaded")
		},
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	a.persona = w
	return nil
}

// Start launches the background services.
func (a *App) Start() {
	if a.janitor != nil {
		a.janitor.Start()
	}
}

// Close stops every component in reverse dependency order.
func (a *App) Close() error {
	var errs []error
	if a.persona != nil {
		errs = append(errs, a.persona.Stop())
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.Orchestrator != nil {
		errs = append(errs, a.Orchestrator.Close())
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.Sessions != nil {
		errs = append(errs, a.Sessions.Close())
	}
	if a.classifier != nil {
		a.classifier.Close()
	}
	if a.Skills != nil {
		errs = append(errs, a.Skills.Close())
	}
	if a.Knowledge != nil {
		errs = append(errs, a.Knowledge.Close())
	}
	return errors.Join(errs...)
}
