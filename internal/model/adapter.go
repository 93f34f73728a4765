// Package model implements the chat.ModelAdapter boundary on top of Genkit,
// supporting the Gemini, OpenAI, and Ollama providers behind one streaming
// interface. Tool execution stays with the turn orchestrator: generation is
// asked to return tool requests instead of running them.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"golang.org/x/time/rate"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/config"
	"github.com/calliope-chat/calliope/internal/log"
)

// Adapter implements chat.ModelAdapter. It is immutable after construction
// and safe for concurrent turns; a shared rate limiter smooths bursts
// across turns so the provider quota is not exhausted by one client.
type Adapter struct {
	g           *genkit.Genkit
	modelName   string
	temperature float32
	maxTokens   int
	toolRefs    []ai.ToolRef
	limiter     *rate.Limiter
	logger      log.Logger
}

// New initializes Genkit for the configured provider and registers the tool
// declarations so generation can emit matching tool requests. The tool
// functions themselves are never run through Genkit.
func New(ctx context.Context, cfg *config.Config, decls []chat.Declaration, logger log.Logger) (*Adapter, error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	g, err := initGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	toolRefs := make([]ai.ToolRef, 0, len(decls))
	for _, decl := range decls {
		schema, err := toGenkitSchema(decl.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("converting schema for tool %q: %w", decl.Name, err)
		}
		// Genkit's tool definition takes the schema as a generic JSON
		// object; both shapes serialize to the same JSON Schema.
		var schemaMap map[string]any
		if schema != nil {
			raw, err := json.Marshal(schema)
			if err != nil {
				return nil, fmt.Errorf("encoding schema for tool %q: %w", decl.Name, err)
			}
			if err := json.Unmarshal(raw, &schemaMap); err != nil {
				return nil, fmt.Errorf("decoding schema for tool %q: %w", decl.Name, err)
			}
		}
		name := decl.Name
		ref := genkit.DefineToolWithInputSchema(g, name, decl.Description, schemaMap,
			func(_ *ai.ToolContext, _ any) (any, error) {
				// Generation runs with returned tool requests; dispatch is
				// owned by the orchestrator and must never land here.
				return nil, fmt.Errorf("tool %q must be dispatched by the turn engine", name)
			})
		toolRefs = append(toolRefs, ref)
	}

	return &Adapter{
		g:           g,
		modelName:   cfg.FullModelName(),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		toolRefs:    toolRefs,
		// 10 req/s sustained with burst of 30 across all turns.
		limiter: rate.NewLimiter(10, 30),
		logger:  logger,
	}, nil
}

func initGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		logger.Info("initialized Genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized Genkit with openai provider", "model", cfg.ModelName)

	default: // gemini / googleai
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)
	}

	return g, nil
}

// Stream implements chat.ModelAdapter. It opens one generation segment and
// returns a pull-based delta stream: text chunks arrive as they are
// generated, tool requests follow from the settled response, then a done
// delta closes the segment.
func (a *Adapter) Stream(ctx context.Context, req *chat.ModelRequest) (chat.ModelStream, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	messages, err := toGenkitMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("converting messages: %w", err)
	}

	genCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		deltas: make(chan chat.Delta),
		errc:   make(chan error, 1),
		cancel: cancel,
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(a.modelName),
		ai.WithMessages(messages...),
		ai.WithConfig(&ai.GenerationCommonConfig{
			Temperature:     float64(a.temperature),
			MaxOutputTokens: a.maxTokens,
		}),
		ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return s.send(cbCtx, chat.Delta{Kind: chat.DeltaText, Text: text})
		}),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, ai.WithTools(a.toolRefs...), ai.WithReturnToolRequests(true))
	}

	go func() {
		defer close(s.deltas)

		resp, err := genkit.Generate(genCtx, a.g, opts...)
		if err != nil {
			s.errc <- fmt.Errorf("generation failed: %w", err)
			return
		}

		for _, tr := range resp.ToolRequests() {
			call, err := toolCallFromRequest(tr)
			if err != nil {
				s.errc <- err
				return
			}
			if err := s.send(genCtx, chat.Delta{Kind: chat.DeltaToolCall, ToolCall: call}); err != nil {
				return
			}
		}
		_ = s.send(genCtx, chat.Delta{Kind: chat.DeltaDone})
	}()

	return s, nil
}

// Complete implements chat.ModelAdapter for non-streaming utility
// generations such as conversation summarization.
func (a *Adapter) Complete(ctx context.Context, prompt string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := genkit.Generate(ctx, a.g,
		ai.WithModelName(a.modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
