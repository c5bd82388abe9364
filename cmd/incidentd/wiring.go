package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"

	ic "github.com/linnemanlabs/incidentd/internal/cfg"
	"github.com/linnemanlabs/incidentd/internal/classify"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/incident/memstore"
	"github.com/linnemanlabs/incidentd/internal/incident/pgstore"
	"github.com/linnemanlabs/incidentd/internal/incident/sqlstore"
	"github.com/linnemanlabs/incidentd/internal/knowledge"
	"github.com/linnemanlabs/incidentd/internal/knowledge/pgindex"
	"github.com/linnemanlabs/incidentd/internal/llm/claude"
	"github.com/linnemanlabs/incidentd/internal/llm/openai"
	"github.com/linnemanlabs/incidentd/internal/postgres"
)

// stores bundles the persistence backends selected by configuration. pool is
// set only for the postgres backend, which the knowledge index shares.
type stores struct {
	incidents incident.Store
	calls     incident.CallStore
	pool      *pgxpool.Pool
	close     func()
}

func openStores(ctx context.Context, c ic.Config, L log.Logger) (*stores, error) {
	switch c.Store {
	case ic.StorePostgres:
		pool, err := postgres.NewPool(ctx, postgres.Config{
			URL:       c.DatabaseURL,
			MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded to 1..200 by Validate
			SlowQuery: time.Duration(c.SlowQueryMillis) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns)
		return &stores{incidents: s, calls: s, pool: pool, close: pool.Close}, nil

	case ic.StoreSQLite:
		s, err := sqlstore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlstore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return &stores{incidents: s, calls: s, close: func() { _ = s.Close() }}, nil

	default:
		s := memstore.New()
		L.Info(ctx, "using in-memory store, incidents are lost on restart")
		return &stores{incidents: s, calls: s, close: func() {}}, nil
	}
}

func newPGIndex(ctx context.Context, pool *pgxpool.Pool) (knowledge.Index, error) {
	idx, err := pgindex.New(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("pgindex init: %w", err)
	}
	return idx, nil
}

func newEmbedder(c ic.Config) (knowledge.Embedder, error) {
	switch c.Embedder {
	case ic.EmbedderHash:
		return knowledge.NewHashEmbedder(c.HashEmbedderDims), nil
	case ic.EmbedderOpenAI:
		return openai.New(openai.Config{
			APIKey:         c.OpenAIAPIKey,
			BaseURL:        c.OpenAIBaseURL,
			EmbeddingModel: c.OpenAIEmbeddingModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", c.Embedder)
	}
}

// newProvider returns a nil interface, not a typed nil, when no model is
// configured so the classifier can detect it.
func newProvider(c ic.Config) (classify.Provider, error) {
	switch c.LLMProvider {
	case ic.ProviderClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel), nil
	case ic.ProviderOpenAI:
		return openai.New(openai.Config{
			APIKey:    c.OpenAIAPIKey,
			BaseURL:   c.OpenAIBaseURL,
			ChatModel: c.OpenAIChatModel,
		}), nil
	case ic.ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}
}
