// knowledgecore is a CLI front end for the composition root, wiring
// C1-C11 against a real Qdrant endpoint and exercising SubmitIngestion,
// Search, and Answer from the command line. Grounded on
// cmd/sanity-check/main.go's flag-based style rather than cmd/api's
// gin demo server, since HTTP/RPC transport is out of scope (spec §1).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"dev.helix.knowledgecore/internal/config"
	"dev.helix.knowledgecore/internal/core"
	"dev.helix.knowledgecore/internal/embedding"
	"dev.helix.knowledgecore/internal/llmclient"
	"dev.helix.knowledgecore/internal/models"
	"dev.helix.knowledgecore/internal/rag/qachain"
	"dev.helix.knowledgecore/internal/vectordb/qdrant"
)

func main() {
	var (
		configPath string
		redisAddr  string
		llmEndpoint string
		ownerID    string
		principalID string
		admin      bool
		groupIDs   string
	)

	flag.StringVar(&configPath, "config", "", "path to a YAML config file (defaults to config.Default())")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address for C7's write-behind layer (disabled if empty)")
	flag.StringVar(&llmEndpoint, "llm-endpoint", "", "completion endpoint for C5/C10 (LocalProvider-only mode if empty)")
	flag.StringVar(&ownerID, "owner", "cli-user", "owner id attached to ingested entries")
	flag.StringVar(&principalID, "principal", "cli-user", "principal id making the request")
	flag.BoolVar(&admin, "admin", false, "run as an admin principal")
	flag.StringVar(&groupIDs, "groups", "", "comma-separated group ids readable by the principal")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: knowledgecore [flags] <ingest|search|ask|status|recreate-collection> ...")
		os.Exit(2)
	}

	logger := logrus.New()
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("knowledgecore: load config")
	}

	c, shutdown, err := buildCore(cfg, redisAddr, llmEndpoint, logger)
	if err != nil {
		logger.WithError(err).Fatal("knowledgecore: build core")
	}
	defer shutdown()

	role := models.RoleUser
	if admin {
		role = models.RoleAdmin
	}
	principal := models.Principal{ID: principalID, Role: role, GroupsReadable: splitCSV(groupIDs)}

	ctx := context.Background()
	switch args[0] {
	case "ingest":
		runIngest(c, args[1:], ownerID, principal)
	case "search":
		runSearch(ctx, c, args[1:], principal)
	case "ask":
		runAsk(ctx, c, args[1:], principal)
	case "status":
		runStatus(c, args[1:], principal)
	case "recreate-collection":
		if err := c.RecreateVectorCollection(ctx); err != nil {
			logger.WithError(err).Fatal("knowledgecore: recreate collection")
		}
		fmt.Println("collection recreated; degraded mode cleared")
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// buildCore dials every collaborator Core.New needs and returns a
// shutdown func draining C9's queue and closing the vector store.
func buildCore(cfg config.Config, redisAddr, llmEndpoint string, logger *logrus.Logger) (*core.Core, func(), error) {
	store, err := qdrant.NewStore(qdrant.Config{
		Host:           cfg.VectorStore.Host,
		Port:           cfg.VectorStore.Port,
		CollectionName: cfg.VectorStore.CollectionName,
		UseTLS:         cfg.VectorStore.UseTLS,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("dial qdrant: %w", err)
	}

	providers := map[string]embedding.Provider{}
	if cfg.Embedding.Endpoint != "" {
		providers[cfg.Embedding.ProviderID] = embedding.NewRemoteProvider(embedding.Config{
			ProviderID: cfg.Embedding.ProviderID,
			Endpoint:   cfg.Embedding.Endpoint,
			APIKey:     cfg.Embedding.APIKey,
			Dimension:  cfg.Embedding.Dimension,
			BatchSize:  cfg.Embedding.BatchSize,
			Timeout:    cfg.Embedding.Timeout,
		}, logger)
	} else {
		id := cfg.Embedding.ProviderID
		if id == "" {
			id = "local"
		}
		providers[id] = embedding.NewLocalProvider(id, 384)
		cfg.Embedding.ProviderID = id
	}

	var llm llmclient.Client
	if llmEndpoint != "" {
		llm = llmclient.New(llmclient.Config{Endpoint: llmEndpoint}, logger)
	}

	var redisClient *redis.Client
	if redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
	}

	c, err := core.New(cfg, core.Dependencies{
		EmbeddingProviders: providers,
		VectorStore:        store,
		LLM:                llm,
		Redis:              redisClient,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, err
	}

	shutdown := func() {
		c.Shutdown()
		store.Close()
		if redisClient != nil {
			redisClient.Close()
		}
	}
	return c, shutdown, nil
}

func runIngest(c *core.Core, args []string, ownerID string, principal models.Principal) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	entryID := fs.String("entry", "", "knowledge entry id (required)")
	source := fs.String("source", "", "source label attached to the entry")
	file := fs.String("file", "", "path to the text file to ingest (defaults to stdin)")
	visibility := fs.String("visibility", string(models.VisibilityPrivate), "private|public")
	groups := fs.String("groups", "", "comma-separated group ids the entry belongs to")
	fs.Parse(args)

	if *entryID == "" {
		fmt.Fprintln(os.Stderr, "ingest: -entry is required")
		os.Exit(2)
	}

	var text []byte
	var err error
	if *file != "" {
		text, err = os.ReadFile(*file)
	} else {
		text, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest: read input: %v\n", err)
		os.Exit(1)
	}

	taskID, err := c.SubmitIngestion(models.IngestionPayload{
		EntryID:    *entryID,
		Text:       string(text),
		Source:     *source,
		OwnerID:    ownerID,
		Visibility: models.Visibility(*visibility),
		GroupIDs:   splitCSV(*groups),
	}, principal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(taskID)
}

func runSearch(ctx context.Context, c *core.Core, args []string, principal models.Principal) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	topK := fs.Int("top-k", 5, "number of passages to return")
	groups := fs.String("groups", "", "restrict to these group ids")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "search: a query string is required")
		os.Exit(2)
	}

	hits, err := c.Search(ctx, strings.Join(fs.Args(), " "), *topK, splitCSV(*groups), principal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "search: %v\n", err)
		os.Exit(1)
	}
	printJSON(hits)
}

func runAsk(ctx context.Context, c *core.Core, args []string, principal models.Principal) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	sessionID := fs.String("session", "", "conversation session id (enables session serialization)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "ask: a question string is required")
		os.Exit(2)
	}

	var session *models.ConversationState
	if *sessionID != "" {
		session = &models.ConversationState{SessionID: *sessionID}
	}

	result, _, err := c.Answer(ctx, qachain.AnswerRequest{
		Question:  strings.Join(fs.Args(), " "),
		Session:   session,
		Principal: principal,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ask: %v\n", err)
		os.Exit(1)
	}
	printJSON(result)
}

func runStatus(c *core.Core, args []string, principal models.Principal) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "status: a task id is required")
		os.Exit(2)
	}
	task, err := c.TaskStatus(args[0], principal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	printJSON(task)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
