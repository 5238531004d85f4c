package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/soportecyclops/tienda21/internal/catalog"
	"github.com/soportecyclops/tienda21/internal/config"
	"github.com/soportecyclops/tienda21/internal/escalate"
	"github.com/soportecyclops/tienda21/internal/gateway"
	"github.com/soportecyclops/tienda21/internal/llm"
	"github.com/soportecyclops/tienda21/internal/pipeline"
	"github.com/soportecyclops/tienda21/internal/respond"
	"github.com/soportecyclops/tienda21/internal/rules"
	"github.com/soportecyclops/tienda21/internal/secrets"
	"github.com/soportecyclops/tienda21/internal/server"
	"github.com/soportecyclops/tienda21/internal/session"
	"github.com/soportecyclops/tienda21/internal/trigger"
)

// Default models per provider; override with <PROVIDER>_MODEL env vars.
const (
	defaultGroqModel    = "llama-3.1-8b-instant"
	defaultMistralModel = "mistral-small-latest"
	defaultOpenAIModel  = "gpt-4o-mini"
	defaultOllamaModel  = "llama3.1"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server, pipeline, and background jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns key -> caller from TIENDA21_API_KEYS
// (comma-separated; each entry key or key:caller).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		caller := "operator"
		if idx := strings.Index(part, ":"); idx > 0 {
			caller = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = caller
	}
	return m
}

// resolveCredential prefers the vault; falls back to an env var for
// single-store quickstart setups, warning when it does.
func resolveCredential(ctx context.Context, vault *secrets.Vault, name, envVar string) string {
	cred, err := vault.Get(ctx, name, "serve")
	if err == nil {
		return string(cred.Value)
	}
	if !errors.Is(err, secrets.ErrNotFound) {
		log.Error().Err(err).Str("credential", name).Msg("vault read failed")
	}
	if v := os.Getenv(envVar); v != "" {
		log.Warn().Str("credential", name).Msgf("using %s from environment — store it with 'tienda21 secrets set %s' for production", envVar, name)
		return v
	}
	return ""
}

func providerModel(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

// buildDispatcher creates the ranked provider list from cfg.Providers.
// Providers without a credential are skipped with a warning; rank follows
// config order.
func buildDispatcher(ctx context.Context, cfg *config.Config, vault *secrets.Vault) (*llm.Dispatcher, error) {
	var ranking []llm.RankedProvider
	rank := 0
	for _, name := range cfg.Providers {
		var p llm.Provider
		switch name {
		case "groq":
			key := resolveCredential(ctx, vault, "groq_api_key", "GROQ_API_KEY")
			if key == "" {
				log.Warn().Msg("groq configured but no credential found — skipping")
				continue
			}
			p = llm.NewOpenAICompatProvider("groq", key, llm.GroqBaseURL, providerModel("GROQ_MODEL", defaultGroqModel))
		case "mistral":
			key := resolveCredential(ctx, vault, "mistral_api_key", "MISTRAL_API_KEY")
			if key == "" {
				log.Warn().Msg("mistral configured but no credential found — skipping")
				continue
			}
			p = llm.NewOpenAICompatProvider("mistral", key, llm.MistralBaseURL, providerModel("MISTRAL_MODEL", defaultMistralModel))
		case "openai":
			key := resolveCredential(ctx, vault, "openai_api_key", "OPENAI_API_KEY")
			if key == "" {
				log.Warn().Msg("openai configured but no credential found — skipping")
				continue
			}
			p = llm.NewOpenAICompatProvider("openai", key, "", providerModel("OPENAI_MODEL", defaultOpenAIModel))
		case "ollama":
			p = llm.NewOllamaProvider(cfg.OllamaBaseURL, providerModel("OLLAMA_MODEL", defaultOllamaModel))
		default:
			log.Warn().Str("provider", name).Msg("unknown provider name — skipping")
			continue
		}
		rank++
		ranking = append(ranking, llm.RankedProvider{Provider: p, Rank: rank, Retries: llm.DefaultRetries})
	}
	if len(ranking) == 0 {
		return nil, fmt.Errorf("no usable LLM providers: configured %v but no credentials resolve", cfg.Providers)
	}
	return llm.NewDispatcher(ranking), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	var ruleSet *rules.RuleSet
	if cfg.RulesPath != "" {
		ruleSet, err = rules.Load(cfg.RulesPath)
	} else {
		ruleSet, err = rules.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("loading guardrail rules: %w", err)
	}

	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	sessionStore, err := session.NewSQLiteStore(cfg.SessionsDBPath())
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}
	defer sessionStore.Close()

	catalogStore, err := catalog.NewStore(cfg.CatalogDBPath())
	if err != nil {
		return fmt.Errorf("initializing catalog: %w", err)
	}
	defer catalogStore.Close()

	dispatcher, err := buildDispatcher(ctx, cfg, vault)
	if err != nil {
		return err
	}

	renderer, err := respond.NewRenderer()
	if err != nil {
		return fmt.Errorf("building response templates: %w", err)
	}

	var notifier escalate.Notifier = escalate.LogNotifier{}
	if cfg.NotifyURL != "" {
		notifier = escalate.NewWebhookNotifier(cfg.NotifyURL)
	}

	pipe := pipeline.New(
		sessionStore,
		rules.NewEngine(ruleSet),
		dispatcher,
		renderer,
		escalate.NewDecider(cfg.FrictionStreak),
		notifier,
		pipeline.WithSessionTTL(cfg.SessionTimeout),
		pipeline.WithMessageDeadline(cfg.MessageDeadline),
		pipeline.WithCatalog(catalogStore),
	)

	webhooks := gateway.NewHandler(pipe, []byte(cfg.WebhookSecret),
		gateway.WithRateLimiter(gateway.NewRateLimiter(cfg.GlobalRPM, cfg.PerUserRPM)),
		gateway.WithIngester(catalogStore),
	)

	scheduler := trigger.NewScheduler()
	if err := scheduler.RegisterSessionExpiry(cfg.ExpiryCron, sessionStore, cfg.SessionTimeout); err != nil {
		return err
	}
	if cfg.StoreAPIURL != "" {
		token := resolveCredential(ctx, vault, "store_api_token", "STORE_API_TOKEN")
		syncer := catalog.NewSyncer(catalogStore, cfg.StoreAPIURL, token)
		if err := scheduler.RegisterCatalogSync(cfg.CatalogCron, syncer); err != nil {
			return err
		}
		if n, err := syncer.Sync(ctx); err != nil {
			log.Warn().Err(err).Msg("initial catalog sync failed")
		} else {
			log.Info().Int("products", n).Msg("initial catalog sync")
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	apiKeys := parseAPIKeys(os.Getenv("TIENDA21_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("TIENDA21_API_KEYS not set — operator endpoints will return 401")
	}

	srv := server.NewServer(webhooks, sessionStore, dispatcher.Providers(), apiKeys,
		server.WithCatalog(catalogStore),
		server.WithVersion(resolvedVersion()),
	)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", cfg.ListenAddr).
		Strs("providers", dispatcher.Providers()).
		Int("cron_entries", scheduler.Entries()).
		Msg("tienda21_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
