package workflowcmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lehigh-university-libraries/accessioner/internal/config"
	"github.com/lehigh-university-libraries/accessioner/internal/logging"
	"github.com/lehigh-university-libraries/accessioner/internal/models"
	"github.com/lehigh-university-libraries/accessioner/internal/pagexml"
	"github.com/lehigh-university-libraries/accessioner/internal/refine"
	"github.com/lehigh-university-libraries/accessioner/internal/transkribus"
	"github.com/lehigh-university-libraries/accessioner/internal/worldcat"
)

// setup loads configuration for cmd and installs the run's loggers.
// bindings maps config keys to the names of cmd's flags that override them.
// The returned function flushes and closes the log files.
func setup(cmd *cobra.Command, bindings map[string]string) (*config.Config, func(), error) {
	var cfgFile string
	if f := cmd.Flag("config"); f != nil {
		cfgFile = f.Value.String()
	}

	flags := make(map[string]*pflag.Flag, len(bindings))
	for key, name := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			flags[key] = f
		}
	}

	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if f := cmd.Flag("verbose"); f != nil && f.Value.String() == "true" {
		level = slog.LevelDebug
	}

	_, closeLogs, err := logging.Setup(logging.Options{
		Dir:     cfg.Logging.Dir,
		Level:   level,
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}

	return cfg, func() {
		if err := closeLogs(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to close log files: %v\n", err)
		}
	}, nil
}

func newWorldCatClient(cfg *config.Config) *worldcat.Client {
	return worldcat.NewClient(worldcat.Options{
		BaseURL:        cfg.WorldCat.BaseURL,
		TokenURL:       cfg.WorldCat.TokenURL,
		Key:            cfg.WorldCat.ClientKey,
		Secret:         cfg.WorldCat.ClientSecret,
		RequestTimeout: cfg.WorldCat.RequestTimeout,
		RateLimitRPS:   cfg.WorldCat.RateLimitRPS,
		MaxRetries:     cfg.WorldCat.MaxRetries,
		Limit:          cfg.WorldCat.Limit,
		ItemSubType:    cfg.WorldCat.ItemSubType,
	})
}

// newTranskribusClient returns a client already holding an access token
func newTranskribusClient(ctx context.Context, cfg *config.Config) (*transkribus.Client, transkribus.Token, error) {
	client := transkribus.NewClient(transkribus.Options{
		BaseURL:    cfg.Transkribus.BaseURL,
		AuthURL:    cfg.Transkribus.AuthURL,
		MaxRetries: 3,
	})
	token, err := client.Authenticate(ctx, cfg.Transkribus.Username, cfg.Transkribus.Password)
	if err != nil {
		return nil, token, err
	}
	return client, token, nil
}

// refineWorks runs LLM title refinement when a provider is configured
func refineWorks(ctx context.Context, cfg *config.Config, works map[models.WorkID]models.Work, pages map[string]pagexml.Page) (map[models.WorkID]models.Work, error) {
	if cfg.Refine.Provider == "" {
		return works, nil
	}

	provider, err := refine.NewProvider(cfg.Refine.Provider)
	if err != nil {
		return nil, err
	}
	model := cfg.Refine.Model
	if model == "" {
		model = refine.DefaultModel(cfg.Refine.Provider)
	}

	start := time.Now()
	refined, count := refine.New(provider, model).Apply(ctx, works, pagexml.Lines(pages))
	slog.Info("Refined low confidence title pages",
		"provider", cfg.Refine.Provider,
		"model", model,
		"refined", count,
		"elapsed", time.Since(start).Round(time.Millisecond).String())
	return refined, nil
}
