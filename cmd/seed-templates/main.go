// Command seed-templates is the offline template-generation step: it upserts
// a JSON file of rendered templates into the store. Safe to run on every
// deploy; upserts are idempotent by name.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/willowcart/mailroom/internal/config"
	"github.com/willowcart/mailroom/internal/logger"
	"github.com/willowcart/mailroom/internal/storage"
)

type templateFile struct {
	Templates []templateDef `json:"templates"`
}

type templateDef struct {
	Name        string   `json:"name"`
	Subject     string   `json:"subject"`
	HTMLContent string   `json:"html_content"`
	TextContent string   `json:"text_content"`
	Variables   []string `json:"variables"`
}

func main() {
	var path string
	flag.StringVar(&path, "file", "config/templates.json", "path to the template definitions file")
	flag.Parse()

	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("failed to read template file")
	}

	var defs templateFile
	if err := json.Unmarshal(data, &defs); err != nil {
		log.Fatal().Err(err).Msg("failed to parse template file")
	}

	ctx := context.Background()

	db, err := storage.NewDB(ctx, cfg.Database.URL, cfg.Database.PoolMin, cfg.Database.PoolMax, cfg.Database.ConnectTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	queries := storage.New(db.Pool)

	for _, def := range defs.Templates {
		if def.Name == "" || def.Subject == "" {
			log.Fatal().Str("name", def.Name).Msg("template needs name and subject")
		}

		if _, err := queries.UpsertTemplate(ctx, storage.UpsertTemplateParams{
			Name:        def.Name,
			Subject:     def.Subject,
			HTMLContent: def.HTMLContent,
			TextContent: def.TextContent,
			Variables:   def.Variables,
		}); err != nil {
			log.Fatal().Err(err).Str("name", def.Name).Msg("failed to upsert template")
		}

		log.Info().Str("name", def.Name).Msg("template upserted")
	}

	log.Info().Int("count", len(defs.Templates)).Msg("template seed complete")
}
