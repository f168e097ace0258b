// Copyright 2026 The OpenCitations Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command bibloader harvests bibliographic records from OAI-PMH repositories
// and bulk loads them into Elasticsearch.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opencitations/go-bibloader"
	"github.com/opencitations/go-bibloader/citation"
	"github.com/opencitations/go-bibloader/harvest"
	"github.com/opencitations/go-bibloader/oaipmh"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "bibloader",
		Usage: "Harvest bibliographic records into Elasticsearch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.BoolFlag{
				Name:  "apm",
				Usage: "Trace bulk requests with the Elastic APM agent, configured by ELASTIC_APM_* variables",
			},
		},
		Before: setupLogger,
		After: func(c *cli.Context) error {
			_ = zap.L().Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "harvest",
				Usage:  "Harvest records modified in a date range and load them",
				Action: harvestCommand,
				Flags: append(oaipmhFlags(),
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to a YAML config file",
					},
					&cli.StringFlag{
						Name:  "endpoint",
						Usage: "Elasticsearch index URL, bulk requests are sent to its _bulk endpoint",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of records to send in each bulk request",
					},
					&cli.IntFlag{
						Name:  "compression-level",
						Usage: "Gzip compression level of bulk requests (-1 to 9, 0 disables compression)",
					},
					&cli.DurationFlag{
						Name:  "flush-timeout",
						Usage: "Timeout of each bulk request, zero for none",
					},
					&cli.BoolFlag{
						Name:  "match",
						Usage: "Link the records of every loaded batch to the records they cite",
					},
					&cli.IntFlag{
						Name:  "match-max-hits",
						Usage: "Maximum number of documents each citation search returns",
					},
					&cli.StringFlag{
						Name:  "from",
						Usage: "Start of the harvested range (YYYY-MM-DD)",
					},
					&cli.StringFlag{
						Name:  "until",
						Usage: "End of the harvested range (YYYY-MM-DD)",
					},
					&cli.IntFlag{
						Name:  "delta-months",
						Usage: "Months per harvest window, negative to walk backwards",
					},
					&cli.StringFlag{
						Name:  "url-prefix",
						Usage: "Prefix of the url field of loaded records",
					},
					&cli.StringFlag{
						Name:  "creator",
						Usage: "Account the loaded records are created by",
					},
					&cli.StringFlag{
						Name:  "collection",
						Usage: "Collection the loaded records belong to",
					},
				),
			},
			{
				Name:   "identify",
				Usage:  "Describe an OAI-PMH repository and its metadata formats",
				Action: identifyCommand,
				Flags: append(oaipmhFlags(),
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to a YAML config file",
					},
				),
			},
		},
	}
}

func oaipmhFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "base-url",
			Usage: "OAI-PMH base URL of the repository",
		},
		&cli.StringFlag{
			Name:  "metadata-prefix",
			Usage: "Metadata format of harvested records",
		},
		&cli.StringFlag{
			Name:  "set",
			Usage: "Restrict the harvest to a set of the repository",
		},
		&cli.DurationFlag{
			Name:  "oai-timeout",
			Usage: "Timeout of each OAI-PMH request",
		},
	}
}

func setupLogger(c *cli.Context) error {
	level, err := zap.ParseAtomicLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func harvestCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applyFlags(c, &cfg)
	from, until, err := cfg.Harvest.window()
	if err != nil {
		return err
	}
	logger := zap.L()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := newOAIClient(ctx, cfg.OAIPMH, logger)
	if err != nil {
		return err
	}

	client, err := bibloader.NewClient(cfg.Elasticsearch.Endpoint)
	if err != nil {
		return err
	}
	batcherCfg := bibloader.Config{
		BatchSize:        cfg.Elasticsearch.BatchSize,
		Client:           client,
		CompressionLevel: cfg.Elasticsearch.CompressionLevel,
		FlushTimeout:     cfg.Elasticsearch.FlushTimeout,
		Logger:           logger.Named("batcher"),
	}
	if c.Bool("apm") {
		tracer := apm.DefaultTracer()
		defer tracer.Flush(nil)
		batcherCfg.Tracer = tracer
	}
	if cfg.Elasticsearch.Match {
		matcher, err := citation.New(citation.Config{
			Client:  client,
			MaxHits: cfg.Elasticsearch.MatchMaxHits,
			Logger:  logger.Named("citation"),
		})
		if err != nil {
			return err
		}
		batcherCfg.MatchEnabled = true
		batcherCfg.Matcher = matcher
	}
	batcher, err := bibloader.New(batcherCfg)
	if err != nil {
		return err
	}

	driver, err := harvest.NewDriver(source, batcher, harvest.Config{
		From:        from,
		Until:       until,
		DeltaMonths: cfg.Harvest.DeltaMonths,
		Bib: harvest.BibConfig{
			URLPrefix:  cfg.Bib.URLPrefix,
			Creator:    cfg.Bib.Creator,
			Collection: cfg.Bib.Collection,
		},
		Logger: logger.Named("harvest"),
	})
	if err != nil {
		return err
	}
	summary, err := driver.Run(ctx)
	stats := batcher.Stats()
	logger.Info("loader stopped",
		zap.Int("windows", summary.Windows),
		zap.Int("records", summary.Records),
		zap.Int64("indexed", stats.Indexed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("bulk_requests", stats.BulkRequests),
		zap.Int64("match_failed", stats.MatchFailed),
	)
	return err
}

func identifyCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applyFlags(c, &cfg)
	client, err := newOAIClient(c.Context, cfg.OAIPMH, zap.L())
	if err != nil {
		return err
	}
	identity, err := client.Identify(c.Context)
	if err != nil {
		return err
	}
	formats, err := client.ListMetadataFormats(c.Context)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(c.App.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		Repository oaipmh.Identity         `yaml:"repository"`
		Formats    []oaipmh.MetadataFormat `yaml:"metadata_formats"`
	}{identity, formats}); err != nil {
		return err
	}
	return enc.Close()
}

// newOAIClient returns a client using the repository's date granularity.
func newOAIClient(ctx context.Context, cfg oaipmhConfig, logger *zap.Logger) (*oaipmh.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	client, err := oaipmh.New(oaipmh.Config{
		BaseURL:        cfg.BaseURL,
		MetadataPrefix: cfg.MetadataPrefix,
		Set:            cfg.Set,
		HTTPClient:     &http.Client{Timeout: cfg.Timeout},
		Logger:         logger.Named("oaipmh"),
	})
	if err != nil {
		return nil, err
	}
	if err := client.UpdateGranularity(ctx); err != nil {
		return nil, fmt.Errorf("failed to identify repository: %w", err)
	}
	return client, nil
}
