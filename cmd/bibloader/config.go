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

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the layout of the --config file. Command line flags take
// precedence over values read from the file.
type fileConfig struct {
	Elasticsearch elasticsearchConfig `yaml:"elasticsearch"`
	OAIPMH        oaipmhConfig        `yaml:"oaipmh"`
	Harvest       harvestConfig       `yaml:"harvest"`
	Bib           bibConfig           `yaml:"bib"`
}

type elasticsearchConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	BatchSize        int           `yaml:"batch_size"`
	CompressionLevel int           `yaml:"compression_level"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
	Match            bool          `yaml:"match"`
	MatchMaxHits     int           `yaml:"match_max_hits"`
}

type oaipmhConfig struct {
	BaseURL        string        `yaml:"base_url"`
	MetadataPrefix string        `yaml:"metadata_prefix"`
	Set            string        `yaml:"set"`
	Timeout        time.Duration `yaml:"timeout"`
}

type harvestConfig struct {
	From        string `yaml:"from"`
	Until       string `yaml:"until"`
	DeltaMonths int    `yaml:"delta_months"`
}

type bibConfig struct {
	URLPrefix  string `yaml:"url_prefix"`
	Creator    string `yaml:"creator"`
	Collection string `yaml:"collection"`
}

func defaultConfig() fileConfig {
	return fileConfig{
		Elasticsearch: elasticsearchConfig{
			Endpoint:  "http://localhost:9200/records/",
			BatchSize: 1000,
		},
		OAIPMH: oaipmhConfig{
			MetadataPrefix: "oai_dc",
			Timeout:        5 * time.Minute,
		},
		Harvest: harvestConfig{DeltaMonths: 1},
	}
}

// loadConfig returns the defaults overlaid with the file at path, if any.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(c *cli.Context, cfg *fileConfig) {
	strs := map[string]*string{
		"endpoint":        &cfg.Elasticsearch.Endpoint,
		"base-url":        &cfg.OAIPMH.BaseURL,
		"metadata-prefix": &cfg.OAIPMH.MetadataPrefix,
		"set":             &cfg.OAIPMH.Set,
		"from":            &cfg.Harvest.From,
		"until":           &cfg.Harvest.Until,
		"url-prefix":      &cfg.Bib.URLPrefix,
		"creator":         &cfg.Bib.Creator,
		"collection":      &cfg.Bib.Collection,
	}
	for name, v := range strs {
		if c.IsSet(name) {
			*v = c.String(name)
		}
	}
	ints := map[string]*int{
		"batch-size":        &cfg.Elasticsearch.BatchSize,
		"compression-level": &cfg.Elasticsearch.CompressionLevel,
		"match-max-hits":    &cfg.Elasticsearch.MatchMaxHits,
		"delta-months":      &cfg.Harvest.DeltaMonths,
	}
	for name, v := range ints {
		if c.IsSet(name) {
			*v = c.Int(name)
		}
	}
	if c.IsSet("flush-timeout") {
		cfg.Elasticsearch.FlushTimeout = c.Duration("flush-timeout")
	}
	if c.IsSet("oai-timeout") {
		cfg.OAIPMH.Timeout = c.Duration("oai-timeout")
	}
	if c.IsSet("match") {
		cfg.Elasticsearch.Match = c.Bool("match")
	}
}

// window parses the harvest range.
func (cfg harvestConfig) window() (from, until time.Time, err error) {
	if cfg.From == "" || cfg.Until == "" {
		return from, until, errors.New("both from and until must be set")
	}
	if from, err = time.Parse(time.DateOnly, strings.TrimSpace(cfg.From)); err != nil {
		return from, until, fmt.Errorf("invalid from date: %w", err)
	}
	if until, err = time.Parse(time.DateOnly, strings.TrimSpace(cfg.Until)); err != nil {
		return from, until, fmt.Errorf("invalid until date: %w", err)
	}
	return from, until, nil
}
