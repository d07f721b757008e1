// Package export renders ranked evolved profiles and discovered patterns for
// the configuration-generation layer.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/rulesymbiosis/internal/fitness"
	"github.com/basket/rulesymbiosis/internal/rules"
)

// ProfileView is the exported shape of one evolved profile.
type ProfileView struct {
	Rank       int      `json:"rank" yaml:"rank"`
	ID         string   `json:"profile_id" yaml:"profile_id"`
	Rules      []string `json:"rules" yaml:"rules"`
	Fitness    float64  `json:"fitness" yaml:"fitness"`
	Generation int      `json:"generation" yaml:"generation"`
	Parents    []string `json:"parents,omitempty" yaml:"parents,omitempty"`
	Mutations  int      `json:"mutations" yaml:"mutations"`
	// Metrics is the fitness breakdown against current telemetry; nil until
	// AttachMetrics runs.
	Metrics *fitness.Score `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Scorer explains the fitness of one profile.
type Scorer interface {
	Breakdown(ctx context.Context, p rules.Profile) (fitness.Score, error)
}

type Document struct {
	GeneratedAt       time.Time                 `json:"generated_at" yaml:"generated_at"`
	RunID             string                    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	ConfigFingerprint string                    `json:"config_fingerprint,omitempty" yaml:"config_fingerprint,omitempty"`
	Profiles          []ProfileView             `json:"profiles" yaml:"profiles"`
	Patterns          []rules.DiscoveredPattern `json:"patterns" yaml:"patterns"`
}

// Build ranks profiles in the order given, keeping the first occurrence of
// each id. limit <= 0 keeps all.
func Build(profiles []rules.Profile, patterns []rules.DiscoveredPattern, limit int) Document {
	doc := Document{
		GeneratedAt: time.Now().UTC(),
		Profiles:    []ProfileView{},
		Patterns:    patterns,
	}
	if doc.Patterns == nil {
		doc.Patterns = []rules.DiscoveredPattern{}
	}
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if limit > 0 && len(doc.Profiles) == limit {
			break
		}
		id := p.ID
		if id == "" {
			id = rules.ProfileID(p.Rules)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		doc.Profiles = append(doc.Profiles, ProfileView{
			Rank:       len(doc.Profiles) + 1,
			ID:         id,
			Rules:      append([]string(nil), p.Rules...),
			Fitness:    p.Fitness,
			Generation: p.Generation,
			Parents:    append([]string(nil), p.Parents...),
			Mutations:  len(p.Mutations),
		})
	}
	return doc
}

// AttachMetrics fills every profile's Metrics from sc. The recorded Fitness is
// left as evolved; Metrics reflects the telemetry at export time.
func AttachMetrics(ctx context.Context, doc *Document, sc Scorer) error {
	for i := range doc.Profiles {
		v := &doc.Profiles[i]
		score, err := sc.Breakdown(ctx, rules.Profile{ID: v.ID, Rules: v.Rules})
		if err != nil {
			return fmt.Errorf("export metrics for %s: %w", v.ID, err)
		}
		v.Metrics = &score
	}
	return nil
}

func WriteYAML(w io.Writer, doc Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func WriteJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// WriteFile picks JSON for a .json extension and YAML otherwise, and replaces
// path atomically.
func WriteFile(path string, doc Document) error {
	var buf bytes.Buffer
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = WriteJSON(&buf, doc)
	} else {
		err = WriteYAML(&buf, doc)
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("export: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return fmt.Errorf("export: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("export: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("export: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("export: rename: %w", err)
	}
	return nil
}

// ReadFile loads a document written by WriteFile.
func ReadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return Document{}, fmt.Errorf("decode export %s: %w", path, err)
	}
	return doc, nil
}
