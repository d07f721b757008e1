package persistence

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/basket/rulesymbiosis/internal/rules"
)

// ReplacePatterns swaps the stored pattern set for a fresh analysis result in one transaction.
func (s *Store) ReplacePatterns(ctx context.Context, patterns []rules.DiscoveredPattern) error {
	at := nowNano()
	return s.withTx(ctx, "replace patterns", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM discovered_patterns;`); err != nil {
			return err
		}
		for _, p := range patterns {
			ruleJSON, err := json.Marshal(rules.Sorted(p.Rules))
			if err != nil {
				return invalidRecord(err)
			}
			tags := p.Tags
			if tags == nil {
				tags = []string{}
			}
			tagJSON, err := json.Marshal(tags)
			if err != nil {
				return invalidRecord(err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO discovered_patterns (combo_key, name, rules, avg_effect, std_dev, occurrences, tags, confidence, discovered_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, rules.ComboKey(p.Rules), p.Name, string(ruleJSON), p.AvgEffect, p.StdDev, p.Occurrences, string(tagJSON), p.Confidence, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPatterns returns the last analysis result ordered by confidence.
func (s *Store) ListPatterns(ctx context.Context) ([]rules.DiscoveredPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, rules, avg_effect, std_dev, occurrences, tags, confidence
		FROM discovered_patterns
		ORDER BY confidence DESC, combo_key ASC;
	`)
	if err != nil {
		return nil, &StorageError{Op: "list patterns", Err: err}
	}
	defer rows.Close()

	var out []rules.DiscoveredPattern
	for rows.Next() {
		var (
			p                 rules.DiscoveredPattern
			ruleJSON, tagJSON string
		)
		if err := rows.Scan(&p.Name, &ruleJSON, &p.AvgEffect, &p.StdDev, &p.Occurrences, &tagJSON, &p.Confidence); err != nil {
			return nil, &StorageError{Op: "scan pattern", Err: err}
		}
		if err := json.Unmarshal([]byte(ruleJSON), &p.Rules); err != nil {
			return nil, &StorageError{Op: "decode pattern rules", Err: err}
		}
		if err := json.Unmarshal([]byte(tagJSON), &p.Tags); err != nil {
			return nil, &StorageError{Op: "decode pattern tags", Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list patterns", Err: err}
	}
	return out, nil
}
