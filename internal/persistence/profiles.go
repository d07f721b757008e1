package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/basket/rulesymbiosis/internal/rules"
)

// StoredProfile is an evolved profile plus the run that produced it.
type StoredProfile struct {
	rules.Profile
	RunID   string    `json:"run_id"`
	SavedAt time.Time `json:"saved_at"`
}

// SaveProfiles upserts profiles by content id. A later save of the same rule
// set replaces the earlier row.
func (s *Store) SaveProfiles(ctx context.Context, runID string, profiles []rules.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	type encoded struct {
		p                          rules.Profile
		ruleJSON, parents, mutates string
	}
	rows := make([]encoded, 0, len(profiles))
	for _, p := range profiles {
		r, err := json.Marshal(p.Rules)
		if err != nil {
			return invalidRecord(err)
		}
		parents := p.Parents
		if parents == nil {
			parents = []string{}
		}
		pa, err := json.Marshal(parents)
		if err != nil {
			return invalidRecord(err)
		}
		mutations := p.Mutations
		if mutations == nil {
			mutations = []rules.MutationRecord{}
		}
		mu, err := json.Marshal(mutations)
		if err != nil {
			return invalidRecord(err)
		}
		rows = append(rows, encoded{p: p, ruleJSON: string(r), parents: string(pa), mutates: string(mu)})
	}

	savedAt := nowNano()
	return s.withTx(ctx, "save profiles", func(tx *sql.Tx) error {
		for _, row := range rows {
			id := row.p.ID
			if id == "" {
				id = rules.ProfileID(row.p.Rules)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO evolved_profiles (profile_id, run_id, rules, fitness, generation, parents, mutations, saved_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(profile_id) DO UPDATE SET
					run_id = excluded.run_id,
					rules = excluded.rules,
					fitness = excluded.fitness,
					generation = excluded.generation,
					parents = excluded.parents,
					mutations = excluded.mutations,
					saved_at = excluded.saved_at;
			`, id, runID, row.ruleJSON, row.p.Fitness, row.p.Generation, row.parents, row.mutates, savedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// TopProfiles returns profiles with fitness above minFitness, best first.
// limit <= 0 means no limit.
func (s *Store) TopProfiles(ctx context.Context, minFitness float64, limit int) ([]StoredProfile, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, run_id, rules, fitness, generation, parents, mutations, saved_at
		FROM evolved_profiles
		WHERE fitness > ?
		ORDER BY fitness DESC, profile_id ASC
		LIMIT ?;
	`, minFitness, limit)
	if err != nil {
		return nil, &StorageError{Op: "top profiles", Err: err}
	}
	defer rows.Close()

	var out []StoredProfile
	for rows.Next() {
		var (
			sp                         StoredProfile
			ruleJSON, parents, mutates string
			savedAt                    int64
		)
		if err := rows.Scan(&sp.ID, &sp.RunID, &ruleJSON, &sp.Fitness, &sp.Generation, &parents, &mutates, &savedAt); err != nil {
			return nil, &StorageError{Op: "scan profile", Err: err}
		}
		if err := json.Unmarshal([]byte(ruleJSON), &sp.Rules); err != nil {
			return nil, &StorageError{Op: "decode profile rules", Err: err}
		}
		if err := json.Unmarshal([]byte(parents), &sp.Parents); err != nil {
			return nil, &StorageError{Op: "decode profile parents", Err: err}
		}
		if err := json.Unmarshal([]byte(mutates), &sp.Mutations); err != nil {
			return nil, &StorageError{Op: "decode profile mutations", Err: err}
		}
		sp.SavedAt = time.Unix(0, savedAt).UTC()
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "top profiles", Err: err}
	}
	return out, nil
}
