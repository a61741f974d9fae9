package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
)

// ErrPolicyNotFound is returned when deleting a policy that does not exist.
var ErrPolicyNotFound = errors.New("version policy not found")

// Policy maps every client version at or above MinVersion, up to the next
// policy, to a feature set.
type Policy struct {
	MinVersion protocol.ClientVersion `json:"min_version"`
	Features   session.Features       `json:"features"`
	Note       string                 `json:"note,omitempty"`
}

// defaultPolicies seed an empty table.
var defaultPolicies = []Policy{
	{MinVersion: protocol.ClientVersion{}, Features: session.None, Note: "pre-encryption clients"},
	{MinVersion: protocol.ClientVersion{Major: 1, Minor: 26}, Features: session.FeatureEncryption, Note: "login encryption"},
	{MinVersion: protocol.ClientVersion{Major: 7, Revision: 9}, Features: session.FeatureEncryption | session.FeatureCompression, Note: "compressed login stream"},
}

// PolicyStore resolves negotiated features from the version_policies table.
// Rules are cached in memory; lookups never touch the database.
type PolicyStore struct {
	db *Database

	mu    sync.RWMutex
	rules []Policy // ascending by MinVersion
}

// NewPolicyStore loads the policy table, seeding defaults when it is empty.
func NewPolicyStore(ctx context.Context, database *Database) (*PolicyStore, error) {
	ps := &PolicyStore{db: database}

	var count int
	if err := database.QueryRow(ctx, "SELECT COUNT(*) FROM version_policies").Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count version policies: %w", err)
	}
	if count == 0 {
		if err := ps.seedDefaults(); err != nil {
			return nil, fmt.Errorf("failed to seed version policies: %w", err)
		}
	}

	if err := ps.Reload(ctx); err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *PolicyStore) seedDefaults() error {
	return ps.db.Transaction(func(tx *sql.Tx) error {
		for _, p := range defaultPolicies {
			v := p.MinVersion
			_, err := tx.Exec(
				"INSERT OR IGNORE INTO version_policies (major, minor, revision, patch, features, note) VALUES (?, ?, ?, ?, ?, ?)",
				v.Major, v.Minor, v.Revision, v.Patch, p.Features.String(), p.Note)
			if err != nil {
				return err
			}
		}
		log.Info().Int("policies", len(defaultPolicies)).Msg("seeded default version policies")
		return nil
	})
}

// Reload refreshes the cache from the database.
func (ps *PolicyStore) Reload(ctx context.Context) error {
	rows, err := ps.db.Query(ctx, "SELECT major, minor, revision, patch, features, note FROM version_policies")
	if err != nil {
		return fmt.Errorf("failed to load version policies: %w", err)
	}
	defer rows.Close()

	var rules []Policy
	for rows.Next() {
		var (
			p        Policy
			features string
		)
		if err := rows.Scan(&p.MinVersion.Major, &p.MinVersion.Minor, &p.MinVersion.Revision, &p.MinVersion.Patch, &features, &p.Note); err != nil {
			return fmt.Errorf("failed to scan version policy: %w", err)
		}
		p.Features, err = session.ParseFeatures(strings.Split(features, "+"))
		if err != nil {
			log.Warn().Err(err).Str("version", p.MinVersion.String()).Msg("ignoring version policy with bad features")
			continue
		}
		rules = append(rules, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read version policies: %w", err)
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].MinVersion.Compare(rules[j].MinVersion) < 0
	})

	ps.mu.Lock()
	ps.rules = rules
	ps.mu.Unlock()
	return nil
}

// FeaturesFor returns the features of the highest policy whose MinVersion is
// at or below version. A version below every policy gets no features.
func (ps *PolicyStore) FeaturesFor(_ context.Context, version protocol.ClientVersion) (session.Features, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	i := sort.Search(len(ps.rules), func(i int) bool {
		return ps.rules[i].MinVersion.Compare(version) > 0
	})
	if i == 0 {
		return session.None, nil
	}
	return ps.rules[i-1].Features, nil
}

// List returns the cached policies in ascending version order.
func (ps *PolicyStore) List() []Policy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return append([]Policy(nil), ps.rules...)
}

// Set inserts or replaces the policy starting at p.MinVersion.
func (ps *PolicyStore) Set(ctx context.Context, p Policy) error {
	v := p.MinVersion
	_, err := ps.db.Exec(`
		INSERT INTO version_policies (major, minor, revision, patch, features, note)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (major, minor, revision, patch)
		DO UPDATE SET features = excluded.features, note = excluded.note, updated_at = CURRENT_TIMESTAMP
	`, v.Major, v.Minor, v.Revision, v.Patch, p.Features.String(), p.Note)
	if err != nil {
		return fmt.Errorf("failed to store version policy %s: %w", v, err)
	}

	log.Info().Str("version", v.String()).Str("features", p.Features.String()).Msg("version policy updated")
	return ps.Reload(ctx)
}

// Delete removes the policy starting at version.
func (ps *PolicyStore) Delete(ctx context.Context, version protocol.ClientVersion) error {
	res, err := ps.db.Exec(
		"DELETE FROM version_policies WHERE major = ? AND minor = ? AND revision = ? AND patch = ?",
		version.Major, version.Minor, version.Revision, version.Patch)
	if err != nil {
		return fmt.Errorf("failed to delete version policy %s: %w", version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, version)
	}
	return ps.Reload(ctx)
}
