package store

import (
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB and *sql.Tx. The upsert helpers take
// it so the pipeline writer can apply them inside its batch transaction.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// InsertMarket upserts a market. Markets are created once per distinct
// (country, postal_code) and ignored on conflict.
func InsertMarket(e Execer, m *Market) (bool, error) {
	res, err := e.Exec(`
		INSERT INTO markets (country, postal_code, city, state, timezone)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(country, postal_code) DO NOTHING
	`, m.Country, m.PostalCode, nullable(m.City), nullable(m.State), nullable(m.Timezone))
	if err != nil {
		return false, fmt.Errorf("failed to insert market %s/%s: %w", m.Country, m.PostalCode, err)
	}
	return rowsChanged(res), nil
}

// InsertLineupMarket maps a lineup to a market. First-write-wins unless
// force, which replaces the row.
func InsertLineupMarket(e Execer, lm *LineupMarket, force bool) (bool, error) {
	var res sql.Result
	var err error
	if force {
		res, err = e.Exec(`
			INSERT INTO lineup_markets (lineup_id, country, postal_code)
			VALUES (?, ?, ?)
			ON CONFLICT(lineup_id, country, postal_code) DO UPDATE SET
				created_at = CURRENT_TIMESTAMP
		`, lm.LineupID, lm.Country, lm.PostalCode)
	} else {
		res, err = e.Exec(`
			INSERT INTO lineup_markets (lineup_id, country, postal_code)
			VALUES (?, ?, ?)
			ON CONFLICT(lineup_id, country, postal_code) DO NOTHING
		`, lm.LineupID, lm.Country, lm.PostalCode)
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert lineup-market %s -> %s/%s: %w",
			lm.LineupID, lm.Country, lm.PostalCode, err)
	}
	return rowsChanged(res), nil
}

// ClearMarketLineups deletes a market's lineup mappings so a force
// refresh cannot leave stale joins behind
func ClearMarketLineups(e Execer, country, postalCode string) (int64, error) {
	res, err := e.Exec(`
		DELETE FROM lineup_markets
		WHERE country = ? AND postal_code = ?
	`, country, postalCode)
	if err != nil {
		return 0, fmt.Errorf("failed to clear lineups for %s/%s: %w", country, postalCode, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ProcessedMarkets returns every "COUNTRY/postal" key with at least one
// lineup mapping, used to re-sync the checkpoint with the store
func (s *Store) ProcessedMarkets() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT DISTINCT country, postal_code FROM lineup_markets")
	if err != nil {
		return nil, fmt.Errorf("failed to query processed markets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var country, postal string
		if err := rows.Scan(&country, &postal); err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		out[country+"/"+postal] = true
	}

	return out, rows.Err()
}

// nullable maps empty strings to NULL so optional columns stay NULL
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rowsChanged(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
