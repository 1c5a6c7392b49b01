package store

import (
	"database/sql"
	"fmt"
)

// InsertLineup upserts a lineup. Default behavior is first-write-wins
// (ignore on conflict); force-refresh overwrites every field.
func InsertLineup(e Execer, l *Lineup, force bool) (bool, error) {
	var res sql.Result
	var err error
	if force {
		res, err = e.Exec(`
			INSERT INTO lineups (lineup_id, name, location, type, device, mso_id, mso_name)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(lineup_id) DO UPDATE SET
				name = excluded.name,
				location = excluded.location,
				type = excluded.type,
				device = excluded.device,
				mso_id = excluded.mso_id,
				mso_name = excluded.mso_name,
				updated_at = CURRENT_TIMESTAMP
		`, l.LineupID, nullable(l.Name), nullable(l.Location), nullable(l.Type),
			nullable(l.Device), nullable(l.MSOID), nullable(l.MSOName))
	} else {
		res, err = e.Exec(`
			INSERT INTO lineups (lineup_id, name, location, type, device, mso_id, mso_name)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(lineup_id) DO NOTHING
		`, l.LineupID, nullable(l.Name), nullable(l.Location), nullable(l.Type),
			nullable(l.Device), nullable(l.MSOID), nullable(l.MSOName))
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert lineup %s: %w", l.LineupID, err)
	}
	return rowsChanged(res), nil
}

// GetLineup retrieves a lineup by id, nil when absent
func (s *Store) GetLineup(lineupID string) (*Lineup, error) {
	l := &Lineup{}
	err := s.db.QueryRow(`
		SELECT lineup_id, COALESCE(name, ''), COALESCE(location, ''),
		       COALESCE(type, ''), COALESCE(device, ''),
		       COALESCE(mso_id, ''), COALESCE(mso_name, '')
		FROM lineups WHERE lineup_id = ?
	`, lineupID).Scan(
		&l.LineupID, &l.Name, &l.Location, &l.Type, &l.Device, &l.MSOID, &l.MSOName,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lineup: %w", err)
	}

	return l, nil
}

// MarketLineupIDs returns the lineup ids mapped to a market, for
// verifying force-refresh replacement
func (s *Store) MarketLineupIDs(country, postalCode string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT lineup_id FROM lineup_markets
		WHERE country = ? AND postal_code = ?
		ORDER BY lineup_id
	`, country, postalCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query market lineups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan lineup id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
