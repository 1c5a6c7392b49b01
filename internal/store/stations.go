package store

import (
	"database/sql"
	"fmt"
)

// InsertStation upserts a station. Rows are never deleted: non-force
// inserts are no-ops on conflict, force-refresh overwrites in place.
func InsertStation(e Execer, st *Station, force bool) (bool, error) {
	var res sql.Result
	var err error
	if force {
		res, err = e.Exec(`
			INSERT INTO stations
				(station_id, name, call_sign, type, bcast_langs,
				 logo_uri, logo_width, logo_height, logo_category, logo_primary, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(station_id) DO UPDATE SET
				name = excluded.name,
				call_sign = excluded.call_sign,
				type = excluded.type,
				bcast_langs = excluded.bcast_langs,
				logo_uri = excluded.logo_uri,
				logo_width = excluded.logo_width,
				logo_height = excluded.logo_height,
				logo_category = excluded.logo_category,
				logo_primary = excluded.logo_primary,
				source = excluded.source,
				updated_at = CURRENT_TIMESTAMP
		`, st.StationID, nullable(st.Name), nullable(st.CallSign), nullable(st.Type),
			nullable(st.BcastLangs), nullable(st.LogoURI), st.LogoWidth, st.LogoHeight,
			nullable(st.LogoCategory), st.LogoPrimary, st.Source)
	} else {
		res, err = e.Exec(`
			INSERT INTO stations
				(station_id, name, call_sign, type, bcast_langs,
				 logo_uri, logo_width, logo_height, logo_category, logo_primary, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(station_id) DO NOTHING
		`, st.StationID, nullable(st.Name), nullable(st.CallSign), nullable(st.Type),
			nullable(st.BcastLangs), nullable(st.LogoURI), st.LogoWidth, st.LogoHeight,
			nullable(st.LogoCategory), st.LogoPrimary, st.Source)
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert station %s: %w", st.StationID, err)
	}
	return rowsChanged(res), nil
}

// InsertStationLineup upserts a station-lineup relationship
func InsertStationLineup(e Execer, sl *StationLineup, force bool) (bool, error) {
	var res sql.Result
	var err error
	if force {
		res, err = e.Exec(`
			INSERT INTO station_lineups
				(station_id, lineup_id, channel_number, affiliate_id,
				 affiliate_call_sign, signal_type, video_type, tru_resolution)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(station_id, lineup_id) DO UPDATE SET
				channel_number = excluded.channel_number,
				affiliate_id = excluded.affiliate_id,
				affiliate_call_sign = excluded.affiliate_call_sign,
				signal_type = excluded.signal_type,
				video_type = excluded.video_type,
				tru_resolution = excluded.tru_resolution,
				updated_at = CURRENT_TIMESTAMP
		`, sl.StationID, sl.LineupID, nullable(sl.ChannelNumber), nullable(sl.AffiliateID),
			nullable(sl.AffiliateCallSign), nullable(sl.SignalType), nullable(sl.VideoType),
			nullable(sl.Resolution))
	} else {
		res, err = e.Exec(`
			INSERT INTO station_lineups
				(station_id, lineup_id, channel_number, affiliate_id,
				 affiliate_call_sign, signal_type, video_type, tru_resolution)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(station_id, lineup_id) DO NOTHING
		`, sl.StationID, sl.LineupID, nullable(sl.ChannelNumber), nullable(sl.AffiliateID),
			nullable(sl.AffiliateCallSign), nullable(sl.SignalType), nullable(sl.VideoType),
			nullable(sl.Resolution))
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert station-lineup %s/%s: %w",
			sl.StationID, sl.LineupID, err)
	}
	return rowsChanged(res), nil
}

// UpdateStationEnhancement applies detail-fetch data to an existing
// station and promotes it to source='enhanced'. The transition is
// monotonic: the row is only ever upgraded in place, never downgraded.
func UpdateStationEnhancement(e Execer, st *Station) (bool, error) {
	res, err := e.Exec(`
		UPDATE stations
		SET name = ?, type = ?, bcast_langs = ?,
		    logo_uri = ?, logo_width = ?, logo_height = ?,
		    logo_category = ?, logo_primary = ?,
		    source = 'enhanced', updated_at = CURRENT_TIMESTAMP
		WHERE station_id = ?
	`, nullable(st.Name), nullable(st.Type), nullable(st.BcastLangs),
		nullable(st.LogoURI), st.LogoWidth, st.LogoHeight,
		nullable(st.LogoCategory), st.LogoPrimary, st.StationID)
	if err != nil {
		return false, fmt.Errorf("failed to enhance station %s: %w", st.StationID, err)
	}
	return rowsChanged(res), nil
}

// StationsToEnhance returns the stations still at source='base',
// candidates for the enhancement phase
func (s *Store) StationsToEnhance() ([]StationRef, error) {
	rows, err := s.db.Query(`
		SELECT station_id, COALESCE(call_sign, '')
		FROM stations WHERE source = 'base'
		ORDER BY station_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations to enhance: %w", err)
	}
	defer rows.Close()

	var refs []StationRef
	for rows.Next() {
		var ref StationRef
		if err := rows.Scan(&ref.StationID, &ref.CallSign); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

// GetStation retrieves a station by id, nil when absent
func (s *Store) GetStation(stationID string) (*Station, error) {
	st := &Station{}
	err := s.db.QueryRow(`
		SELECT station_id, COALESCE(name, ''), COALESCE(call_sign, ''),
		       COALESCE(type, ''), COALESCE(bcast_langs, ''),
		       COALESCE(logo_uri, ''), COALESCE(logo_width, 0),
		       COALESCE(logo_height, 0), COALESCE(logo_category, ''),
		       COALESCE(logo_primary, 0), source
		FROM stations WHERE station_id = ?
	`, stationID).Scan(
		&st.StationID, &st.Name, &st.CallSign, &st.Type, &st.BcastLangs,
		&st.LogoURI, &st.LogoWidth, &st.LogoHeight, &st.LogoCategory,
		&st.LogoPrimary, &st.Source,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get station: %w", err)
	}

	return st, nil
}

// TableCounts returns row counts for the status report
func (s *Store) TableCounts() (map[string]int, error) {
	counts := make(map[string]int)
	for _, table := range []string{"markets", "lineups", "stations", "station_lineups", "lineup_markets"} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}

	return counts, nil
}

// CountStationsBySource counts stations at a given lifecycle stage
func (s *Store) CountStationsBySource(source string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM stations WHERE source = ?", source).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stations: %w", err)
	}
	return n, nil
}
