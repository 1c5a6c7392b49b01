package store

// Schema v1 - Initial database schema
const schemaV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Markets: geographic service areas
CREATE TABLE IF NOT EXISTS markets (
  country TEXT NOT NULL,
  postal_code TEXT NOT NULL,
  city TEXT,
  state TEXT,
  timezone TEXT,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (country, postal_code)
);

-- Lineups: provider channel bundles
CREATE TABLE IF NOT EXISTS lineups (
  lineup_id TEXT PRIMARY KEY,
  name TEXT,
  location TEXT,
  type TEXT,
  device TEXT,
  mso_id TEXT,
  mso_name TEXT,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Stations: broadcast channel entities
CREATE TABLE IF NOT EXISTS stations (
  station_id TEXT PRIMARY KEY,
  name TEXT,
  call_sign TEXT,
  type TEXT,
  bcast_langs TEXT,
  logo_uri TEXT,
  logo_width INTEGER,
  logo_height INTEGER,
  logo_category TEXT,
  logo_primary INTEGER DEFAULT 0,
  source TEXT NOT NULL DEFAULT 'base',
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Station-lineup relationships with channel attributes
CREATE TABLE IF NOT EXISTS station_lineups (
  station_id TEXT NOT NULL REFERENCES stations(station_id),
  lineup_id TEXT NOT NULL REFERENCES lineups(lineup_id),
  channel_number TEXT,
  affiliate_id TEXT,
  affiliate_call_sign TEXT,
  signal_type TEXT,
  video_type TEXT,
  tru_resolution TEXT,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (station_id, lineup_id)
);

-- Lineup-market relationships
CREATE TABLE IF NOT EXISTS lineup_markets (
  lineup_id TEXT NOT NULL REFERENCES lineups(lineup_id),
  country TEXT NOT NULL,
  postal_code TEXT NOT NULL,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (lineup_id, country, postal_code)
);

-- Run metadata
CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Secondary indexes, applied after bulk load completes (CreateIndexes)
const indexSQL = `
CREATE INDEX IF NOT EXISTS idx_lineups_type ON lineups(type);
CREATE INDEX IF NOT EXISTS idx_markets_country ON markets(country);
CREATE INDEX IF NOT EXISTS idx_lineup_markets_market ON lineup_markets(country, postal_code);
CREATE INDEX IF NOT EXISTS idx_lineup_markets_lineup ON lineup_markets(lineup_id);
CREATE INDEX IF NOT EXISTS idx_lineup_markets_postal ON lineup_markets(postal_code);
CREATE INDEX IF NOT EXISTS idx_station_lineups_station ON station_lineups(station_id);
CREATE INDEX IF NOT EXISTS idx_station_lineups_lineup ON station_lineups(lineup_id);
CREATE INDEX IF NOT EXISTS idx_stations_name_lower ON stations(LOWER(name));
CREATE INDEX IF NOT EXISTS idx_stations_call_lower ON stations(LOWER(call_sign));
CREATE INDEX IF NOT EXISTS idx_stations_source ON stations(source);
`
