package output

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/hostprof/internal/duckdb"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/stack"
)

// DuckDBConfig configures DuckDBSink.
type DuckDBConfig struct {
	// DSN is the database file. Empty opens an in-memory database.
	DSN string
	// Retention drops samples older than this relative to the newest profile. Zero keeps everything.
	Retention time.Duration
	Logger    zerolog.Logger
}

// DuckDBSink stores every cycle's stacks with integer-encoded frames.
type DuckDBSink struct {
	db        *sql.DB
	retention time.Duration
	logger    zerolog.Logger

	mu sync.RWMutex
	// Frame dictionary cache, both directions.
	frameIDs    map[string]int64
	frameNames  map[int64]string
	nextFrameID int64
}

var _ Sink = (*DuckDBSink)(nil)

// NewDuckDBSink opens the database and creates the schema.
func NewDuckDBSink(cfg DuckDBConfig) (*DuckDBSink, error) {
	db, err := duckdb.OpenDB(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	s := &DuckDBSink{
		db:          db,
		retention:   cfg.Retention,
		logger:      cfg.Logger.With().Str("component", "output").Str("sink", "duckdb").Logger(),
		frameIDs:    map[string]int64{},
		frameNames:  map[int64]string{},
		nextFrameID: 1,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadFrameDictionary(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DuckDBSink) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS frame_dictionary (
			frame_id   INTEGER PRIMARY KEY,
			frame_name TEXT UNIQUE NOT NULL
		);

		CREATE TABLE IF NOT EXISTS profile_samples (
			timestamp       TIMESTAMP NOT NULL,
			hostname        TEXT      NOT NULL,
			cycle_id        TEXT      NOT NULL,
			stack_hash      TEXT      NOT NULL,
			stack_frame_ids INTEGER[] NOT NULL,
			sample_count    BIGINT    NOT NULL,
			PRIMARY KEY (timestamp, hostname, stack_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_profile_samples_timestamp ON profile_samples (timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *DuckDBSink) loadFrameDictionary() error {
	rows, err := s.db.Query("SELECT frame_id, frame_name FROM frame_dictionary")
	if err != nil {
		return fmt.Errorf("querying frame dictionary: %w", err)
	}
	defer errors.DeferClose(s.logger, rows, "Failed to close frame dictionary rows")

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("scanning frame dictionary row: %w", err)
		}
		s.frameIDs[name] = id
		s.frameNames[id] = name
		if id >= s.nextFrameID {
			s.nextFrameID = id + 1
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating frame dictionary: %w", err)
	}
	s.logger.Debug().Int("frame_count", len(s.frameIDs)).Msg("Loaded frame dictionary")
	return nil
}

// Name returns "duckdb".
func (s *DuckDBSink) Name() string { return "duckdb" }

// StackHash is the row key of a collapsed stack.
func StackHash(key string) string {
	return strconv.FormatUint(xxh3.HashString(key), 16)
}

// Write stores p.Collapsed in one transaction, then applies retention.
func (s *DuckDBSink) Write(ctx context.Context, p Profile) error {
	if len(p.Collapsed) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer errors.DeferRollback(s.logger, tx)

	added := map[string]int64{}
	next := s.nextFrameID
	encode := func(name string) (int64, error) {
		if id, ok := s.frameIDs[name]; ok {
			return id, nil
		}
		if id, ok := added[name]; ok {
			return id, nil
		}
		id := next
		if _, err := tx.ExecContext(ctx, "INSERT INTO frame_dictionary (frame_id, frame_name) VALUES (?, ?)", id, name); err != nil {
			return 0, fmt.Errorf("inserting frame %q: %w", name, err)
		}
		next++
		added[name] = id
		return id, nil
	}

	ts := p.End.UTC()
	for _, key := range p.Collapsed.Keys() {
		frames := strings.Split(key, stack.Separator)
		ids := make([]int64, len(frames))
		for i, frame := range frames {
			if ids[i], err = encode(frame); err != nil {
				return err
			}
		}
		// #nosec G202 - the list literal is rendered from integers.
		query := `
			INSERT INTO profile_samples (timestamp, hostname, cycle_id, stack_hash, stack_frame_ids, sample_count)
			VALUES (?, ?, ?, ?, ` + duckdb.Int64ListLiteral(ids) + `, ?)
			ON CONFLICT (timestamp, hostname, stack_hash)
			DO UPDATE SET sample_count = profile_samples.sample_count + EXCLUDED.sample_count
		`
		count := p.Collapsed[key]
		if _, err := tx.ExecContext(ctx, query, ts, p.Hostname, p.Header.CycleID, StackHash(key), int64(count)); err != nil {
			return fmt.Errorf("storing stack: %w", err)
		}
	}

	if s.retention > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM profile_samples WHERE timestamp < ?", ts.Add(-s.retention)); err != nil {
			return fmt.Errorf("applying retention: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing profile: %w", err)
	}

	for name, id := range added {
		s.frameIDs[name] = id
		s.frameNames[id] = name
	}
	s.nextFrameID = next
	s.logger.Debug().
		Int("stacks", len(p.Collapsed)).
		Int("new_frames", len(added)).
		Msg("Stored profile")
	return nil
}

// Query sums the stored stacks between start and end. A zero bound is open and an empty
// hostname matches every host.
func (s *DuckDBSink) Query(ctx context.Context, start, end time.Time, hostname string) (stack.Collapsed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !start.IsZero() {
		start = start.UTC()
	}
	if !end.IsZero() {
		end = end.UTC()
	}
	query, args, err := duckdb.NewQueryBuilder("profile_samples").
		Select("stack_hash", "ANY_VALUE(stack_frame_ids)", "CAST(SUM(sample_count) AS BIGINT)").
		TimeRange(start, end).
		Eq("hostname", hostname).
		GroupBy("stack_hash").
		Build()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer errors.DeferClose(s.logger, rows, "Failed to close sample rows")

	out := stack.Collapsed{}
	for rows.Next() {
		var hash string
		var list any
		var count int64
		if err := rows.Scan(&hash, &list, &count); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		ids, err := duckdb.Int64s(list)
		if err != nil {
			return nil, err
		}
		names, err := s.decode(ids)
		if err != nil {
			s.logger.Warn().Err(err).Str("stack_hash", hash).Msg("Skipping undecodable stack")
			continue
		}
		out.Add(stack.Join(names...), uint64(max(count, 0)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}
	return out, nil
}

func (s *DuckDBSink) decode(ids []int64) ([]string, error) {
	names := make([]string, len(ids))
	for i, id := range ids {
		name, ok := s.frameNames[id]
		if !ok {
			return nil, fmt.Errorf("unknown frame id %d", id)
		}
		names[i] = name
	}
	return names, nil
}

// Close closes the database.
func (s *DuckDBSink) Close() error {
	return s.db.Close()
}
