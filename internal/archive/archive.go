// Package archive stores wall profiles in DuckDB for later querying.
//
// Stacks are integer-encoded through a frame dictionary shared by every
// profile. Each profile contributes one row per distinct stack, keyed by its
// start time, profile id and stack hash.
package archive

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/wallprof/internal/duckdb"
	"github.com/coral-mesh/wallprof/internal/errors"
	"github.com/coral-mesh/wallprof/internal/retry"
	"github.com/coral-mesh/wallprof/internal/translate"
)

// Archive is a DuckDB-backed profile store.
type Archive struct {
	db     *sql.DB
	logger zerolog.Logger
	retry  retry.Config

	mu          sync.RWMutex
	frameIDs    map[string]int64
	nextFrameID int64
}

// ProfileMeta describes one stored profile.
type ProfileMeta struct {
	ID        string
	RunID     string
	Session   string
	ContextID uint64
	StartedAt time.Time
	Duration  time.Duration
	TotalHits int
	CPUTime   time.Duration
	NonJSCPU  time.Duration
	Stall     string
}

// Sample is one stored stack of a profile.
type Sample struct {
	Timestamp     time.Time
	ProfileID     string
	RunID         string
	StackHash     string
	StackFrameIDs []int64
	SampleCount   int
	CPUTime       time.Duration
}

// Filter selects samples. Empty fields match everything.
type Filter struct {
	RunID     string
	ProfileID string
	From      time.Time
	To        time.Time
	Limit     int
}

// New initializes the schema on db and loads the frame dictionary.
func New(db *sql.DB, logger zerolog.Logger) (*Archive, error) {
	a := &Archive{
		db:       db,
		logger:   logger.With().Str("component", "profile_archive").Logger(),
		frameIDs: make(map[string]int64),
		retry: retry.Config{
			MaxRetries:     5,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
			Jitter:         0.2,
		},
	}

	if err := a.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := a.loadFrameDictionary(); err != nil {
		return nil, fmt.Errorf("failed to load frame dictionary: %w", err)
	}
	return a, nil
}

// Open opens the database at path (in memory when empty) and initializes an
// archive on it.
func Open(path string, logger zerolog.Logger) (*Archive, error) {
	db, err := duckdb.Open(path)
	if err != nil {
		return nil, err
	}
	a, err := New(db, logger)
	if err != nil {
		errors.DeferClose(logger, db, "failed to close archive database")
		return nil, err
	}
	return a, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS wall_frame_dictionary (
			frame_id    BIGINT PRIMARY KEY,
			frame_name  TEXT UNIQUE NOT NULL,
			frame_count BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS wall_profiles (
			profile_id    TEXT PRIMARY KEY,
			run_id        TEXT      NOT NULL,
			session       TEXT      NOT NULL,
			context_id    UBIGINT   NOT NULL,
			started_at    TIMESTAMP NOT NULL,
			duration_ns   BIGINT    NOT NULL,
			total_hits    BIGINT    NOT NULL,
			cpu_ns        BIGINT    NOT NULL,
			non_js_cpu_ns BIGINT    NOT NULL,
			stall         TEXT      NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wall_profiles_run ON wall_profiles (run_id);

		CREATE TABLE IF NOT EXISTS wall_profile_samples (
			timestamp       TIMESTAMP NOT NULL,
			profile_id      TEXT      NOT NULL,
			run_id          TEXT      NOT NULL,
			stack_hash      TEXT      NOT NULL,
			stack_frame_ids BIGINT[]  NOT NULL,
			sample_count    INTEGER   NOT NULL,
			cpu_ns          BIGINT    NOT NULL,
			PRIMARY KEY (timestamp, profile_id, stack_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_wall_profile_samples_timestamp ON wall_profile_samples (timestamp);
		CREATE INDEX IF NOT EXISTS idx_wall_profile_samples_run ON wall_profile_samples (run_id);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (a *Archive) loadFrameDictionary() error {
	rows, err := a.db.Query("SELECT frame_id, frame_name FROM wall_frame_dictionary")
	if err != nil {
		return fmt.Errorf("failed to query frame dictionary: %w", err)
	}
	defer errors.DeferClose(a.logger, rows, "failed to close frame dictionary rows")

	maxID := int64(0)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("failed to scan frame dictionary row: %w", err)
		}
		a.frameIDs[name] = id
		maxID = max(maxID, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating frame dictionary: %w", err)
	}

	a.nextFrameID = maxID + 1
	a.logger.Debug().Int("frames", len(a.frameIDs)).Msg("Loaded frame dictionary")
	return nil
}

// FrameName is the dictionary key of a node: its function name qualified
// by its script position when it has one.
func FrameName(n *translate.Node) string {
	if n.ScriptName == "" {
		return n.Name
	}
	return fmt.Sprintf("%s (%s:%d:%d)", n.Name, n.ScriptName, n.Line, n.Column)
}

type stack struct {
	frames []string
	count  int
	cpu    time.Duration
}

// collectStacks folds the tree into root-first stacks with their hits.
func collectStacks(root *translate.Node) []*stack {
	index := make(map[string]*stack)
	var out []*stack
	var path []string
	var walk func(n *translate.Node)
	walk = func(n *translate.Node) {
		path = append(path, FrameName(n))
		if n.HitCount > 0 {
			key := strings.Join(path, "\x00")
			s, ok := index[key]
			if !ok {
				s = &stack{frames: append([]string(nil), path...)}
				index[key] = s
				out = append(out, s)
			}
			s.count += n.HitCount
			s.cpu += n.CPUTime
		}
		for _, c := range n.Children {
			walk(c)
		}
		path = path[:len(path)-1]
	}
	for _, c := range root.Children {
		walk(c)
	}
	return out
}

// StoreProfile writes p under meta and returns the profile id, generated
// when meta.ID is empty. Conflicting transactions are retried.
func (a *Archive) StoreProfile(ctx context.Context, meta ProfileMeta, p *translate.Profile) (string, error) {
	if p == nil || p.Root == nil {
		return "", fmt.Errorf("empty profile")
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	meta.Duration = p.Duration()
	meta.TotalHits = translate.TotalHitCount(p.Root)
	meta.CPUTime = translate.TotalCPUTime(p.Root)
	meta.NonJSCPU = p.NonJSThreadsCPUTime

	stacks := collectStacks(p.Root)

	a.mu.Lock()
	defer a.mu.Unlock()

	err := retry.Do(ctx, a.retry, func() error {
		return a.storeTx(ctx, meta, stacks)
	}, isConflict)
	if err != nil {
		return "", fmt.Errorf("failed to store profile %s: %w", meta.ID, err)
	}

	a.logger.Debug().
		Str("profile_id", meta.ID).
		Str("run_id", meta.RunID).
		Int("stacks", len(stacks)).
		Int("hits", meta.TotalHits).
		Msg("Stored wall profile")
	return meta.ID, nil
}

func isConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "database is locked")
}

func (a *Archive) storeTx(ctx context.Context, meta ProfileMeta, stacks []*stack) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer errors.DeferRollback(a.logger, tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wall_profiles (
			profile_id, run_id, session, context_id, started_at, duration_ns,
			total_hits, cpu_ns, non_js_cpu_ns, stall
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, meta.ID, meta.RunID, meta.Session, meta.ContextID, meta.StartedAt,
		meta.Duration.Nanoseconds(), meta.TotalHits, meta.CPUTime.Nanoseconds(),
		meta.NonJSCPU.Nanoseconds(), meta.Stall)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	// New frames join the cache only once the transaction commits.
	added := make(map[string]int64)
	next := a.nextFrameID
	for _, s := range stacks {
		ids := make([]int64, len(s.frames))
		for i, name := range s.frames {
			id, err := a.frameID(ctx, tx, name, added, &next)
			if err != nil {
				return err
			}
			ids[i] = id
		}

		// #nosec G202 - the list literal is built from integers.
		query := `
			INSERT INTO wall_profile_samples (
				timestamp, profile_id, run_id, stack_hash, stack_frame_ids, sample_count, cpu_ns
			) VALUES (?, ?, ?, ?, ` + duckdb.Int64ArrayToString(ids) + `, ?, ?)
			ON CONFLICT (timestamp, profile_id, stack_hash)
			DO UPDATE SET sample_count = wall_profile_samples.sample_count + EXCLUDED.sample_count,
				cpu_ns = wall_profile_samples.cpu_ns + EXCLUDED.cpu_ns
		`
		_, err := tx.ExecContext(ctx, query, meta.StartedAt, meta.ID, meta.RunID,
			StackHash(ids), s.count, s.cpu.Nanoseconds())
		if err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for name, id := range added {
		a.frameIDs[name] = id
	}
	a.nextFrameID = next
	return nil
}

func (a *Archive) frameID(ctx context.Context, tx *sql.Tx, name string, added map[string]int64, next *int64) (int64, error) {
	id, ok := a.frameIDs[name]
	if !ok {
		id, ok = added[name]
	}
	if ok {
		_, err := tx.ExecContext(ctx,
			`UPDATE wall_frame_dictionary SET frame_count = frame_count + 1 WHERE frame_id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("failed to count frame %d: %w", id, err)
		}
		return id, nil
	}

	id = *next
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wall_frame_dictionary (frame_id, frame_name, frame_count) VALUES (?, ?, 1)`, id, name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert frame %q: %w", name, err)
	}
	*next = id + 1
	added[name] = id
	return id, nil
}

// StackHash identifies an encoded stack.
func StackHash(frameIDs []int64) string {
	buf := make([]byte, 8*len(frameIDs))
	for i, id := range frameIDs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return fmt.Sprintf("%016x", xxh3.Hash(buf))
}

// QuerySamples returns the stored stacks matching f, oldest first.
func (a *Archive) QuerySamples(ctx context.Context, f Filter) ([]Sample, error) {
	query, args, err := duckdb.Select("wall_profile_samples",
		"timestamp", "profile_id", "run_id", "stack_hash", "stack_frame_ids", "sample_count", "cpu_ns").
		Between("timestamp", f.From, f.To).
		Eq("run_id", f.RunID).
		Eq("profile_id", f.ProfileID).
		OrderBy("timestamp", "-sample_count").
		Limit(f.Limit).
		Build()
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer errors.DeferClose(a.logger, rows, "failed to close sample rows")

	var samples []Sample
	for rows.Next() {
		var s Sample
		var frames any
		var cpu int64
		if err := rows.Scan(&s.Timestamp, &s.ProfileID, &s.RunID, &s.StackHash, &frames, &s.SampleCount, &cpu); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.StackFrameIDs, err = duckdb.ToInt64Slice(frames)
		if err != nil {
			a.logger.Warn().Err(err).Str("stack_hash", s.StackHash).Msg("Skipping sample with unreadable stack")
			continue
		}
		s.CPUTime = time.Duration(cpu)
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}
	return samples, nil
}

// Profiles lists the profiles of a run, or of every run when runID is
// empty, oldest first.
func (a *Archive) Profiles(ctx context.Context, runID string) ([]ProfileMeta, error) {
	query, args, err := duckdb.Select("wall_profiles",
		"profile_id", "run_id", "session", "context_id", "started_at", "duration_ns",
		"total_hits", "cpu_ns", "non_js_cpu_ns", "stall").
		Eq("run_id", runID).
		OrderBy("started_at").
		Build()
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer errors.DeferClose(a.logger, rows, "failed to close profile rows")

	var out []ProfileMeta
	for rows.Next() {
		var m ProfileMeta
		var duration, cpu, nonJS int64
		if err := rows.Scan(&m.ID, &m.RunID, &m.Session, &m.ContextID, &m.StartedAt, &duration,
			&m.TotalHits, &cpu, &nonJS, &m.Stall); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		m.Duration = time.Duration(duration)
		m.CPUTime = time.Duration(cpu)
		m.NonJSCPU = time.Duration(nonJS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return out, nil
}

// DecodeStackFrames converts frame ids back to frame names.
func (a *Archive) DecodeStackFrames(ctx context.Context, frameIDs []int64) ([]string, error) {
	if len(frameIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(frameIDs)), ",")
	args := make([]any, len(frameIDs))
	for i, id := range frameIDs {
		args[i] = id
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// #nosec G201 - placeholders is a generated "?,?,..." string.
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT frame_id, frame_name FROM wall_frame_dictionary WHERE frame_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame names: %w", err)
	}
	defer errors.DeferClose(a.logger, rows, "failed to close frame rows")

	names := make(map[int64]string, len(frameIDs))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frames: %w", err)
	}

	out := make([]string, len(frameIDs))
	for i, id := range frameIDs {
		if name, ok := names[id]; ok {
			out[i] = name
		} else {
			out[i] = fmt.Sprintf("unknown_frame_%d", id)
		}
	}
	return out, nil
}

// CleanupOldSamples deletes samples and profiles older than retention and
// returns the number of sample rows removed.
func (a *Archive) CleanupOldSamples(ctx context.Context, retention time.Duration) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	res, err := a.db.ExecContext(ctx, `DELETE FROM wall_profile_samples WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old samples: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM wall_profiles WHERE started_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to cleanup old profiles: %w", err)
	}

	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		a.logger.Debug().Int64("rows_deleted", deleted).Time("cutoff", cutoff).Msg("Cleaned up old profile samples")
	}
	return deleted, nil
}

// RunCleanupLoop deletes expired data every interval until ctx is done.
func (a *Archive) RunCleanupLoop(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info().Dur("retention", retention).Dur("interval", interval).Msg("Starting archive cleanup loop")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Stopping archive cleanup loop")
			return
		case <-ticker.C:
			if _, err := a.CleanupOldSamples(ctx, retention); err != nil {
				a.logger.Error().Err(err).Msg("Failed to cleanup archive")
			}
		}
	}
}
