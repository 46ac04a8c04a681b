// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/ttbt-io/inningbook/backend/scoring"
	"github.com/ttbt-io/inningbook/backend/stats"
)

const (
	sinkQueueSize    = 256
	sinkWriteTimeout = 5 * time.Second
)

// PlayerStatLine is one player's raw bucket and the stats derived from it.
type PlayerStatLine struct {
	Totals  stats.Triple `json:"totals"`
	Derived stats.Stats  `json:"derived"`
}

// GameStatsUpdate is the payload sent to stats sinks after a game changes.
type GameStatsUpdate struct {
	GameID    string                    `json:"gameId"`
	Season    string                    `json:"season"`
	Date      string                    `json:"date"`
	Opponent  string                    `json:"opponent"`
	Locked    bool                      `json:"locked"`
	Revision  string                    `json:"revision"`
	Deleted   bool                      `json:"deleted,omitempty"`
	LineScore scoring.LineScore         `json:"lineScore"`
	Players   map[string]PlayerStatLine `json:"players"`
}

// NewGameStatsUpdate snapshots the stats of g.
func NewGameStatsUpdate(g *Game) *GameStatsUpdate {
	u := &GameStatsUpdate{
		GameID:   g.ID,
		Season:   g.Season,
		Date:     g.Date,
		Opponent: g.Opponent,
		Locked:   g.Locked,
		Revision: g.LastActionID,
		Deleted:  g.Status == StatusDeleted,
		Players:  make(map[string]PlayerStatLine),
	}
	if u.Deleted {
		return u
	}
	u.LineScore = scoring.ComputeLineScore(g.Game)
	for _, id := range g.Stats.PlayerIDs() {
		t := g.Stats.Get(id)
		u.Players[id] = PlayerStatLine{Totals: t, Derived: stats.Derive(t)}
	}
	return u
}

// StatsSink receives game stat snapshots for external consumers.
type StatsSink interface {
	Publish(ctx context.Context, u *GameStatsUpdate) error
	Close() error
}

// streamAdder is the part of redis.Cmdable used by RedisStreamSink.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends updates to the stream games.updates.<season>.
type RedisStreamSink struct {
	client streamAdder
	closer func() error
	maxLen int64
}

// NewRedisStreamSink connects to redis at addr.
func NewRedisStreamSink(ctx context.Context, addr string) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStreamSink{client: client, closer: client.Close, maxLen: 10000}, nil
}

func streamKey(season string) string {
	if season == "" {
		season = "unassigned"
	}
	return fmt.Sprintf("games.updates.%s", season)
}

func (s *RedisStreamSink) Publish(ctx context.Context, u *GameStatsUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshaling game stats: %w", err)
	}
	typ := "stats"
	if u.Deleted {
		typ = "deleted"
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(u.Season),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"data":    string(data),
			"game_id": u.GameID,
			"type":    typ,
		},
	}).Err()
}

func (s *RedisStreamSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// statsDB is the part of pgxpool.Pool used by PostgresStatsSink.
type statsDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const createGameStatsTable = `CREATE TABLE IF NOT EXISTS game_stats (
	game_id    TEXT NOT NULL,
	player_id  TEXT NOT NULL,
	season     TEXT NOT NULL DEFAULT '',
	stats      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (game_id, player_id)
)`

const upsertGameStats = `INSERT INTO game_stats (game_id, player_id, season, stats, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (game_id, player_id) DO UPDATE
SET season = EXCLUDED.season, stats = EXCLUDED.stats, updated_at = EXCLUDED.updated_at`

// PostgresStatsSink keeps one game_stats row per player per game.
type PostgresStatsSink struct {
	db  statsDB
	now func() time.Time
}

// NewPostgresStatsSink connects to dbURL and creates the table if needed.
func NewPostgresStatsSink(ctx context.Context, dbURL string) (*PostgresStatsSink, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := newPostgresStatsSink(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStatsSink(db statsDB) *PostgresStatsSink {
	return &PostgresStatsSink{db: db, now: time.Now}
}

// Migrate creates the game_stats table.
func (s *PostgresStatsSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createGameStatsTable); err != nil {
		return fmt.Errorf("create game_stats: %w", err)
	}
	return nil
}

// Publish replaces the rows of the game in one transaction. Players that
// no longer appear in the game are removed.
func (s *PostgresStatsSink) Publish(ctx context.Context, u *GameStatsUpdate) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "DELETE FROM game_stats WHERE game_id = $1", u.GameID); err != nil {
		return fmt.Errorf("delete game_stats: %w", err)
	}
	if !u.Deleted {
		ts := s.now()
		for _, id := range slices.Sorted(maps.Keys(u.Players)) {
			data, mErr := json.Marshal(u.Players[id])
			if mErr != nil {
				return fmt.Errorf("marshaling player stats: %w", mErr)
			}
			if _, err = tx.Exec(ctx, upsertGameStats, u.GameID, id, u.Season, data, ts); err != nil {
				return fmt.Errorf("upsert game_stats: %w", err)
			}
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStatsSink) Close() error {
	s.db.Close()
	return nil
}

// SinkDispatcher fans updates out to sinks from a background goroutine so
// that sink latency never blocks a game hub. When the queue is full the
// update is dropped; the next change of the game sends a fresh snapshot.
type SinkDispatcher struct {
	sinks []StatsSink
	queue chan *GameStatsUpdate
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewSinkDispatcher starts a dispatcher. It returns nil when there are no
// sinks; a nil dispatcher accepts and ignores updates.
func NewSinkDispatcher(sinks ...StatsSink) *SinkDispatcher {
	if len(sinks) == 0 {
		return nil
	}
	d := &SinkDispatcher{
		sinks: sinks,
		queue: make(chan *GameStatsUpdate, sinkQueueSize),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue schedules u for delivery without blocking.
func (d *SinkDispatcher) Enqueue(u *GameStatsUpdate) {
	if d == nil || u == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- u:
	default:
		d.dropped++
		log.Printf("Sinks: queue full, dropped stats update for game %s", u.GameID)
	}
}

// Dropped returns the number of updates dropped because the queue was full.
func (d *SinkDispatcher) Dropped() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *SinkDispatcher) run() {
	defer close(d.done)
	for u := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			if err := s.Publish(ctx, u); err != nil {
				log.Printf("Sinks: publish %T for game %s: %v", s, u.GameID, err)
			}
			cancel()
		}
	}
}

// Close drains the queue and closes every sink.
func (d *SinkDispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
