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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
)

type fakeStream struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", nil)
}

func sampleUpdate(t *testing.T) (*GameStatsUpdate, sampleIDs) {
	t.Helper()
	ids := newSampleIDs()
	gameId := uuid.NewString()
	g, err := RebuildGame(gameId, sampleGame(t, gameId, ids))
	if err != nil {
		t.Fatalf("RebuildGame: %v", err)
	}
	return NewGameStatsUpdate(g), ids
}

func TestNewGameStatsUpdate(t *testing.T) {
	u, ids := sampleUpdate(t)
	if u.Season != "2026" || u.Opponent != "Rockets" || u.Deleted {
		t.Errorf("update header = %+v", u)
	}
	if len(u.Players) != 3 {
		t.Fatalf("got %d players, want 3", len(u.Players))
	}
	slugger := u.Players[ids.Slugger]
	if slugger.Totals.Batting.HR != 1 || slugger.Derived.SLG != "4.000" {
		t.Errorf("slugger = %+v", slugger)
	}
	if u.LineScore.UsTotal != 2 {
		t.Errorf("UsTotal = %d, want 2", u.LineScore.UsTotal)
	}

	tomb := NewGame(u.GameID)
	tomb.Status = StatusDeleted
	if d := NewGameStatsUpdate(tomb); !d.Deleted || len(d.Players) != 0 {
		t.Errorf("tombstone update = %+v", d)
	}
}

func TestRedisStreamSink(t *testing.T) {
	f := &fakeStream{}
	s := &RedisStreamSink{client: f, maxLen: 100}
	u, _ := sampleUpdate(t)

	if err := s.Publish(context.Background(), u); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	u.Season = ""
	u.Deleted = true
	if err := s.Publish(context.Background(), u); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(f.args) != 2 {
		t.Fatalf("XAdd called %d times, want 2", len(f.args))
	}
	if f.args[0].Stream != "games.updates.2026" || f.args[1].Stream != "games.updates.unassigned" {
		t.Errorf("streams = %q, %q", f.args[0].Stream, f.args[1].Stream)
	}
	values := f.args[0].Values.(map[string]any)
	if values["type"] != "stats" || values["game_id"] != u.GameID {
		t.Errorf("values = %v", values)
	}
	var decoded GameStatsUpdate
	if err := json.Unmarshal([]byte(values["data"].(string)), &decoded); err != nil || decoded.GameID != u.GameID {
		t.Errorf("data did not decode: %v", err)
	}
	if v := f.args[1].Values.(map[string]any); v["type"] != "deleted" {
		t.Errorf("deleted type = %v", v["type"])
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPostgresStatsSinkPublish(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	now := time.Date(2026, 4, 12, 18, 0, 0, 0, time.UTC)
	s := newPostgresStatsSink(mock)
	s.now = func() time.Time { return now }

	u, _ := sampleUpdate(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM game_stats").
		WithArgs(u.GameID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	for range u.Players {
		mock.ExpectExec("INSERT INTO game_stats").
			WithArgs(u.GameID, pgxmock.AnyArg(), "2026", pgxmock.AnyArg(), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	if err := s.Publish(context.Background(), u); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStatsSinkDeletedGame(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	s := newPostgresStatsSink(mock)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM game_stats").
		WithArgs("g1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	if err := s.Publish(context.Background(), &GameStatsUpdate{GameID: "g1", Deleted: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStatsSinkRollback(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	s := newPostgresStatsSink(mock)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM game_stats").
		WithArgs("g1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := s.Publish(context.Background(), &GameStatsUpdate{GameID: "g1"}); err == nil {
		t.Fatal("Publish should fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStatsSinkMigrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS game_stats").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	if err := newPostgresStatsSink(mock).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
	closed  bool
}

func (s *blockingSink) Publish(ctx context.Context, u *GameStatsUpdate) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u.GameID)
	return nil
}

func (s *blockingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestSinkDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewSinkDispatcher(sink)

	d.Enqueue(&GameStatsUpdate{GameID: "first"})
	// Wait until the worker holds the first update.
	deadline := time.Now().Add(5 * time.Second)
	for len(d.queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not pick up the first update")
		}
		time.Sleep(time.Millisecond)
	}
	for range sinkQueueSize {
		d.Enqueue(&GameStatsUpdate{GameID: "queued"})
	}
	d.Enqueue(&GameStatsUpdate{GameID: "dropped"})
	if n := d.Dropped(); n != 1 {
		t.Errorf("Dropped() = %d, want 1", n)
	}

	close(sink.release)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.got) != sinkQueueSize+1 || !sink.closed {
		t.Errorf("published %d updates, closed=%v", len(sink.got), sink.closed)
	}
	// Enqueue after Close is a no-op.
	d.Enqueue(&GameStatsUpdate{GameID: "late"})
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSinkDispatcherNil(t *testing.T) {
	d := NewSinkDispatcher()
	if d != nil {
		t.Fatal("NewSinkDispatcher() with no sinks should return nil")
	}
	d.Enqueue(&GameStatsUpdate{GameID: "g1"})
	if d.Dropped() != 0 || d.Close() != nil {
		t.Error("nil dispatcher should be inert")
	}
}
