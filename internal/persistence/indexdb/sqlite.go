package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chunkfield.dev/internal/sim/worldgen/stream"
)

// SQLiteIndex is a queryable secondary index of tick and generation logs.
// Writes are queued and applied by a single writer goroutine in batched
// transactions. The JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick       atomic.Uint64
	dropGeneration atomic.Uint64
	dropSession    atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqGeneration
	reqSession
)

type req struct {
	kind reqKind

	tick    stream.TickLogEntry
	gen     stream.GenerationEntry
	session stream.SessionEntry
}

// Stats reports queue pressure.
type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	DropTickTotal       uint64
	DropGenerationTotal uint64
	DropSessionTotal    uint64
}

const queueCapacity = 65536

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queueCapacity),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			seed TEXT NOT NULL,
			layout TEXT NOT NULL,
			layers TEXT NOT NULL,
			start_tick INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			session TEXT NOT NULL,
			state TEXT NOT NULL,
			dispatched INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			spawned INTEGER NOT NULL,
			despawned INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			loaded INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_session ON ticks(session);`,
		`CREATE TABLE IF NOT EXISTS generations (
			session TEXT NOT NULL,
			kind TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			seed TEXT NOT NULL,
			ref TEXT NOT NULL,
			err TEXT NOT NULL,
			duration_ms REAL NOT NULL,
			PRIMARY KEY(session, kind, x, y, tick)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generations_chunk ON generations(x, y);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropTickTotal:       s.dropTick.Load(),
		DropGenerationTotal: s.dropGeneration.Load(),
		DropSessionTotal:    s.dropSession.Load(),
	}
}

// WriteTick enqueues a tick row. It never blocks; rows are dropped when the
// writer falls behind.
func (s *SQLiteIndex) WriteTick(entry stream.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteGeneration(entry stream.GenerationEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqGeneration, gen: entry}:
	default:
		s.dropGeneration.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteSession(entry stream.SessionEntry) error {
	if s == nil || s.closed.Load() || entry.Session == "" {
		return nil
	}
	select {
	case s.ch <- req{kind: reqSession, session: entry}:
	default:
		s.dropSession.Add(1)
	}
	return nil
}

// GenerationCount returns how many successful generations were recorded for
// a layer kind. An empty kind counts all layers.
func (s *SQLiteIndex) GenerationCount(ctx context.Context, kind string) (int, error) {
	q := `SELECT COUNT(*) FROM generations WHERE err=''`
	var args []any
	if kind != "" {
		q += ` AND kind=?`
		args = append(args, kind)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,session,state,dispatched,completed,failed,spawned,despawned,pending,loaded,duration_us,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertGen, _ := s.db.Prepare(`INSERT OR REPLACE INTO generations(session,kind,x,y,tick,seed,ref,err,duration_ms) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session,path,name,seed,layout,layers,start_tick,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertGen, insertSession} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick,
				int64(t.Tick), t.Session, t.State,
				t.Dispatched, t.Completed, t.Failed,
				t.Spawned, t.Despawned, t.Pending, t.Loaded,
				t.DurationUs, string(raw),
			)
		case reqGeneration:
			g := r.gen
			exec(insertGen, g.Session, g.Kind, g.X, g.Y, int64(g.Tick), g.Seed, g.Ref, g.Err, g.DurationMs)
		case reqSession:
			se := r.session
			exec(insertSession, se.Session, se.Path, se.Name, se.Seed, se.Layout,
				strings.Join(se.Layers, ","), int64(se.Tick), time.Now().UTC().Format(time.RFC3339Nano))
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
