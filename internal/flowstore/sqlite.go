package flowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/redact"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Flow Store backend. It wraps a Memory store
// for the live subscribe/notify contract (identical semantics for
// callers) and persists every posted event to SQLite for crash
// durability across restarts.
type SQLiteStore struct {
	*Memory
	db       *sql.DB
	redactor *redact.Redactor

	mu      sync.Mutex
	persist chan persistJob
	done    chan struct{}
}

type persistJob struct {
	flow *flow.Flow
	kind EventKind
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at
// dbPath, bounded in memory to maxFlows. redactor may be nil, in which
// case flows are persisted unredacted.
func NewSQLiteStore(dbPath string, maxFlows int, redactor *redact.Redactor) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("flowstore: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("flowstore: connecting to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	setSecureFilePermissions(dbPath)

	s := &SQLiteStore{
		Memory:   NewMemory(maxFlows),
		db:       db,
		redactor: redactor,
		persist:  make(chan persistJob, 1024),
		done:     make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("flowstore: migrating: %w", err)
	}

	go s.persistLoop()

	return s, nil
}

func setSecureFilePermissions(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	_ = os.Chmod(path, 0600)
	_ = os.Chmod(path+"-wal", 0600)
	_ = os.Chmod(path+"-shm", 0600)
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schemaV1)
	return err
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS flows (
	id INTEGER PRIMARY KEY,
	trace_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	host TEXT NOT NULL,
	client TEXT,
	request_method TEXT,
	request_uri TEXT,
	request_headers TEXT,
	request_body BLOB,
	response_status INTEGER,
	response_headers TEXT,
	response_body BLOB,
	error_kind TEXT,
	error_message TEXT,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ws_messages (
	flow_id INTEGER NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	direction INTEGER NOT NULL,
	opcode INTEGER NOT NULL,
	payload BLOB,
	at TEXT NOT NULL,
	PRIMARY KEY (flow_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_flows_host ON flows(host);
`

// NewHTTPFlow creates the flow in the in-memory layer and schedules its
// initial persistence.
func (s *SQLiteStore) NewHTTPFlow(host, client string) *flow.Flow {
	fl := s.Memory.NewHTTPFlow(host, client)
	s.enqueue(fl, EventFlowCreated)
	return fl
}

// NewWSFlow creates the flow in the in-memory layer and schedules its
// initial persistence.
func (s *SQLiteStore) NewWSFlow(host, client string) *flow.Flow {
	fl := s.Memory.NewWSFlow(host, client)
	s.enqueue(fl, EventFlowCreated)
	return fl
}

// PostEvent notifies in-memory subscribers and schedules a durable
// write; the write itself happens asynchronously off the caller's
// goroutine.
func (s *SQLiteStore) PostEvent(ctx context.Context, fl *flow.Flow, kind EventKind) {
	s.Memory.PostEvent(ctx, fl, kind)
	s.enqueue(fl, kind)
}

func (s *SQLiteStore) enqueue(fl *flow.Flow, kind EventKind) {
	select {
	case s.persist <- persistJob{flow: fl, kind: kind}:
	default:
		// Persistence queue saturated: the in-memory store (and thus
		// live subscribers) already has the up-to-date flow; a durable
		// write is best-effort and may lag under sustained overload.
	}
}

func (s *SQLiteStore) persistLoop() {
	for {
		select {
		case <-s.done:
			return
		case job := <-s.persist:
			s.writeFlow(job.flow)
			if job.kind == EventWSMessage {
				s.writeWSMessages(job.flow)
			}
		}
	}
}

func (s *SQLiteStore) writeFlow(fl *flow.Flow) {
	snap := fl.Snapshot()

	var reqMethod, reqURI string
	var reqHeaders, respHeaders []byte
	var reqBody, respBody []byte
	var respStatus sql.NullInt64
	var errKind, errMsg sql.NullString

	if snap.Request != nil {
		reqMethod = string(snap.Request.Method)
		reqURI = snap.Request.URI
		headers := snap.Request.Headers
		body := snap.Request.Body
		if s.redactor != nil {
			if headers != nil {
				headers = s.redactor.RedactHeaders(headers)
			}
			body = s.redactor.RedactBody(body)
		}
		if headers != nil {
			reqHeaders, _ = json.Marshal(headers.ToMap())
		}
		reqBody = body
	}
	if snap.Response != nil {
		respStatus = sql.NullInt64{Int64: int64(snap.Response.Status), Valid: true}
		headers := snap.Response.Headers
		body := snap.Response.Body
		if s.redactor != nil {
			if headers != nil {
				headers = s.redactor.RedactHeaders(headers)
			}
			body = s.redactor.RedactBody(body)
		}
		if headers != nil {
			respHeaders, _ = json.Marshal(headers.ToMap())
		}
		respBody = body
	}
	if snap.Error != nil {
		errKind = sql.NullString{String: snap.Error.Kind.String(), Valid: true}
		errMsg = sql.NullString{String: snap.Error.Message, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.db.Exec(`
		INSERT INTO flows (id, trace_id, kind, state, host, client, request_method, request_uri,
			request_headers, request_body, response_status, response_headers, response_body,
			error_kind, error_message)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, request_method=excluded.request_method, request_uri=excluded.request_uri,
			request_headers=excluded.request_headers, request_body=excluded.request_body,
			response_status=excluded.response_status, response_headers=excluded.response_headers,
			response_body=excluded.response_body, error_kind=excluded.error_kind,
			error_message=excluded.error_message, updated_at=datetime('now')
	`, snap.ID, snap.TraceID, snap.Kind.String(), snap.State.String(), snap.Host, snap.Client,
		reqMethod, reqURI, string(reqHeaders), reqBody, respStatus, string(respHeaders), respBody,
		errKind, errMsg)
}

func (s *SQLiteStore) writeWSMessages(fl *flow.Flow) {
	snap := fl.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range snap.WSMessages {
		_, _ = s.db.Exec(`
			INSERT OR IGNORE INTO ws_messages (flow_id, seq, direction, opcode, payload, at)
			VALUES (?,?,?,?,?,?)
		`, snap.ID, i, int(m.Direction), m.Opcode, m.Payload, m.At)
	}
}

// Close stops persistence and closes the database.
func (s *SQLiteStore) Close() error {
	close(s.done)
	s.Memory.Close()
	return s.db.Close()
}
