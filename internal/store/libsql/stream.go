package libsql

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/astroforum/service_layer/internal/store"
)

// ErrStreamExpired is returned when the server no longer recognises the
// stream baton. The session must be discarded.
var ErrStreamExpired = fmt.Errorf("libsql: stream expired: %w", store.ErrSessionInvalid)

// =============================================================================
// Wire types
// =============================================================================

type pipelineRequest struct {
	Baton    *string         `json:"baton"`
	Requests []streamRequest `json:"requests"`
}

type streamRequest struct {
	Type string    `json:"type"`
	Stmt *wireStmt `json:"stmt,omitempty"`
}

type wireStmt struct {
	SQL      string      `json:"sql"`
	Args     []wireValue `json:"args,omitempty"`
	WantRows bool        `json:"want_rows"`
}

type wireValue struct {
	Type   string `json:"type"`
	Value  any    `json:"value,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// StatementError is a statement rejected by the server.
type StatementError struct {
	Code    string
	Message string
}

func (e *StatementError) Error() string {
	if e.Code == "" {
		return "libsql: " + e.Message
	}
	return fmt.Sprintf("libsql: %s: %s", e.Code, e.Message)
}

// =============================================================================
// Stream
// =============================================================================

// Stream is a store.Session bound to one Hrana stream.
type Stream struct {
	client *Client

	// ctx is cancelled by Close so that an in-flight request on a reclaimed
	// session is abandoned.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	baton   string
	baseURL string
	closed  bool
}

func newStream(c *Client) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{client: c, ctx: ctx, cancel: cancel, baseURL: c.baseURL}
}

// Execute runs one statement on the stream.
func (s *Stream) Execute(ctx context.Context, stmt store.Statement) (*store.Result, error) {
	results, err := s.run(ctx, []store.Statement{stmt})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Batch pipelines the statements in a single request. Statements run in
// order; the first failed statement's error is returned.
func (s *Stream) Batch(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	return s.run(ctx, stmts)
}

// Close releases the stream on the server. It is safe to call more than once
// and concurrently with Execute.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	baton := s.baton
	baseURL := s.baseURL
	s.mu.Unlock()

	s.cancel()

	if baton == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, err := s.client.pipeline(ctx, baseURL, pipelineRequest{
		Baton:    &baton,
		Requests: []streamRequest{{Type: "close"}},
	})
	return err
}

func (s *Stream) run(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	requests := make([]streamRequest, 0, len(stmts))
	for i, stmt := range stmts {
		args, err := encodeArgs(stmt.Args)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}
		requests = append(requests, streamRequest{
			Type: "execute",
			Stmt: &wireStmt{SQL: stmt.SQL, Args: args, WantRows: true},
		})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrSessionClosed
	}
	var baton *string
	if s.baton != "" {
		b := s.baton
		baton = &b
	}
	baseURL := s.baseURL
	s.mu.Unlock()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	body, err := s.client.pipeline(reqCtx, baseURL, pipelineRequest{Baton: baton, Requests: requests})
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, store.ErrSessionClosed
		}
		var httpErr *HTTPError
		if baton != nil && errors.As(err, &httpErr) && httpErr.StatusCode == 400 {
			return nil, fmt.Errorf("%w: %v", ErrStreamExpired, err)
		}
		return nil, err
	}

	parsed := gjson.ParseBytes(body)

	s.mu.Lock()
	if b := parsed.Get("baton"); b.Exists() && b.Type == gjson.String {
		s.baton = b.String()
	} else {
		s.baton = ""
	}
	if u := parsed.Get("base_url"); u.Exists() && u.Type == gjson.String && u.String() != "" {
		if normalized, err := normalizeURL(u.String()); err == nil {
			s.baseURL = normalized
		}
	}
	s.mu.Unlock()

	return decodeResults(parsed.Get("results"), len(stmts))
}

// =============================================================================
// Encoding
// =============================================================================

func encodeArgs(args []any) ([]wireValue, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]wireValue, 0, len(args))
	for i, arg := range args {
		v, err := encodeValue(arg)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeValue(v any) (wireValue, error) {
	switch x := v.(type) {
	case nil:
		return wireValue{Type: "null"}, nil
	case int:
		return integer(int64(x)), nil
	case int8:
		return integer(int64(x)), nil
	case int16:
		return integer(int64(x)), nil
	case int32:
		return integer(int64(x)), nil
	case int64:
		return integer(x), nil
	case uint8:
		return integer(int64(x)), nil
	case uint16:
		return integer(int64(x)), nil
	case uint32:
		return integer(int64(x)), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return wireValue{}, fmt.Errorf("integer %d overflows int64", x)
		}
		return integer(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return wireValue{}, fmt.Errorf("integer %d overflows int64", x)
		}
		return integer(int64(x)), nil
	case bool:
		if x {
			return integer(1), nil
		}
		return integer(0), nil
	case float32:
		return wireValue{Type: "float", Value: float64(x)}, nil
	case float64:
		return wireValue{Type: "float", Value: x}, nil
	case string:
		return wireValue{Type: "text", Value: x}, nil
	case []byte:
		return wireValue{Type: "blob", Base64: base64.StdEncoding.EncodeToString(x)}, nil
	case time.Time:
		return integer(x.Unix()), nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return wireValue{}, fmt.Errorf("unsupported argument type %T: %w", v, err)
		}
		return wireValue{Type: "text", Value: string(data)}, nil
	}
}

func integer(n int64) wireValue {
	return wireValue{Type: "integer", Value: strconv.FormatInt(n, 10)}
}

// =============================================================================
// Decoding
// =============================================================================

func decodeResults(results gjson.Result, want int) ([]*store.Result, error) {
	items := results.Array()
	if len(items) < want {
		return nil, fmt.Errorf("libsql: expected %d results, got %d", want, len(items))
	}

	out := make([]*store.Result, 0, want)
	for i := 0; i < want; i++ {
		item := items[i]
		switch item.Get("type").String() {
		case "ok":
			out = append(out, decodeExecuteResult(item.Get("response.result")))
		case "error":
			return nil, fmt.Errorf("statement %d: %w", i, &StatementError{
				Code:    item.Get("error.code").String(),
				Message: item.Get("error.message").String(),
			})
		default:
			return nil, fmt.Errorf("statement %d: unexpected result type %q", i, item.Get("type").String())
		}
	}
	return out, nil
}

func decodeExecuteResult(r gjson.Result) *store.Result {
	res := &store.Result{
		RowsAffected: r.Get("affected_row_count").Int(),
	}
	if id := r.Get("last_insert_rowid"); id.Exists() && id.Type != gjson.Null {
		res.LastInsertID, _ = strconv.ParseInt(id.String(), 10, 64)
	}

	for _, col := range r.Get("cols").Array() {
		res.Columns = append(res.Columns, col.Get("name").String())
	}

	for _, row := range r.Get("rows").Array() {
		values := row.Array()
		decoded := make(store.Row, len(res.Columns))
		for i, name := range res.Columns {
			if i >= len(values) {
				decoded[name] = nil
				continue
			}
			decoded[name] = decodeValue(values[i])
		}
		res.Rows = append(res.Rows, decoded)
	}
	return res
}

func decodeValue(v gjson.Result) any {
	switch v.Get("type").String() {
	case "integer":
		n, err := strconv.ParseInt(v.Get("value").String(), 10, 64)
		if err != nil {
			return v.Get("value").String()
		}
		return n
	case "float":
		return v.Get("value").Float()
	case "text":
		return v.Get("value").String()
	case "blob":
		data, err := base64.StdEncoding.DecodeString(v.Get("base64").String())
		if err != nil {
			// Some servers omit padding.
			data, _ = base64.RawStdEncoding.DecodeString(v.Get("base64").String())
		}
		return data
	default:
		return nil
	}
}
