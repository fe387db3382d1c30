package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/metrics"
	"github.com/guileen/querycore/protocol/sql"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/types"
)

// Engine is the part of *sql.Engine the HTTP surface uses.
type Engine interface {
	Execute(ctx context.Context, sql string, params ...types.Value) (*types.QueryResult, error)
	Explain(ctx context.Context, sql string, analyze bool, params ...types.Value) (*optimizer.ExplainNode, error)
	Stats() sql.Stats
	Metrics() *metrics.Metrics
}

type RESTHandler struct {
	engine  Engine
	timeout time.Duration
}

// NewRESTHandler serves engine over HTTP. A positive timeout bounds every
// statement.
func NewRESTHandler(engine Engine, timeout time.Duration) *RESTHandler {
	return &RESTHandler{engine: engine, timeout: timeout}
}

// Router returns a chi router with every route registered.
func (h *RESTHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	h.RegisterRoutes(r)
	return r
}

func (h *RESTHandler) RegisterRoutes(r chi.Router) {
	r.Post("/query", h.Query)
	r.Post("/explain", h.Explain)
	r.Get("/stats", h.Stats)
	r.Get("/healthz", h.Health)
	r.Handle("/metrics", h.engine.Metrics().Handler())

	r.Route("/api/table/{table}", func(r chi.Router) {
		r.Get("/", h.QueryRecords)
		r.Post("/", h.InsertRecord)
		r.Get("/{rowID}", h.GetRecord)
		r.Patch("/{rowID}", h.UpdateRecord)
		r.Delete("/{rowID}", h.DeleteRecord)
	})
}

type QueryRequest struct {
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params,omitempty"`
}

type ExplainRequest struct {
	SQL     string        `json:"sql"`
	Params  []interface{} `json:"params,omitempty"`
	Analyze bool          `json:"analyze,omitempty"`
}

type QueryResponse struct {
	Columns      []string        `json:"columns"`
	Rows         [][]interface{} `json:"rows"`
	Count        int64           `json:"count"`
	AffectedRows *int64          `json:"affected_rows,omitempty"`
	Truncated    bool            `json:"truncated,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
	Replans      int             `json:"replans,omitempty"`
	ElapsedMS    float64         `json:"elapsed_ms"`
}

type ExplainResponse struct {
	Plan  []*optimizer.ExplainNode `json:"plan"`
	Lines []string                 `json:"lines"`
}

type RecordsResponse struct {
	Data  []map[string]interface{} `json:"data"`
	Count int                      `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

func (h *RESTHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	params, err := bindParams(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	result, err := h.engine.Execute(ctx, req.SQL, params...)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(result))
}

func (h *RESTHandler) Explain(w http.ResponseWriter, r *http.Request) {
	var req ExplainRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	params, err := bindParams(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	node, err := h.engine.Explain(ctx, req.SQL, req.Analyze, params...)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExplainResponse{Plan: node.Flatten(), Lines: node.Lines()})
}

func (h *RESTHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *RESTHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueryRecords lists a table with ?limit= and ?offset=. ?where.<column>=
// adds an equality filter.
func (h *RESTHandler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", table)

	var (
		where  []string
		params []types.Value
	)
	query := r.URL.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		if strings.HasPrefix(k, "where.") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		column := strings.TrimPrefix(k, "where.")
		if !identifier.MatchString(column) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid column name %q", column))
			return
		}
		params = append(params, queryValue(query.Get(k)))
		where = append(where, fmt.Sprintf("%s = $%d", column, len(params)))
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if limit := getIntQueryParam(r, "limit", 100); limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset := getIntQueryParam(r, "offset", 0); offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}

	ctx, cancel := h.context(r)
	defer cancel()
	result, err := h.engine.Execute(ctx, sb.String(), params...)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	records := recordMaps(result)
	writeJSON(w, http.StatusOK, RecordsResponse{Data: records, Count: len(records)})
}

func (h *RESTHandler) InsertRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	var data map[string]interface{}
	if err := decode(r, &data); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	columns, params, err := columnValues(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	ctx, cancel := h.context(r)
	defer cancel()
	result, err := h.engine.Execute(ctx, stmt, params...)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(result))
}

func (h *RESTHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	result, err := h.engine.Execute(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", table), queryValue(chi.URLParam(r, "rowID")))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	records := recordMaps(result)
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, errors.New("record not found"))
		return
	}
	writeJSON(w, http.StatusOK, records[0])
}

func (h *RESTHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	var data map[string]interface{}
	if err := decode(r, &data); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	columns, params, err := columnValues(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	params = append(params, queryValue(chi.URLParam(r, "rowID")))
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(params))

	ctx, cancel := h.context(r)
	defer cancel()
	result, err := h.engine.Execute(ctx, stmt, params...)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(result))
}

func (h *RESTHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	result, err := h.engine.Execute(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), queryValue(chi.URLParam(r, "rowID")))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(result))
}

func (h *RESTHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := r.Context()
	if id := middleware.GetReqID(ctx); id != "" {
		ctx = logger.WithQueryID(ctx, id)
	}
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func tableParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := chi.URLParam(r, "table")
	if !identifier.MatchString(table) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid table name %q", table))
		return "", false
	}
	return table, true
}

// columnValues orders data by column name and binds the values.
func columnValues(data map[string]interface{}) ([]string, []types.Value, error) {
	if len(data) == 0 {
		return nil, nil, errors.New("no columns given")
	}
	columns := make([]string, 0, len(data))
	for c := range data {
		if !identifier.MatchString(c) {
			return nil, nil, fmt.Errorf("invalid column name %q", c)
		}
		columns = append(columns, c)
	}
	sort.Strings(columns)
	raw := make([]interface{}, len(columns))
	for i, c := range columns {
		raw[i] = data[c]
	}
	params, err := bindParams(raw)
	return columns, params, err
}

// decode reads a JSON body keeping numbers exact, so integers bind as
// BIGINT rather than DOUBLE.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func bindParams(raw []interface{}) ([]types.Value, error) {
	out := make([]types.Value, len(raw))
	for i, v := range raw {
		if n, ok := v.(json.Number); ok {
			if iv, err := n.Int64(); err == nil {
				out[i] = types.NewInt(iv)
				continue
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("parameter $%d: %w", i+1, err)
			}
			out[i] = types.NewFloat(f)
			continue
		}
		val, err := types.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("parameter $%d: %w", i+1, err)
		}
		out[i] = val
	}
	return out, nil
}

// queryValue binds a path or query string value, as an integer when it
// parses as one.
func queryValue(s string) types.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.NewInt(i)
	}
	return types.NewText(s)
}

// recordMaps keys each row by column name.
func recordMaps(result *types.QueryResult) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(result.Rows))
	for _, row := range result.Records() {
		m := make(map[string]interface{}, len(result.Columns))
		for j, col := range result.Columns {
			if j < len(row) {
				m[col] = row[j]
			}
		}
		out = append(out, m)
	}
	return out
}

func toResponse(result *types.QueryResult) QueryResponse {
	return QueryResponse{
		Columns:      result.Columns,
		Rows:         result.Records(),
		Count:        result.Count,
		AffectedRows: result.AffectedRows,
		Truncated:    result.Truncated,
		Warnings:     result.Warnings,
		Replans:      result.Replans,
		ElapsedMS:    float64(result.ExecutionTime.Microseconds()) / 1000,
	}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(qe *qerrors.QueryError) int {
	switch qe.Kind {
	case qerrors.KindValidation, qerrors.KindSyntax:
		return http.StatusBadRequest
	case qerrors.KindPlanning:
		if qe.Code == qerrors.ErrCodeUnresolved {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case qerrors.KindCancelled:
		return http.StatusRequestTimeout
	case qerrors.KindResource:
		return http.StatusUnprocessableEntity
	case qerrors.KindExecution:
		if qe.Code == qerrors.ErrCodeConstraint {
			return http.StatusConflict
		}
		if qe.Code == qerrors.ErrCodeDivisionByZero {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func writeQueryError(w http.ResponseWriter, err error) {
	var qe *qerrors.QueryError
	if !errors.As(err, &qe) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, statusFor(qe), ErrorResponse{
		Error:   qe.Error(),
		Kind:    qe.Kind.String(),
		Code:    qe.Code,
		Partial: qe.Partial,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("encode response", logger.Component("api"), logger.ErrorField(err))
		http.Error(w, `{"error":"internal encoding error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func getIntQueryParam(r *http.Request, key string, defaultValue int) int {
	valueStr := r.URL.Query().Get(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// requestLogger logs each request at debug level with its request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.DebugContext(r.Context(), "http request",
			logger.Component("api"),
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("elapsed", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
