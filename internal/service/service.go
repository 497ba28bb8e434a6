package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mylxsw/asteria/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mylxsw/checksum-tokenizer/internal/config"
	"github.com/mylxsw/checksum-tokenizer/internal/counter"
	"github.com/mylxsw/checksum-tokenizer/internal/middleware"
	"github.com/mylxsw/checksum-tokenizer/internal/storage"
	"github.com/mylxsw/checksum-tokenizer/internal/tokenizer"
)

type Service struct {
	cfg        *config.Config
	provider   tokenizer.Provider
	counter    *counter.Counter
	rules      *counter.Rules
	usageStore storage.Store
	maxBody    int64
	defaultEnc string
}

const defaultMaxBodyBytes = 4 << 20

type EncodeResponse struct {
	Encoding string            `json:"encoding"`
	Tokens   []int             `json:"tokens"`
	Count    int               `json:"count"`
	Label    string            `json:"label,omitempty"`
	Words    []tokenizer.Token `json:"words,omitempty"`
}

type EncodingListResponse struct {
	Object  string   `json:"object"`
	Backend string   `json:"backend"`
	Default string   `json:"default"`
	Strict  bool     `json:"strict"`
	Data    []string `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewProvider builds the tokenizer provider selected by cfg.Backend.
func NewProvider(cfg *config.Config) tokenizer.Provider {
	if cfg.Backend == config.BackendTiktoken {
		return tokenizer.NewTiktokenProvider()
	}
	return tokenizer.NewRegistry(
		tokenizer.WithKnownEncodings(cfg.Encodings...),
		tokenizer.WithStrict(cfg.Strict),
	)
}

// New wires a Service. provider may be nil, in which case it is built from cfg.
// usageStore may be nil when usage is not saved.
func New(cfg *config.Config, provider tokenizer.Provider, usageStore storage.Store) (*Service, error) {
	if provider == nil {
		provider = NewProvider(cfg)
	}

	rules, err := counter.CompileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	defaultEnc := cfg.DefaultEncoding
	if defaultEnc == "" {
		defaultEnc = tokenizer.DefaultEncoding
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	return &Service{
		cfg:        cfg,
		provider:   provider,
		counter:    counter.New(provider, defaultEnc),
		rules:      rules,
		usageStore: usageStore,
		maxBody:    maxBody,
		defaultEnc: defaultEnc,
	}, nil
}

// Encode handles POST /v1/encode.
func (s *Service) Encode(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	text := gjson.GetBytes(body, "text")
	if !text.Exists() || text.Type != gjson.String {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	name := strings.TrimSpace(gjson.GetBytes(body, "encoding").String())
	model := gjson.GetBytes(body, "model").String()

	var enc tokenizer.Encoder
	var err error
	if name != "" {
		enc, err = s.provider.GetEncoding(name)
	} else {
		name, enc, err = s.counter.EncodingForModel(model)
	}
	if err != nil {
		s.writeEncodingError(w, err)
		return
	}

	tokens := enc.Encode(text.String())
	words := len(tokenizer.Fields(text.String()))
	resp := EncodeResponse{
		Encoding: name,
		Tokens:   tokens,
		Count:    len(tokens),
		Label: s.rules.Classify(counter.EvalEnv{
			TokenCount: len(tokens),
			Words:      words,
			Model:      model,
			Encoding:   name,
			Path:       r.URL.Path,
		}),
	}
	if gjson.GetBytes(body, "detail").Bool() {
		if ce, ok := enc.(tokenizer.Encoding); ok {
			resp.Words = ce.EncodeWords(text.String())
		}
	}

	log.Debugf("encode: encoding=%s words=%d tokens=%d", name, words, len(tokens))

	WriteJSON(w, http.StatusOK, resp)

	if record := s.prepareUsageRecord(r, name, model, words, len(tokens), resp.Label, http.StatusOK, start); record != nil {
		s.saveUsageRecord(r.Context(), *record)
	}
}

// Count handles the /v1/count/* endpoints. The body is a provider request
// payload; the response reports the prompt token count.
func (s *Service) Count(w http.ResponseWriter, r *http.Request, reqType counter.RequestType) {
	start := time.Now()
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	result, err := s.counter.Count(reqType, body)
	if err != nil {
		s.writeEncodingError(w, err)
		return
	}

	label := s.rules.Classify(counter.EvalEnv{
		TokenCount: result.TokenCount,
		Words:      result.Words,
		Model:      result.Model,
		Encoding:   result.Encoding,
		Path:       r.URL.Path,
	})

	log.Debugf("count %s: model=%s encoding=%s tokens=%d label=%s", reqType, result.Model, result.Encoding, result.TokenCount, label)

	out, err := buildCountResponse(result, label, middleware.RequestIDFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)

	if record := s.prepareUsageRecord(r, result.Encoding, result.Model, result.Words, result.TokenCount, label, http.StatusOK, start); record != nil {
		s.saveUsageRecord(r.Context(), *record)
	}
}

type jsonField struct {
	path  string
	value any
}

func buildCountResponse(result counter.Result, label, requestID string) ([]byte, error) {
	fields := []jsonField{
		{"model", result.Model},
		{"encoding", result.Encoding},
		{"token_count", result.TokenCount},
		{"label", label},
	}
	if requestID != "" {
		fields = append(fields, jsonField{"request_id", requestID})
	}

	out := []byte(`{}`)
	var err error
	for _, f := range fields {
		out, err = sjson.SetBytes(out, f.path, f.value)
		if err != nil {
			return nil, fmt.Errorf("build count response: %w", err)
		}
	}
	return out, nil
}

// Encodings handles GET /v1/encodings.
func (s *Service) Encodings() EncodingListResponse {
	data := make([]string, len(s.cfg.Encodings))
	copy(data, s.cfg.Encodings)
	if reg, ok := s.provider.(*tokenizer.Registry); ok {
		data = reg.Names()
	}
	return EncodingListResponse{
		Object:  "list",
		Backend: string(s.cfg.Backend),
		Default: s.defaultEnc,
		Strict:  s.cfg.Strict,
		Data:    data,
	}
}

// Usage handles GET /v1/usage.
func (s *Service) Usage(w http.ResponseWriter, r *http.Request) {
	if s.usageStore == nil {
		writeError(w, http.StatusNotFound, "usage storage is disabled")
		return
	}

	query := storage.UsageQuery{RequestID: r.URL.Query().Get("request_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		query.Limit = limit
	}

	records, err := s.usageStore.QueryUsage(r.Context(), query)
	if err != nil {
		log.Errorf("query usage: %v", err)
		writeError(w, http.StatusInternalServerError, "query usage failed")
		return
	}
	if records == nil {
		records = []storage.UsageRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": records})
}

func (s *Service) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	_ = r.Body.Close()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read request body: %v", err))
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "request body must be valid json")
		return nil, false
	}
	return body, true
}

func (s *Service) writeEncodingError(w http.ResponseWriter, err error) {
	if errors.Is(err, tokenizer.ErrUnknownEncoding) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Errorf("encode request: %v", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// WriteJSON encodes v as the response body and logs encoding failures.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorResponse{Error: msg})
}
