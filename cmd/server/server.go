package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/toricodesthings/page-verification-service/internal/config"
	"github.com/toricodesthings/page-verification-service/internal/format"
	"github.com/toricodesthings/page-verification-service/internal/match"
	"github.com/toricodesthings/page-verification-service/internal/ocr"
	"github.com/toricodesthings/page-verification-service/internal/preprocess"
	"github.com/toricodesthings/page-verification-service/internal/scratch"
	"github.com/toricodesthings/page-verification-service/internal/store"
	"github.com/toricodesthings/page-verification-service/internal/types"
	"github.com/toricodesthings/page-verification-service/internal/verify"
	"golang.org/x/sync/semaphore"
)

const (
	version = "1.0.0"

	// room for multipart boundaries and the isbn/page fields
	multipartOverhead = 1 << 20

	illegibleHint = "The photo is hard to read: retake it flat, in focus and in good light."
)

type deps struct {
	scratch  *scratch.Manager
	engine   ocr.Engine
	store    store.Store
	orienter preprocess.Orienter
}

type server struct {
	cfg      config.Config
	scratch  *scratch.Manager
	store    store.Store
	pipeline *verify.Pipeline

	requestSem *semaphore.Weighted
	limiters   *limiterSet
	clients    clientResolver
	metrics    *serverMetrics
	ocrVersion string
}

func newServer(cfg config.Config, d deps) (*server, error) {
	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	s := &server{
		cfg:        cfg,
		scratch:    d.scratch,
		store:      d.store,
		requestSem: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		limiters:   newLimiterSet(cfg.RateLimitEvery, cfg.RateLimitBurst),
		clients:    clientResolver{trusted: proxies},
		metrics:    newServerMetrics(),
	}
	p, err := verify.New(verify.Options{
		Scratch:    d.scratch,
		Orienter:   d.orienter,
		Preparer:   preprocess.New(cfg.MaxImagePixels),
		OCR:        d.engine,
		Store:      d.store,
		Matcher:    match.New(cfg.MatchThreshold),
		Language:   cfg.OCRLanguage,
		OCRTimeout: cfg.OCRTimeout,
		PDFDPI:     cfg.PDFDPI,
		MinWords:   cfg.MinWords,
		Observer:   s.observe,
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = p
	return s, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", withMethod("GET", s.handleMetrics))

	mux.HandleFunc("/{$}", withMethod("GET", s.handleList))

	bookInfo := s.withRateLimit(s.handleBookInfo)
	verifyPage := s.withRateLimit(s.withConcurrencyLimit(s.handleVerify))
	mux.HandleFunc("/book/{isbn}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			bookInfo(w, r)
		case http.MethodPost:
			verifyPage(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method must be GET or POST")
		}
	})

	createRef := s.withBasicAuth(s.withRateLimit(s.withConcurrencyLimit(s.handleCreateReference)))
	deleteRef := s.withBasicAuth(handleDeleteReference)
	newRoute := func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			createRef(w, r)
		case http.MethodDelete:
			deleteRef(w, r)
		default:
			w.Header().Set("Allow", "POST, DELETE")
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method must be POST or DELETE")
		}
	}
	mux.HandleFunc("/new/{$}", newRoute)
	mux.HandleFunc("/new/{isbn}", newRoute)

	return s.withLogging(withRecovery(mux))
}

// observe receives pipeline state transitions.
func (s *server) observe(e verify.Event) {
	switch e.State {
	case verify.StateCancelled:
		s.metrics.incCancelled()
	case verify.StateFailed:
		fmt.Printf("[verify] isbn=%d failed after %s: %s\n",
			e.ISBN, e.Elapsed.Round(time.Millisecond), s.sanitizeError(e.Err))
	}
}

// housekeeping periodically logs stats, forgets rate limiter state and sweeps
// scratch files that outlived every invocation.
func (s *server) housekeeping(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := s.metrics.get()
		fmt.Printf("[stats] active=%d total=%d goroutines=%d mem=%dMB\n",
			active, total, runtime.NumGoroutine(), m.Alloc/(1<<20))

		s.limiters.reset()

		n, err := s.scratch.Sweep(s.cfg.ScratchMaxAge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scratch sweep: %s\n", s.sanitizeError(err))
		}
		if n > 0 {
			fmt.Printf("[sweep] removed %d stale scratch files\n", n)
		}
	}
}

// ---------- Handlers ----------

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := s.metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := s.cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(s.cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	storeStatus := "ok"
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			storeStatus = "unreachable"
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"store":   storeStatus,
		"ocr":     s.ocrVersion,
		"version": version,
	})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := s.metrics.get()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"outcomes":       s.metrics.outcomeCounts(),
		"ocrCancelled":   s.metrics.cancelledCount(),
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	pubs, err := s.store.Identifiers(r.Context())
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, verify.KindStore.String(), "Reference store unavailable")
		return
	}
	if pubs == nil {
		pubs = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, types.PublicationList{Success: true, Publications: pubs})
}

func (s *server) handleBookInfo(w http.ResponseWriter, r *http.Request) {
	isbn, err := parseISBN(r.PathValue("isbn"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_isbn", err.Error())
		return
	}
	ref, err := s.store.Lookup(r.Context(), isbn)
	if err != nil {
		if store.IsMiss(err) {
			writeErr(w, http.StatusNotFound, verify.KindLookupMiss.String(), err.Error())
			return
		}
		writeErr(w, http.StatusServiceUnavailable, verify.KindStore.String(), "Reference store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, types.PublicationResult{
		Success: true,
		ISBN:    ref.ISBN,
		Title:   ref.Title,
		Page:    ref.Page,
	})
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	isbn, err := parseISBN(r.PathValue("isbn"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_isbn", err.Error())
		return
	}

	up, err := s.readUpload(w, r)
	if err != nil {
		status, code := uploadStatus(err)
		writeErr(w, status, code, s.sanitizeError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	res, err := s.pipeline.Verify(ctx, isbn, up)
	if err != nil {
		kind := verify.KindOf(err)
		s.metrics.recordOutcome(kind.String())
		status := verifyStatus(kind)
		msg := s.sanitizeError(err)
		if status == http.StatusInternalServerError {
			msg = "Internal server error"
		}
		writeErr(w, status, kind.String(), msg)
		return
	}

	s.metrics.recordOutcome(res.State.String())
	out := types.VerifyResult{
		Success:   true,
		Matched:   res.Matched(),
		Score:     res.Verdict.Score,
		ISBN:      res.ISBN,
		Page:      res.Page,
		Quality:   &res.Quality,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if !out.Matched && res.Quality.Illegible {
		out.Hint = illegibleHint
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateReference(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		status, code := uploadStatus(err)
		if errors.Is(err, verify.ErrMissingFields) {
			status, code = http.StatusForbidden, "missing_fields"
		}
		writeErr(w, status, code, s.sanitizeError(err))
		return
	}

	rawISBN := r.PathValue("isbn")
	if rawISBN == "" {
		rawISBN = r.FormValue("isbn")
	}
	isbn, errISBN := parseISBN(rawISBN)
	page, errPage := strconv.Atoi(strings.TrimSpace(r.FormValue("page")))
	if errISBN != nil || errPage != nil || page <= 0 {
		writeErr(w, http.StatusForbidden, "missing_fields", "isbn, page and file are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	ref, err := s.pipeline.CreateReference(ctx, isbn, page, up)
	if err != nil {
		if errors.Is(err, verify.ErrMissingFields) {
			writeErr(w, http.StatusForbidden, "missing_fields", err.Error())
			return
		}
		kind := verify.KindOf(err)
		status := verifyStatus(kind)
		msg := s.sanitizeError(err)
		if status == http.StatusInternalServerError {
			msg = "Internal server error"
		}
		writeErr(w, status, kind.String(), msg)
		return
	}

	fmt.Printf("[reference] isbn=%d page=%d lines=%d\n", ref.ISBN, ref.Page, len(ref.Lines))
	writeJSON(w, http.StatusCreated, types.ReferenceResult{
		Success:  true,
		ISBN:     ref.ISBN,
		Page:     ref.Page,
		Lines:    len(ref.Lines),
		Contents: format.Combine(ref.Lines, "\n", 0),
	})
}

func handleDeleteReference(w http.ResponseWriter, r *http.Request) {
	writeErr(w, http.StatusNotImplemented, "not_implemented", "Deleting reference pages is not supported")
}

// ---------- Helpers ----------

// readUpload parses the multipart body and returns the validated "file" part.
func (s *server) readUpload(w http.ResponseWriter, r *http.Request) (verify.Upload, error) {
	maxBytes := s.cfg.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return verify.Upload{}, fmt.Errorf("parse multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		return verify.Upload{}, fmt.Errorf("%w: file", verify.ErrMissingFields)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return verify.Upload{}, fmt.Errorf("read upload: %w", err)
	}

	up := verify.Upload{
		Filename:    filepath.Base(hdr.Filename),
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
	}
	if err := verify.ValidateUpload(up, verify.Limits{
		MaxBytes:          maxBytes,
		AllowedExtensions: s.cfg.AllowedExtensions,
	}); err != nil {
		return verify.Upload{}, err
	}
	return up, nil
}

func uploadStatus(err error) (int, string) {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe), errors.Is(err, multipart.ErrMessageTooLarge), errors.Is(err, verify.ErrUploadTooBig):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, verify.ErrExtension):
		return http.StatusBadRequest, "unsupported_type"
	case errors.Is(err, verify.ErrEmptyUpload):
		return http.StatusBadRequest, "empty_upload"
	case errors.Is(err, verify.ErrMissingFields):
		return http.StatusBadRequest, "missing_file"
	default:
		return http.StatusBadRequest, "bad_request"
	}
}

func verifyStatus(kind verify.Kind) int {
	switch kind {
	case verify.KindLookupMiss:
		return http.StatusNotFound
	case verify.KindPreprocess:
		return http.StatusUnprocessableEntity
	case verify.KindOCRFailed:
		return http.StatusBadGateway
	case verify.KindOCRUnavailable, verify.KindStore:
		return http.StatusServiceUnavailable
	case verify.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// parseISBN accepts digits with optional hyphens or spaces.
func parseISBN(s string) (int64, error) {
	clean := strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(s))
	if clean == "" {
		return 0, fmt.Errorf("isbn required")
	}
	n, err := strconv.ParseInt(clean, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid isbn %q", sanitizeLogString(s))
	}
	return n, nil
}

func (s *server) sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if s.scratch != nil {
		msg = strings.ReplaceAll(msg, s.scratch.Dir(), "[scratch]")
	}
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

// sanitizeLogString drops control characters and caps the length so client
// input cannot forge log lines.
func sanitizeLogString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if utf8.RuneCountInString(s) > 200 {
		s = string([]rune(s)[:200]) + "..."
	}
	return s
}

// writeJSON encodes into a buffer first. An unencodable value becomes a 500
// rather than a truncated body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode response: %v\n", err)
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"success":false,"error":"Internal server error","code":"internal_error"}` + "\n")
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorResult{Error: message, Code: code})
}

// ---------- Metrics ----------

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
	ocrCancelled  int64
	outcomes      map[string]int64
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{outcomes: make(map[string]int64)}
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}

func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}

func (m *serverMetrics) incCancelled() {
	m.mu.Lock()
	m.ocrCancelled++
	m.mu.Unlock()
}

func (m *serverMetrics) recordOutcome(label string) {
	m.mu.Lock()
	m.outcomes[label]++
	m.mu.Unlock()
}

func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

func (m *serverMetrics) cancelledCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ocrCancelled
}

func (m *serverMetrics) outcomeCounts() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.outcomes))
	for k, v := range m.outcomes {
		out[k] = v
	}
	return out
}
