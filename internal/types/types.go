package types

import (
	"github.com/toricodesthings/page-verification-service/internal/quality"
	"github.com/toricodesthings/page-verification-service/internal/store"
)

// ── Verification ─────────────────────────────────────────────────────────────

type VerifyResult struct {
	Success   bool            `json:"success"`
	Matched   bool            `json:"matched"`
	Score     float64         `json:"score"`
	ISBN      int64           `json:"isbn"`
	Page      int             `json:"page"`
	Quality   *quality.Report `json:"quality,omitempty"`
	Hint      string          `json:"hint,omitempty"`
	ElapsedMS int64           `json:"elapsedMs"`
}

// ErrorResult is the body of every non-2xx response.
type ErrorResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// ── Publications ─────────────────────────────────────────────────────────────

type PublicationList struct {
	Success      bool            `json:"success"`
	Publications []store.Summary `json:"publications"`
}

type PublicationResult struct {
	Success bool   `json:"success"`
	ISBN    int64  `json:"isbn"`
	Title   string `json:"title,omitempty"`
	Page    int    `json:"page"`
}

// ── Reference creation ───────────────────────────────────────────────────────

type ReferenceResult struct {
	Success  bool   `json:"success"`
	ISBN     int64  `json:"isbn"`
	Page     int    `json:"page"`
	Lines    int    `json:"lines"`
	Contents string `json:"contents"`
}
