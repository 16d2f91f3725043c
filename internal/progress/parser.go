// Package progress turns worker output lines into model.Progress values.
//
// Workers speak a line protocol: one JSON object per stdout line, with a
// "type" discriminator. Older workers print free text instead, so anything
// that is not a well formed record falls back to a plain progress event
// carrying the raw line. Parse never fails.
package progress

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/telesearch/telesearch/internal/model"
)

// LegacyCountMarker marks free-text lines reporting a collected count,
// e.g. "Collected 42 messages".
const LegacyCountMarker = "Collected"

type record struct {
	Type       string   `json:"type"`
	Message    *string  `json:"message"`
	Current    *int64   `json:"current"`
	Total      *int64   `json:"total"`
	Percentage *int     `json:"percentage"`
	ElapsedSec *int64   `json:"elapsed_sec"`
	EtaSec     *int64   `json:"eta_sec"`
	Rate       *float64 `json:"rate"`
	RolledBack *int64   `json:"rolled_back"`
}

var statuses = map[string]model.Status{
	"complete":     model.StatusCompleted,
	"cancelled":    model.StatusCancelled,
	"error":        model.StatusError,
	"rolling_back": model.StatusRollingBack,
	"cancelling":   model.StatusCancelling,
	"start":        model.StatusStart,
	"info":         model.StatusInfo,
}

// Parse converts one line of worker stdout into a progress event.
func Parse(line string, kind model.Kind) model.Progress {
	if p, ok := Structured(line, kind); ok {
		return p
	}
	return Legacy(line)
}

// Structured decodes a JSON progress record. It returns false when the line
// is not a JSON object or a field has an unexpected type.
func Structured(line string, kind model.Kind) (model.Progress, bool) {
	b := bytes.TrimSpace([]byte(line))
	if len(b) == 0 || b[0] != '{' {
		return model.Progress{}, false
	}
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return model.Progress{}, false
	}

	status, ok := statuses[r.Type]
	if !ok {
		status = model.StatusProgress
	}
	p := model.Progress{
		Status:     status,
		Current:    r.Current,
		Total:      r.Total,
		Percentage: r.Percentage,
		ElapsedSec: r.ElapsedSec,
		EtaSec:     r.EtaSec,
		RolledBack: r.RolledBack,
	}
	if r.Message != nil {
		p.Message = *r.Message
	}
	if kind == model.KindIndexing {
		p.Rate = r.Rate
	}
	return p, true
}

// Legacy builds a progress event out of a free-text line.
func Legacy(line string) model.Progress {
	p := model.Progress{
		Status:  model.StatusProgress,
		Message: line,
	}
	if !strings.Contains(line, LegacyCountMarker) {
		return p
	}
	for _, field := range strings.Fields(line) {
		if n, err := strconv.ParseInt(field, 10, 64); err == nil {
			p.Current = &n
			break
		}
	}
	return p
}
