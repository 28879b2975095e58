// Package sensor provides the headset reading model, the shared latest-reading
// store and the polling loop that feeds it.
package sensor

import (
	"context"
	"errors"
	"fmt"
)

// ErrSource is returned (wrapped) by sources when a read fails transiently,
// e.g. the headset link dropped.
var ErrSource = errors.New("sensor source error")

// rawScale is the full-scale value of attention/meditation as reported by the headset.
const rawScale = 100.0

// RawPoint is one sample as delivered by a source, on the source's own scale.
type RawPoint struct {
	Attention  float64
	Meditation float64
	OnHead     bool
	PoorSignal int
}

// Source delivers raw points. ReadNext blocks until a point is available.
type Source interface {
	ReadNext(ctx context.Context) (RawPoint, error)
}

// Reading is a normalized sample. Values are never mutated after publish.
type Reading struct {
	Attention     float64 `json:"attention"`
	Meditation    float64 `json:"meditation"`
	WornProperly  bool    `json:"worn_properly"`
	SignalQuality int     `json:"signal_quality"`
}

// Normalize scales a raw point into [0,1]. Out of range values are clamped.
func Normalize(p RawPoint) Reading {
	return Reading{
		Attention:     clamp(p.Attention / rawScale),
		Meditation:    clamp(p.Meditation / rawScale),
		WornProperly:  p.OnHead,
		SignalQuality: p.PoorSignal,
	}
}

func (r Reading) String() string {
	return fmt.Sprintf("Attn: %.2f, Med: %.2f, PoorSignal: %d", r.Attention, r.Meditation, r.SignalQuality)
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
