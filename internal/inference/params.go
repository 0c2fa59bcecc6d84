// ABOUTME: Sampling parameters derived from a user's stored settings
// ABOUTME: Carried to engines through the request context

package inference

import (
	"context"
	"math"

	"github.com/2389/jarvis-gateway/internal/store"
)

// Params are the generation knobs an engine may honour. Zero values mean
// "backend default".
type Params struct {
	Temperature       float64
	TopK              int
	RepetitionPenalty float64
	MaxNewTokens      int
}

// ParamsFromSettings reads the known keys of a settings document. Values of
// the wrong type are ignored. Numbers decoded from JSON arrive as float64.
func ParamsFromSettings(settings map[string]any) Params {
	var p Params
	if v, ok := number(settings[store.SettingTemperature]); ok && v >= 0 {
		p.Temperature = v
	}
	if v, ok := number(settings[store.SettingTopK]); ok && v > 0 {
		p.TopK = int(math.Round(v))
	}
	if v, ok := number(settings[store.SettingRepetitionPenalty]); ok && v > 0 {
		p.RepetitionPenalty = v
	}
	if v, ok := number(settings[store.SettingMaxNewTokens]); ok && v > 0 {
		p.MaxNewTokens = int(math.Round(v))
	}
	return p
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

type paramsKey struct{}

// WithParams returns a context carrying p.
func WithParams(ctx context.Context, p Params) context.Context {
	return context.WithValue(ctx, paramsKey{}, p)
}

// ParamsFromContext returns the params stored by WithParams, or the zero value.
func ParamsFromContext(ctx context.Context) Params {
	p, _ := ctx.Value(paramsKey{}).(Params)
	return p
}
