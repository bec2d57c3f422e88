package bluetooth

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Features is the ordered, de-duplicated token list advertised by a peripheral
type Features []string

// DefaultFeatures is assumed whenever the descriptor cannot supply a value
func DefaultFeatures() Features {
	return Features{FeatureSimple}
}

// ParseFeatures splits a comma separated descriptor value
func ParseFeatures(value string) Features {
	var features Features
	seen := make(map[string]bool)
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		features = append(features, tok)
	}
	if len(features) == 0 {
		return DefaultFeatures()
	}
	return features
}

// Has reports whether token was advertised
func (f Features) Has(token string) bool {
	for _, t := range f {
		if t == token {
			return true
		}
	}
	return false
}

func (f Features) String() string {
	return strings.Join(f, ",")
}

// SelectVariant maps a feature set to the handler a connection uses
func SelectVariant(f Features) Variant {
	if f.Has(FeatureProtocol) {
		return VariantFramed
	}
	return VariantRaw
}

// FeatureReader reads the raw feature descriptor
type FeatureReader interface {
	ReadFeatures(ctx context.Context) (string, error)
}

// ProbeFeatures reads the feature descriptor within timeout. Read errors,
// timeouts and empty values all fall back to DefaultFeatures.
func ProbeFeatures(ctx context.Context, r FeatureReader, timeout time.Duration, log *zap.Logger) Features {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultFeatureProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := r.ReadFeatures(probeCtx)
		done <- result{value, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			log.Info("feature descriptor unreadable, using defaults", zap.Error(res.err))
			return DefaultFeatures()
		}
		features := ParseFeatures(res.value)
		log.Info("feature descriptor read", zap.String("value", res.value), zap.Stringer("features", features))
		return features
	case <-probeCtx.Done():
		log.Info("feature probe timed out, using defaults", zap.Duration("timeout", timeout))
		return DefaultFeatures()
	}
}
