package metrics

import "log/slog"

// DefaultThresholds are the stock SLO limits evaluated when no override is
// configured.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		"EDAReportGenerated": {P95: Float(10000), Groundedness: Float(0.9)},
		"EDAQueryAnswered":   {P95: Float(4000), Groundedness: Float(0.8)},
	}
}

// ResolveThresholds overlays a raw JSON override onto the defaults.
// Override entries replace default entries wholesale; a malformed override
// is logged and ignored.
func ResolveThresholds(raw string, logger *slog.Logger) map[string]Threshold {
	thresholds := DefaultThresholds()

	if raw == "" {
		return thresholds
	}

	overrides, err := ParseThresholds(raw)
	if err != nil {
		if logger != nil {
			logger.Warn("ignoring malformed SLO threshold override", slog.Any("error", err))
		}

		return thresholds
	}

	for name, limit := range overrides {
		thresholds[name] = limit
	}

	return thresholds
}
