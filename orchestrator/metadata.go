package orchestrator

import "github.com/oakmoss/conductor/protocol"

// SessionMetadata aggregates billing and progress counters across turns.
// Token counts are snapshots replaced by each result; duration, turn count
// and cost accumulate.
type SessionMetadata struct {
	Model         string  `json:"model,omitempty"`
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	ContextWindow int     `json:"contextWindow,omitempty"`
	TotalCostUSD  float64 `json:"totalCostUsd"`
	DurationMs    int64   `json:"durationMs"`
	NumTurns      int     `json:"numTurns"`
}

// ApplyResult folds a turn result into the metadata. When a per-model
// usage map is present it is authoritative for token counts over the flat
// usage block.
func (m *SessionMetadata) ApplyResult(res *protocol.ResultMessage) {
	m.TotalCostUSD += res.TotalCostUSD
	m.DurationMs += res.DurationMs
	m.NumTurns += res.NumTurns

	if len(res.ModelUsage) > 0 {
		var in, out, window int
		for _, usage := range res.ModelUsage {
			in += usage.InputTokens
			out += usage.OutputTokens
			if usage.ContextWindow > window {
				window = usage.ContextWindow
			}
		}
		m.InputTokens = in
		m.OutputTokens = out
		if window > 0 {
			m.ContextWindow = window
		}
		return
	}
	m.InputTokens = res.Usage.InputTokens
	m.OutputTokens = res.Usage.OutputTokens
}
