package api

import (
	"time"

	"perp-arb/internal/health"
	"perp-arb/internal/quarantine"
)

// StatusProvider is implemented by the engine; the server only reads.
type StatusProvider interface {
	Status() Status
}

// Status is the engine snapshot served at /api/status.
type Status struct {
	StartedAt  time.Time          `json:"started_at"`
	Uptime     string             `json:"uptime"`
	DryRun     bool               `json:"dry_run"`
	Symbols    []string           `json:"symbols"`
	Venues     []VenueStatus      `json:"venues"`
	Quarantine []QuarantineStatus `json:"quarantine"`
	Trades     TradeStats         `json:"trades"`
}

// VenueStatus is one venue's connection health.
type VenueStatus struct {
	Venue        string `json:"venue"`
	Healthy      int    `json:"healthy_symbols"`
	Total        int    `json:"total_symbols"`
	MinStaleness string `json:"min_staleness"`
	MaxStaleness string `json:"max_staleness"`
	Reconnects   int    `json:"reconnects"`
	Degraded     bool   `json:"degraded"`
}

// QuarantineStatus is one symbol's quarantine record.
type QuarantineStatus struct {
	Symbol    string    `json:"symbol"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	GridLevel string    `json:"grid_level,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Pending   int       `json:"pending_probes"`
}

// TradeStats aggregates executor outcomes since start.
type TradeStats struct {
	Success            int `json:"success"`
	Failed             int `json:"failed"`
	ManualIntervention int `json:"manual_intervention"`
}

// VenueStatusFrom converts a health report.
func VenueStatusFrom(r health.Report) VenueStatus {
	return VenueStatus{
		Venue:        string(r.Venue),
		Healthy:      r.Healthy,
		Total:        r.Total,
		MinStaleness: r.MinStaleness.String(),
		MaxStaleness: r.MaxStaleness.String(),
		Reconnects:   r.Reconnects,
		Degraded:     r.Degraded,
	}
}

// QuarantineStatusFrom converts a manager state.
func QuarantineStatusFrom(st quarantine.State) QuarantineStatus {
	return QuarantineStatus{
		Symbol:    string(st.Symbol),
		Status:    string(st.Status),
		Reason:    st.Reason,
		GridLevel: st.GridLevel,
		UpdatedAt: st.UpdatedAt,
		Pending:   len(st.ProbePending),
	}
}
