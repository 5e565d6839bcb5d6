package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostUsage is CPU and RAM usage in percent
type hostUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
}

type hostSampler func() hostUsage

// sampleHost reads host usage. Failures report zero rather than failing the
// status call.
func sampleHost() hostUsage {
	var u hostUsage
	// 100ms keeps /status responsive
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		u.RAMPercent = vm.UsedPercent
	}
	return u
}

type strategyStatus struct {
	ID         string `json:"id"`
	Allocated  string `json:"allocated"`
	Cap        string `json:"cap"`
	RatePct    string `json:"rate_pct"`
	Deprecated bool   `json:"deprecated"`
}

type statusResponse struct {
	State         string           `json:"state"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Deposits      map[string]int   `json:"deposits"`
	Invested      string           `json:"invested"`
	Pending       string           `json:"pending"`
	Payable       string           `json:"payable"`
	Treasury      string           `json:"treasury"`
	APYPct        string           `json:"apy_pct"`
	Rebalancing   bool             `json:"rebalancing"`
	LastRebalance *time.Time       `json:"last_rebalance,omitempty"`
	Strategies    []strategyStatus `json:"strategies"`
	Jobs          []string         `json:"jobs,omitempty"`
	Host          hostUsage        `json:"host"`
}

// handleHealth handles liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "vaultledger",
	})
}

// handleStatus reports ledger totals, strategies and host usage
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Ledger == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger not loaded"})
		return
	}

	stats := s.cfg.Ledger.Stats()
	resp := statusResponse{
		State:         string(stats.State),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Deposits:      make(map[string]int, len(stats.Deposits)),
		Invested:      stats.Invested.Dec(),
		Pending:       stats.Pending.Dec(),
		Payable:       stats.Payable.Dec(),
		Treasury:      stats.Treasury.Dec(),
		APYPct:        fixedpoint.FormatRatePercent(stats.APY),
		Rebalancing:   stats.Rebalance.InProgress,
		Host:          s.host(),
	}
	if !stats.Rebalance.LastRebalanceAt.IsZero() {
		at := stats.Rebalance.LastRebalanceAt
		resp.LastRebalance = &at
	}
	for status, n := range stats.Deposits {
		resp.Deposits[string(status)] = n
	}
	for _, st := range s.cfg.Ledger.Strategies() {
		resp.Strategies = append(resp.Strategies, strategyStatus{
			ID:         st.ID,
			Allocated:  st.Allocated.Dec(),
			Cap:        st.CapAbsolute.Dec(),
			RatePct:    fixedpoint.FormatRatePercent(st.RateWad),
			Deprecated: st.Deprecated,
		})
	}
	sort.Slice(resp.Strategies, func(i, j int) bool { return resp.Strategies[i].ID < resp.Strategies[j].ID })
	if s.cfg.Jobs != nil {
		resp.Jobs = s.cfg.Jobs.Jobs()
		sort.Strings(resp.Jobs)
	}

	s.writeJSON(w, http.StatusOK, resp)
}
