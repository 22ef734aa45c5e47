package types

import (
	"strconv"
	"strings"
	"time"
)

// Protocol is one proxy protocol an endpoint advertises
type Protocol string

const (
	ProtocolHTTP   Protocol = "Http"
	ProtocolHTTPS  Protocol = "Https"
	ProtocolSocks4 Protocol = "Socks4"
	ProtocolSocks5 Protocol = "Socks5"
)

const Unknown = "Unknown"

// ParseProtocol maps loose spellings ("HTTP", "socks5", "https ") to a Protocol
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return ProtocolHTTP, true
	case "https":
		return ProtocolHTTPS, true
	case "socks4", "socks4a":
		return ProtocolSocks4, true
	case "socks5", "socks5h", "socks":
		return ProtocolSocks5, true
	default:
		return "", false
	}
}

// SpeedTier is the latency bucket of an alive endpoint
type SpeedTier string

const (
	SpeedFast SpeedTier = "fast"
	SpeedGood SpeedTier = "good"
	SpeedSlow SpeedTier = "slow"
)

// Endpoint is a candidate proxy after ingest normalization
type Endpoint struct {
	Address   string     `json:"ip"`
	Port      int        `json:"port"`
	Protocols []Protocol `json:"protocols"`
	Source    string     `json:"source"`
	Country   string     `json:"country"`
	Anonymity string     `json:"anonymity"`
}

// Key is the identity of an endpoint within a pipeline run
func (e Endpoint) Key() string {
	return e.Address + ":" + strconv.Itoa(e.Port)
}

// ProtocolString renders the protocol set as "Http, Socks5", or "Unknown" when empty
func (e Endpoint) ProtocolString() string {
	if len(e.Protocols) == 0 {
		return Unknown
	}
	parts := make([]string, len(e.Protocols))
	for i, p := range e.Protocols {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

// CheckResult is an endpoint after a liveness probe
type CheckResult struct {
	Endpoint
	Alive       bool      `json:"alive"`
	LatencyMs   int64     `json:"latency_ms,omitempty"`
	Quality     int       `json:"quality,omitempty"`
	Speed       SpeedTier `json:"speed,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	Error       string    `json:"error,omitempty"`
}

// SourceStats describes the outcome of one source fetch
type SourceStats struct {
	Name         string `json:"name"`
	ProxiesFound int    `json:"proxies_found"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// Stats holds aggregate counts over a snapshot
type Stats struct {
	TotalChecked int                    `json:"total_checked"`
	TotalAlive   int                    `json:"total_alive"`
	TotalDead    int                    `json:"total_dead"`
	Elite        int                    `json:"elite"`
	Normal       int                    `json:"normal"`
	Speed        map[SpeedTier]int      `json:"speed"`
	Countries    map[string]int         `json:"countries"`
	Protocols    map[string]int         `json:"protocols"`
	SourceStats  map[string]SourceStats `json:"source_stats,omitempty"`
}

// Snapshot is a published, immutable view of the pool
type Snapshot struct {
	Proxies     []CheckResult `json:"proxies"`
	Elite       []CheckResult `json:"elite"`
	Normal      []CheckResult `json:"normal"`
	Stats       Stats         `json:"stats"`
	LastRefresh time.Time     `json:"last_refresh"`
	LastCheck   time.Time     `json:"last_check"`
	Updated     time.Time     `json:"updated"`
}

// Phase is the current step of a pipeline run
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseFetching      Phase = "fetching"
	PhaseDeduplicating Phase = "deduplicating"
	PhaseChecking      Phase = "checking"
	PhaseDone          Phase = "done"
)

// Pipeline names the two independently single-flighted run types
type Pipeline string

const (
	PipelineRefresh Pipeline = "refresh"
	PipelineCheck   Pipeline = "check"
)

// Progress is the externally pollable state of one pipeline
type Progress struct {
	Phase     Phase     `json:"phase"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Running   bool      `json:"running"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}
