package contracts

// Freshness classifies how far behind the restore index is for a partition.
type Freshness string

const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessStale   Freshness = "stale"
	FreshnessUnknown Freshness = "unknown"
)

// Executability is the gate verdict derived from freshness and plan state.
type Executability string

const (
	ExecutabilityExecutable  Executability = "executable"
	ExecutabilityPreviewOnly Executability = "preview_only"
	ExecutabilityBlocked     Executability = "blocked"
)

// Watermark is the per-partition indexed-through state of the restore index.
// Freshness, Executability and ReasonCode are always oracle-derived; values
// supplied by callers on incoming watermarks are discarded.
type Watermark struct {
	TenantID             string        `json:"tenant_id"`
	InstanceID           string        `json:"instance_id"`
	Source               string        `json:"source"`
	Topic                string        `json:"topic"`
	Partition            int           `json:"partition"`
	GenerationID         string        `json:"generation_id"`
	IndexedThroughOffset string        `json:"indexed_through_offset"`
	IndexedThroughTime   string        `json:"indexed_through_time"`
	CoverageStart        string        `json:"coverage_start"`
	CoverageEnd          string        `json:"coverage_end"`
	MeasuredAt           string        `json:"measured_at"`
	Freshness            Freshness     `json:"freshness"`
	Executability        Executability `json:"executability"`
	ReasonCode           ReasonCode    `json:"reason_code"`
}

// PartitionRef identifies a (topic, partition) the gate must consult.
type PartitionRef struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
}

// Gate is the pair that decides whether a plan may be executed now.
type Gate struct {
	Executability Executability `json:"executability"`
	ReasonCode    ReasonCode    `json:"reason_code"`
}
