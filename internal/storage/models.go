package storage

import "time"

// Ingestion outcomes for a submitted publication
type IngestStatus string

const (
	IngestNew       IngestStatus = "new"
	IngestDuplicate IngestStatus = "duplicate"
	IngestRejected  IngestStatus = "rejected"
)

// Account states walked by the crawl engine
const (
	AccountVisited    = "visited"
	AccountSeen       = "seen"
	AccountExpanded   = "expanded"
	AccountProcessed  = "processed"
	AccountAggregated = "aggregated"
	AccountSkipped    = "skipped"
)

// Trust path kinds
const (
	PathPrimary  = "primary"
	PathExtended = "extended"
)

// Endorsement retrieval states
const (
	EndorsementToRetrieve = "to-retrieve"
	EndorsementRetrieved  = "retrieved"
	EndorsementDiscarded  = "discarded"
)

// List load states
const (
	ListLoading = "loading"
	ListLoaded  = "loaded"
)

// Server status values reported via server-info
const (
	StatusLaunching = "launching"
	StatusLoading   = "loading"
	StatusReady     = "ready"
	StatusUpdating  = "updating"
	StatusHanging   = "hanging"
)

// Publication is a stored nanopublication row
type Publication struct {
	ArtifactCode string
	FullID       string
	Type         string
	Agent        string
	Pubkey       string
	PubkeyHash   string
	Sequence     int64
	Raw          []byte
	CreatedAt    time.Time
}

// Invalidation records that one publication declared another void
type Invalidation struct {
	InvalidatingArtifact string
	InvalidatingKeyHash  string
	InvalidatedArtifact  string
}

// ListEntry is one position in a typed, checksum-verified append log
type ListEntry struct {
	PubkeyHash   string
	TypeHash     string
	Position     int64
	ArtifactCode string
	Checksum     string // running list checksum after this append
	Invalidated  bool
}

// Account is an (agent, pubkey) pair discovered during a crawl generation
type Account struct {
	Agent      string
	PubkeyHash string
	Depth      int
	Status     string
	Ratio      float64
	PathCount  int
}

// TrustEdge is a directed endorsement link between two accounts
type TrustEdge struct {
	FromAgent      string
	FromPubkeyHash string
	ToAgent        string
	ToPubkeyHash   string
	SourceArtifact string
	Invalidated    bool
}

// TrustPath is one endorsement chain from the trust root to an account
type TrustPath struct {
	ID         string
	Agent      string
	PubkeyHash string
	Depth      int
	Ratio      float64
	SortHash   string
	Kind       string
}

// Endorsement is a pending or settled introduction retrieval
type Endorsement struct {
	ID             int64
	Agent          string
	PubkeyHash     string
	SourceArtifact string
	Target         string
	Status         string
}

// AgentAggregate is the per-agent roll-up over processed accounts
type AgentAggregate struct {
	Agent        string
	AccountCount int
	AvgPathCount float64
	TotalRatio   float64
}

// Task is one pending unit of crawl work in the durable queue
type Task struct {
	ID        int64
	NotBefore time.Time
	Action    string
	Depth     int
	LoadCount int
	Params    string
}

// Metrics tracks registry statistics for export on exit
type Metrics struct {
	StartTime            time.Time `json:"start_time"`
	EndTime              time.Time `json:"end_time"`
	PublicationsIngested int       `json:"publications_ingested"`
	PublicationsRejected int       `json:"publications_rejected"`
	Duplicates           int       `json:"duplicates"`
	AccountsDiscovered   int       `json:"accounts_discovered"`
	EdgesRecorded        int       `json:"edges_recorded"`
	FetchesSucceeded     int       `json:"fetches_succeeded"`
	FetchesFailed        int       `json:"fetches_failed"`
	TasksExecuted        int       `json:"tasks_executed"`
	TerminationReason    string    `json:"termination_reason"`
}
