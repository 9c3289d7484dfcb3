package models

// ReconRunState is the lifecycle of a reconciliation run. A run moves forward
// only; COMPLETED and FAILED are terminal.
type ReconRunState string

const (
	ReconRunStateSyncing     ReconRunState = "SYNCING"
	ReconRunStateMatching    ReconRunState = "MATCHING"
	ReconRunStateProposing   ReconRunState = "PROPOSING"
	ReconRunStateAutoLinking ReconRunState = "AUTO_LINKING"
	ReconRunStateCompleted   ReconRunState = "COMPLETED"
	ReconRunStateFailed      ReconRunState = "FAILED"
)

const (
	RunTriggeredManual   = "manual"
	RunTriggeredSchedule = "schedule"
	RunTriggeredRetry    = "retry"
	RunTriggeredSystem   = "system"
)

type ProposalStatus string

const (
	ProposalStatusPending    ProposalStatus = "PENDING"
	ProposalStatusAccepted   ProposalStatus = "ACCEPTED"
	ProposalStatusRejected   ProposalStatus = "REJECTED"
	ProposalStatusAutoLinked ProposalStatus = "AUTO_LINKED"
	ProposalStatusSuperseded ProposalStatus = "SUPERSEDED"
)

type DocumentStatus string

const (
	DocumentStatusPending     DocumentStatus = "PENDING"
	DocumentStatusProposed    DocumentStatus = "PROPOSED"
	DocumentStatusLinked      DocumentStatus = "LINKED"
	DocumentStatusQuarantined DocumentStatus = "QUARANTINED"
	DocumentStatusIgnored     DocumentStatus = "IGNORED"
)

// LinkMethod records how a linkage came to exist.
type LinkMethod string

const (
	LinkMethodAuto      LinkMethod = "AUTO"
	LinkMethodManual    LinkMethod = "MANUAL"
	LinkMethodConfirmed LinkMethod = "CONFIRMED"
	LinkMethodCreated   LinkMethod = "CREATED"
)

// DecisionSource names who made a linking decision. ADVISORY is only valid
// when an independent rule or a human corroborated the suggestion.
type DecisionSource string

const (
	DecisionSourceRules    DecisionSource = "RULES"
	DecisionSourceAdvisory DecisionSource = "ADVISORY"
	DecisionSourceUser     DecisionSource = "USER"
	DecisionSourceAuto     DecisionSource = "AUTO"
)

// LedgerWriteAction is the write performed against the ledger for an
// interpretation, recorded in the audit trail.
type LedgerWriteAction string

const (
	LedgerWriteActionNone          LedgerWriteAction = "NONE"
	LedgerWriteActionCreate        LedgerWriteAction = "CREATE"
	LedgerWriteActionUpdateLinkage LedgerWriteAction = "UPDATE_LINKAGE"
)

type AdvisoryJobStatus string

const (
	AdvisoryJobStatusQueued  AdvisoryJobStatus = "QUEUED"
	AdvisoryJobStatusRunning AdvisoryJobStatus = "RUNNING"
	AdvisoryJobStatusDone    AdvisoryJobStatus = "DONE"
	AdvisoryJobStatusFailed  AdvisoryJobStatus = "FAILED"
)
