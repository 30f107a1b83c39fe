package events

// EventData is the interface that all typed event payloads implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// ArenaRunStartedData contains data for ArenaRunStarted events
type ArenaRunStartedData struct {
	HarnessID   string   `json:"harness_id"`
	HarnessType string   `json:"harness_type"`
	Models      []string `json:"models"`
	IsReplay    bool     `json:"is_replay"`
}

// EventType returns the event type for ArenaRunStartedData
func (d *ArenaRunStartedData) EventType() EventType {
	return ArenaRunStarted
}

// ArenaModelCompletedData contains data for ArenaModelCompleted events
type ArenaModelCompletedData struct {
	HarnessID string `json:"harness_id"`
	ModelName string `json:"model_name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
}

// EventType returns the event type for ArenaModelCompletedData
func (d *ArenaModelCompletedData) EventType() EventType {
	return ArenaModelCompleted
}

// ArenaRunCompletedData contains data for ArenaRunCompleted events
type ArenaRunCompletedData struct {
	HarnessID string `json:"harness_id"`
	OKCount   int    `json:"ok_count"`
	Failed    int    `json:"failed_count"`
	IsReplay  bool   `json:"is_replay"`
}

// EventType returns the event type for ArenaRunCompletedData
func (d *ArenaRunCompletedData) EventType() EventType {
	return ArenaRunCompleted
}

// DecisionRecordedData contains data for DecisionRecorded events
type DecisionRecordedData struct {
	HarnessID     string `json:"harness_id"`
	DecisionLogID string `json:"decision_log_id"`
	UserAction    string `json:"user_action"`
}

// EventType returns the event type for DecisionRecordedData
func (d *DecisionRecordedData) EventType() EventType {
	return DecisionRecorded
}

// ExecutionCompletedData contains data for ExecutionCompleted events
type ExecutionCompletedData struct {
	DecisionLogID string `json:"decision_log_id"`
	Status        string `json:"status"`
	Submitted     int    `json:"submitted"`
	Failed        int    `json:"failed"`
}

// EventType returns the event type for ExecutionCompletedData
func (d *ExecutionCompletedData) EventType() EventType {
	return ExecutionCompleted
}

// CounterfactualsSweptData contains data for CounterfactualsSwept events
type CounterfactualsSweptData struct {
	Records int `json:"records"`
}

// EventType returns the event type for CounterfactualsSweptData
func (d *CounterfactualsSweptData) EventType() EventType {
	return CounterfactualsSwept
}

// PriceUpdatedData contains data for PriceUpdated events
type PriceUpdatedData struct {
	Updated int      `json:"updated"`
	Failed  []string `json:"failed,omitempty"`
}

// EventType returns the event type for PriceUpdatedData
func (d *PriceUpdatedData) EventType() EventType {
	return PriceUpdated
}

// MarketQuoteData contains data for MarketQuote events from the live stream
type MarketQuoteData struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// EventType returns the event type for MarketQuoteData
func (d *MarketQuoteData) EventType() EventType {
	return MarketQuote
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ScheduleTriggeredData contains data for ScheduleTriggered events
type ScheduleTriggeredData struct {
	ScheduleID string `json:"schedule_id"`
	Name       string `json:"name"`
	JobType    string `json:"job_type"`
	Manual     bool   `json:"manual"`
}

// EventType returns the event type for ScheduleTriggeredData
func (d *ScheduleTriggeredData) EventType() EventType {
	return ScheduleTriggered
}
