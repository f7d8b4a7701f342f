package protocol

// ---- Server -> Agent ----

// ServerHandshakeAck responds to AgentHandshake. On success it carries the
// resolved effective config; on failure AuthenticationSuccessful is false
// and ErrorMessage explains why.
type ServerHandshakeAck struct {
	AuthenticationSuccessful bool            `json:"authentication_successful"`
	ErrorMessage             string          `json:"error_message,omitempty"`
	InitialConfig            *EffectiveConfig `json:"initial_config,omitempty"`
}

// UpdateConfigRequest pushes a freshly resolved effective config.
type UpdateConfigRequest struct {
	ConfigVersionID string          `json:"config_version_id"`
	NewConfig       EffectiveConfig `json:"new_config"`
}

// CommandRequest is a single ad-hoc command (not part of a batch).
type CommandRequest struct {
	RequestID        string `json:"request_id"`
	Content           string `json:"content"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// BatchAgentCommandRequest dispatches one child command of a batch to the
// agent that owns it.
type BatchAgentCommandRequest struct {
	ChildUUID        string `json:"child_uuid"`
	Type             string `json:"type"`
	Content          string `json:"content"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// BatchTerminateCommandRequest asks the agent to cancel a running child.
type BatchTerminateCommandRequest struct {
	ChildUUID string `json:"child_uuid"`
}

// TriggerUpdateCheck is an empty-payload control message; the agent's
// receiving side (the self-update downloader) is external, so the session
// layer's only job is to deliver it.
type TriggerUpdateCheck struct{}

// ---- Agent -> Server ----

// AgentHandshake must be the first message on a new connection.
type AgentHandshake struct {
	HostID      int64  `json:"host_id"`
	AgentSecret string `json:"agent_secret"`
	OS          string `json:"os,omitempty"`
	Arch        string `json:"arch,omitempty"`
	CPUBrand    string `json:"cpu_brand,omitempty"`
	CPUCores    int    `json:"cpu_cores,omitempty"`
	MemoryTotal uint64 `json:"memory_total_bytes,omitempty"`
	IP          string `json:"ip,omitempty"`
}

// Heartbeat carries only the agent's send time; its arrival advances last-seen.
type Heartbeat struct {
	SentAt UnixMillis `json:"sent_at"`
}

// PerformanceSample is one point-in-time reading of a host's vitals.
type PerformanceSample struct {
	Time            UnixMillis `json:"time"`
	CPUPercent      float64    `json:"cpu_percent"`
	MemUsed         uint64     `json:"mem_used"`
	MemTotal        uint64     `json:"mem_total"`
	SwapUsed        uint64     `json:"swap_used"`
	SwapTotal       uint64     `json:"swap_total"`
	DiskIORdBps     uint64     `json:"disk_io_rd_bps"`
	DiskIOWrBps     uint64     `json:"disk_io_wr_bps"`
	NetRxCum        uint64     `json:"net_rx_cum"`
	NetTxCum        uint64     `json:"net_tx_cum"`
	NetRxBps        uint64     `json:"net_rx_bps"`
	NetTxBps        uint64     `json:"net_tx_bps"`
	UptimeSeconds   uint64     `json:"uptime_s"`
	Procs           uint32     `json:"procs"`
	RunningProcs    uint32     `json:"running_procs"`
	TCPEstablished  uint32     `json:"tcp_established"`
	DiskUsed        uint64     `json:"disk_used"`
	DiskTotal       uint64     `json:"disk_total"`
}

// PerformanceSnapshotBatch carries one or more samples in one wire message.
type PerformanceSnapshotBatch struct {
	Samples []PerformanceSample `json:"samples"`
}

// DockerInfoBatch and GenericMetricsBatch are accepted as opaque
// passthrough payloads; persistence is a pluggable sink.
type DockerInfoBatch struct {
	Time UnixMillis      `json:"time"`
	Raw  map[string]any `json:"raw"`
}

type GenericMetricsBatch struct {
	Time   UnixMillis      `json:"time"`
	Source string          `json:"source"`
	Raw    map[string]any `json:"raw"`
}

// UpdateConfigResponse acknowledges an UpdateConfigRequest.
type UpdateConfigResponse struct {
	ConfigVersionID string `json:"config_version_id"`
	Success         bool   `json:"success"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// CommandResponse answers a CommandRequest.
type CommandResponse struct {
	RequestID    string `json:"request_id"`
	ExitCode     int    `json:"exit_code"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// BatchCommandOutputStream carries one chunk of live stdout/stderr for a
// child command.
type BatchCommandOutputStream struct {
	ChildUUID  string     `json:"child_uuid"`
	StreamType string     `json:"stream_type"` // "stdout" | "stderr"
	Chunk      string     `json:"chunk"`
	Time       UnixMillis `json:"time"`
}

// BatchCommandResult is the terminal event for a child command.
type BatchCommandResult struct {
	ChildUUID    string `json:"child_uuid"`
	Status       string `json:"status"`
	ExitCode     int    `json:"exit_code"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ServiceMonitorResult is one probe outcome from the agent-side scheduler.
type ServiceMonitorResult struct {
	MonitorID int64      `json:"monitor_id"`
	AgentID   int64      `json:"agent_id"`
	IsUp      bool       `json:"is_up"`
	LatencyMs int64      `json:"latency_ms"`
	Details   string     `json:"details,omitempty"`
	Time      UnixMillis `json:"time"`
}

// ---- Effective config shared by UpdateConfigRequest / ServerHandshakeAck ----

// ServiceMonitorTask is the agent-facing projection of a ServiceMonitor
// assignment.
type ServiceMonitorTask struct {
	MonitorID        int64  `json:"monitor_id"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	Target           string `json:"target"`
	FrequencySeconds int    `json:"frequency_seconds"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	MonitorConfig    string `json:"monitor_config,omitempty"`
}

// EffectiveConfig is the merged config pushed to an agent.
type EffectiveConfig struct {
	HeartbeatIntervalSeconds int                  `json:"heartbeat_interval_seconds"`
	FeatureFlags             map[string]bool      `json:"feature_flags"`
	ServiceMonitorTasks      []ServiceMonitorTask `json:"service_monitor_tasks"`
	ReportIntervalSeconds    int                  `json:"report_interval_seconds,omitempty"`
	ExtraSettings            map[string]string    `json:"extra_settings,omitempty"`
}
