package config

import "time"

// Config is the root configuration for the steward daemon.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Events    EventsConfig    `json:"events"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Approvals ApprovalsConfig `json:"approvals"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
	Watchers  WatchersConfig  `json:"watchers"`
	Archive   ArchiveConfig   `json:"archive"`
	Engine    EngineConfig    `json:"engine"`
	Actions   ActionsConfig   `json:"actions"`
}

// GatewayConfig holds the HTTP server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// PipelineConfig bounds the processor and executor pools and the retry and
// aging behavior of the scheduler.
type PipelineConfig struct {
	ProcessorSlots int           `json:"processor_slots"`
	ExecutorSlots  int           `json:"executor_slots"`
	ProcessTimeout Duration      `json:"process_timeout"`
	ExecuteTimeout Duration      `json:"execute_timeout"`
	MaxAttempts    int           `json:"max_attempts"`
	Backoff        BackoffConfig `json:"backoff"`
	AgingThreshold Duration      `json:"aging_threshold"`
}

// BackoffConfig parameterizes exponential backoff.
type BackoffConfig struct {
	Base Duration `json:"base"`
	Cap  Duration `json:"cap"`
}

// ApprovalsConfig holds the approval gate TTLs. TTLByRisk overrides the
// default per risk level ("low", "medium", "high", "critical").
type ApprovalsConfig struct {
	TTL           Duration            `json:"ttl"`
	TTLByRisk     map[string]Duration `json:"ttl_by_risk,omitempty"`
	SweepInterval Duration            `json:"sweep_interval"`
}

// WatchdogConfig bounds process supervision.
type WatchdogConfig struct {
	PollInterval  Duration `json:"poll_interval"`
	Grace         Duration `json:"grace"`
	RestartBase   Duration `json:"restart_base"`
	RestartCap    Duration `json:"restart_cap"`
	MaxRestarts   int      `json:"max_restarts"`
	RestartWindow Duration `json:"restart_window"`
	HeartbeatPath string   `json:"heartbeat_path,omitempty"`
}

// WatchersConfig locates watcher manifests.
type WatchersConfig struct {
	ManifestDir  string   `json:"manifest_dir,omitempty"`
	PollInterval Duration `json:"poll_interval"`
}

// ArchiveConfig configures the terminal-task archive.
type ArchiveConfig struct {
	Path  string   `json:"path,omitempty"`
	After Duration `json:"after"`
}

// EngineConfig points at the external reasoning engine.
type EngineConfig struct {
	URL     string   `json:"url,omitempty"`
	Timeout Duration `json:"timeout"`
}

// ActionsConfig points at the external action provider.
type ActionsConfig struct {
	WebhookURL string   `json:"webhook_url,omitempty"`
	Timeout    Duration `json:"timeout"`
}

// Duration wraps time.Duration for JSON unmarshaling of "30s"-style values.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
