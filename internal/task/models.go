package task

// Type is the closed set of task kinds the workers understand.
type Type string

const (
	TypeCreateAccount        Type = "create_account"
	TypeRegisterPlatform     Type = "register_platform"
	TypeAirdropParticipation Type = "airdrop_participation"
)

// Task is one entry on the durable task channel. The envelope is flat
// JSON: task_id, type and timestamp plus the handler-specific fields.
type Task struct {
	TaskID    string `json:"task_id"`
	Type      Type   `json:"type"`
	Timestamp string `json:"timestamp"`

	// create_account
	EmailDomain string `json:"email_domain,omitempty"`
	UseProxy    bool   `json:"use_proxy,omitempty"`

	// register_platform / airdrop_participation
	Email    string `json:"email,omitempty"`
	Platform string `json:"platform,omitempty"`

	// airdrop_participation
	AirdropName string   `json:"airdrop_name,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// Result mirrors the task id and type back to the dispatcher together
// with the worker identity and handler-specific output.
type Result struct {
	WorkerID  string `json:"worker_id"`
	TaskID    string `json:"task_id"`
	Type      Type   `json:"type"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`

	AccountEmail     string   `json:"account_email,omitempty"`
	AccountPassword  string   `json:"account_password,omitempty"`
	Platform         string   `json:"platform,omitempty"`
	PlatformUsername string   `json:"platform_username,omitempty"`
	AirdropName      string   `json:"airdrop_name,omitempty"`
	ActionsCompleted []string `json:"actions_completed,omitempty"`
}
