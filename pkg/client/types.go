package client

import "time"

// Status mirrors the server record.
type Status struct {
	State      string `json:"state"`
	Address    string `json:"address"`
	InstanceID string `json:"instance_id"`
}

// WorkflowResult is returned by Start and Stop. Finished is false when the
// call returned before the workflow ended.
type WorkflowResult struct {
	Status   Status `json:"status"`
	Finished bool   `json:"finished"`
	Error    string `json:"error,omitempty"`
}

// CommandResult is the outcome of an ad hoc shell command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Balance is the provider's billing summary.
type Balance struct {
	MonthToDateBalance string `json:"month_to_date_balance"`
	AccountBalance     string `json:"account_balance"`
	MonthToDateUsage   string `json:"month_to_date_usage"`
	GeneratedAt        string `json:"generated_at"`
}

// Token is a bearer token issued by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginResponse struct {
	Success  bool     `json:"success"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Token    *Token   `json:"token"`
}

type okResponse struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
