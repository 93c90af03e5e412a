package client

import "time"

// Account mirrors a stored account. Passwords are never returned.
type Account struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	LaunchArgs string    `json:"launch_args"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AddAccountRequest creates or replaces an account.
type AddAccountRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Password   string `json:"password,omitempty"`
	LaunchArgs string `json:"launch_args,omitempty"`
}

// State is the launch state of one account.
type State struct {
	AccountID string    `json:"account_id"`
	Phase     string    `json:"phase"`
	Certainty string    `json:"certainty"`
	UpdatedAt time.Time `json:"updated_at"`
	Note      string    `json:"note,omitempty"`
}

// AccountStatus joins an account with its state and bound client pid.
type AccountStatus struct {
	Account Account `json:"account"`
	State   State   `json:"state"`
	PID     int     `json:"pid,omitempty"`
}

// Result is the outcome of a launch or stop.
type Result struct {
	OK    bool  `json:"ok"`
	State State `json:"state"`
}

type Binding struct {
	AccountID string `json:"account_id"`
	PID       int    `json:"pid"`
	Tag       string `json:"tag"`
}

// Processes lists tagged clients and game processes nobody owns.
type Processes struct {
	Bindings []Binding `json:"bindings"`
	Untagged []int     `json:"untagged"`
}

// Settings are the launcher-wide preferences.
type Settings struct {
	ExecutablePath         string            `json:"executable_path"`
	StorefrontURI          string            `json:"storefront_uri"`
	AllowMultipleInstances *bool             `json:"allow_multiple_instances,omitempty"`
	AutomationOptions      map[string]string `json:"automation_options,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
