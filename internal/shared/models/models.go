package models

import "time"

// Status is the lifecycle state of a Definition.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusDeployed Status = "deployed"
	StatusStopped  Status = "stopped"
)

// Visibility controls whether the gateway asks callers for the access secret.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// PricingModel is how callers of a Definition are charged.
type PricingModel string

const (
	PricingFree PricingModel = "free"
	PricingPAYG PricingModel = "payg"
)

// BindingState is the lifecycle of a deployment binding.
type BindingState string

const (
	BindingProvisioning BindingState = "provisioning"
	BindingBound        BindingState = "bound"
	BindingReleased     BindingState = "released"
	BindingFailed       BindingState = "failed"
)

// Health is the runtime state of an Instance.
type Health string

const (
	HealthStarting Health = "starting"
	HealthRunning  Health = "running"
	HealthStopped  Health = "stopped"
	HealthFailed   Health = "failed"
)

// QuotaPolicy holds per-window request ceilings. A ceiling <= 0 is unlimited.
type QuotaPolicy struct {
	PerHour        int64    `json:"max_requests_per_hour"`
	PerDay         int64    `json:"max_requests_per_day"`
	PerMonth       int64    `json:"max_requests_per_month"`
	RequiresAuth   bool     `json:"requires_auth"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// PricingPolicy describes what a caller pays per request.
type PricingPolicy struct {
	Model     PricingModel `json:"model"`
	UnitPrice float64      `json:"unit_price"`
}

// DataStore is an optional backing store handed to the deployed code.
type DataStore struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Parameter declares one input field of a Definition.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Binding ties a Definition to the Instance serving it.
type Binding struct {
	ID           string       `json:"id"`
	DefinitionID string       `json:"api_id"`
	InstanceID   string       `json:"instance_id,omitempty"`
	Port         int          `json:"port,omitempty"`
	Image        string       `json:"image,omitempty"`
	State        BindingState `json:"state"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Definition is a user's declared API.
type Definition struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Path        string        `json:"path"`
	Code        string        `json:"code"`
	Language    string        `json:"language"`
	Visibility  Visibility    `json:"visibility"`
	Secret      *string       `json:"-"`
	Quota       QuotaPolicy   `json:"quota"`
	Pricing     PricingPolicy `json:"pricing"`
	DataStore   *DataStore    `json:"data_store,omitempty"`
	Status      Status        `json:"status"`
	Binding     *Binding      `json:"binding,omitempty"`
	Parameters  []Parameter   `json:"parameters"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// Read-side aggregate, filled by List.
	TotalRequests int64 `json:"total_requests"`
}

// IsPrivate reports whether callers must present the access secret.
func (d *Definition) IsPrivate() bool {
	return d.Visibility == VisibilityPrivate
}

// DefinitionPatch is a partial update. Nil fields are left untouched; a
// non-nil pointer to a zero value sets the field to that zero value.
type DefinitionPatch struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Code        *string        `json:"code"`
	Language    *string        `json:"language"`
	Visibility  *Visibility    `json:"visibility"`
	Secret      *string        `json:"api_key"`
	Quota       *QuotaPolicy   `json:"quota"`
	Pricing     *PricingPolicy `json:"pricing"`
	DataStore   *DataStore     `json:"data_store"`
	Parameters  *[]Parameter   `json:"parameters"`
}

// Instance is one running deployment.
type Instance struct {
	ID     string `json:"id"`
	Image  string `json:"image"`
	Port   int    `json:"port"`
	Health Health `json:"health"`
}

// UsageRecord is one gateway transaction.
type UsageRecord struct {
	ID           string    `json:"id"`
	DefinitionID string    `json:"api_id"`
	Caller       string    `json:"caller"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	UserAgent    string    `json:"user_agent"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
