package schema

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CodePRPayload drives automated pull-request creation.
type CodePRPayload struct {
	Repo   string `json:"repo" validate:"required"`
	Branch string `json:"branch" validate:"required"`
	Title  string `json:"title" validate:"required,max=300"`
	Body   string `json:"body"`
	Files  []struct {
		Path    string `json:"path" validate:"required"`
		Content string `json:"content"`
	} `json:"files" validate:"required,min=1,dive"`
}

// CenterPointSyncPayload mirrors records from the CenterPoint CRM.
type CenterPointSyncPayload struct {
	Entity string `json:"entity" validate:"required,oneof=jobs customers invoices estimates"`
	Since  string `json:"since,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Full   bool   `json:"full,omitempty"`
}

// MRGDeployPayload triggers a site deploy.
type MRGDeployPayload struct {
	Site        string `json:"site" validate:"required"`
	Environment string `json:"environment" validate:"required,oneof=staging production"`
	Ref         string `json:"ref,omitempty"`
}

// GenContentPayload requests model-generated content via the provider chain.
type GenContentPayload struct {
	Prompt      string  `json:"prompt" validate:"required"`
	ContentType string  `json:"content_type" validate:"required,oneof=blog email summary social"`
	MaxTokens   int     `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=128000"`
	CostUSD     float64 `json:"estimated_cost_usd,omitempty" validate:"omitempty,min=0"`
}

// AureaActionPayload is a free-form internal automation action.
type AureaActionPayload struct {
	Action string         `json:"action" validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

// WebhookProcessPayload is the captured webhook event envelope.
type WebhookProcessPayload struct {
	Source     string         `json:"source" validate:"required,oneof=github clickup make"`
	EventType  string         `json:"event_type" validate:"required"`
	ExternalID string         `json:"external_id" validate:"required"`
	Data       map[string]any `json:"data"`
	ReceivedAt string         `json:"received_at,omitempty"`
}

// MaintenancePayload selects a maintenance action.
type MaintenancePayload struct {
	Action        string `json:"action" validate:"required,oneof=daily_cleanup purge_old_runs generate_report"`
	RetentionDays int    `json:"retention_days,omitempty" validate:"omitempty,min=1,max=3650"`
}

// payloadPrototypes maps each task type to its schema struct. A nil entry
// means the type accepts any payload.
var payloadPrototypes = map[TaskType]func() any{
	TypeCodePR:          func() any { return &CodePRPayload{} },
	TypeCenterPointSync: func() any { return &CenterPointSyncPayload{} },
	TypeMRGDeploy:       func() any { return &MRGDeployPayload{} },
	TypeGenContent:      func() any { return &GenContentPayload{} },
	TypeAureaAction:     func() any { return &AureaActionPayload{} },
	TypeWebhookProcess:  func() any { return &WebhookProcessPayload{} },
	TypeMaintenance:     func() any { return &MaintenancePayload{} },
}

// KnownType reports whether t has a registered payload schema.
func KnownType(t TaskType) bool {
	_, ok := payloadPrototypes[t]
	return ok
}

// TaskTypes returns all registered task types.
func TaskTypes() []TaskType {
	out := make([]TaskType, 0, len(payloadPrototypes))
	for t := range payloadPrototypes {
		out = append(out, t)
	}
	return out
}

// ValidatePayload checks a raw payload map against the typed schema for the
// task type. Unknown types are rejected so nothing reaches the queue that no
// handler will claim.
func ValidatePayload(t TaskType, payload map[string]any) error {
	proto, ok := payloadPrototypes[t]
	if !ok {
		return fmt.Errorf("unknown task type %q", t)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload not serializable: %w", err)
	}
	target := proto()
	if err := json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("payload shape for %s: %w", t, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("payload for %s: %w", t, err)
	}
	return nil
}

// ValidateRequest validates a submit request body, including its payload.
func ValidateRequest(req *TaskRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if req.Priority != 0 && !req.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", req.Priority)
	}
	return ValidatePayload(req.Type, req.Payload)
}
