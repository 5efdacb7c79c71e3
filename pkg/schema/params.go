package schema

// OperationHITLRequest is the only operation the HITL node exposes.
const OperationHITLRequest = "hitlRequest"

// DefaultWebhookPath is the node-declared path segment appended to callback URLs.
const DefaultWebhookPath = "nebula-hitl-response"

// WaitingWebhookPrefix is the literal path prefix the host serves waiting executions under.
const WaitingWebhookPrefix = "/webhook-waiting/"

// DefaultCredentialName is the credential type the HITL node requires.
const DefaultCredentialName = "nebulaApi"

// StepParams is the configured surface of a HITL step, after the host has
// resolved any parameter expressions.
type StepParams struct {
	Operation      string        `json:"operation,omitempty"`
	Title          string        `json:"title"`
	Message        string        `json:"message"`
	ResponseShape  ResponseShape `json:"responseShape"`
	FormSchema     string        `json:"formSchema,omitempty"`
	AdditionalData string        `json:"additionalData,omitempty"`
	Options        StepOptions   `json:"options"`
}

// StepOptions are the optional knobs of a HITL step.
type StepOptions struct {
	Priority       Priority `json:"priority,omitempty"`
	TimeoutMinutes int      `json:"timeoutMinutes,omitempty"`
	Assignee       string   `json:"assignee,omitempty"`
	Tags           string   `json:"tags,omitempty"`
}

// Credentials authenticate the coordinator against the decision service.
// Metadata is a JSON object encoded as a string.
type Credentials struct {
	BaseURL  string `json:"baseUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
	Metadata string `json:"metadata,omitempty"`
}

// WorkflowIdentity names the workflow an execution belongs to.
type WorkflowIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PairedItem links an output item back to the input it came from.
type PairedItem struct {
	Item int `json:"item"`
}

// Item is a single unit of data flowing between workflow steps.
type Item struct {
	JSON       map[string]any `json:"json"`
	PairedItem *PairedItem    `json:"pairedItem,omitempty"`
}
