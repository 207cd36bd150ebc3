package log

// Common field names for structured logging
const (
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldClientIP     = "client_ip"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldStatusCode   = "status_code"
	FieldDuration     = "duration_ms"
	FieldError        = "error"
	FieldUserID       = "user_id"
	FieldObligationID = "obligation_id"
	FieldExpenseID    = "expense_id"
	FieldCategory     = "category"
	FieldCadence      = "cadence"
	FieldNextDue      = "next_due"
	FieldAmountCents  = "amount_cents"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentStorage   = "storage"
	ComponentProcessor = "processor"
	ComponentEvaluator = "evaluator"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentAuth      = "auth"
	ComponentCache     = "cache"
	ComponentRateLimit = "rate_limit"
)
