package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingRun triggers one recurring-billing batch run.
	TaskBillingRun = "billing:run"
	// TaskBillingRepair triggers a line-item repair sweep.
	TaskBillingRepair = "billing:repair"
	// TaskNotifyPaymentCreated fans out a created-payment notification.
	TaskNotifyPaymentCreated = "notify:payment_created"
)

// BillingRunPayload parameterises a billing run. An empty AsOf means "today".
type BillingRunPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NewBillingRunTask constructs an Asynq task for a billing run.
func NewBillingRunTask(payload BillingRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingRun, data), nil
}

// NewBillingRepairTask constructs an Asynq task for the repair sweep.
func NewBillingRepairTask() *asynq.Task {
	return asynq.NewTask(TaskBillingRepair, nil)
}

// PaymentCreatedPayload describes a freshly created recurring payment.
type PaymentCreatedPayload struct {
	PaymentID   int64  `json:"payment_id"`
	ServiceID   int64  `json:"service_id"`
	ServiceName string `json:"service_name"`
	VendorName  string `json:"vendor_name"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// NewPaymentCreatedTask constructs an Asynq task for a payment notification.
func NewPaymentCreatedTask(payload PaymentCreatedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyPaymentCreated, data), nil
}

// HandlePaymentCreatedTask processes TaskNotifyPaymentCreated tasks.
// Delivery (mail, in-app feed) is wired per deployment; the default handler
// records the event in the log.
func HandlePaymentCreatedTask(ctx context.Context, t *asynq.Task) error {
	var payload PaymentCreatedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	slog.Default().Info("payment created notification",
		slog.Int64("payment_id", payload.PaymentID),
		slog.Int64("service_id", payload.ServiceID),
		slog.String("service", payload.ServiceName),
		slog.String("amount", payload.Amount),
		slog.String("currency", payload.Currency))
	return nil
}
