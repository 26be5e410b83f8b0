package billing

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/beacon-ops/beacon-ops/jobs"
)

// PaymentEnqueuer is satisfied by jobs.Client.
type PaymentEnqueuer interface {
	EnqueuePaymentCreated(ctx context.Context, payload jobs.PaymentCreatedPayload) (*asynq.TaskInfo, error)
}

// QueueNotifier publishes created-payment notifications onto the job queue.
type QueueNotifier struct {
	enqueuer PaymentEnqueuer
	printer  *message.Printer
}

// NewQueueNotifier builds a QueueNotifier.
func NewQueueNotifier(enqueuer PaymentEnqueuer) *QueueNotifier {
	return &QueueNotifier{
		enqueuer: enqueuer,
		printer:  message.NewPrinter(language.English),
	}
}

// PaymentCreated enqueues a notification for the given payment.
func (n *QueueNotifier) PaymentCreated(ctx context.Context, payment Payment, serviceName string) error {
	amount := n.printer.Sprintf("%v", number.Decimal(payment.TotalAmount.InexactFloat64(),
		number.MinFractionDigits(2), number.MaxFractionDigits(2)))

	_, err := n.enqueuer.EnqueuePaymentCreated(ctx, jobs.PaymentCreatedPayload{
		PaymentID:   payment.ID,
		ServiceID:   payment.ServiceID,
		ServiceName: serviceName,
		VendorName:  payment.VendorSnapshot.Name,
		Amount:      amount,
		Currency:    payment.Currency,
		PeriodStart: payment.BillingPeriodStart.Format(time.DateOnly),
		PeriodEnd:   payment.BillingPeriodEnd.Format(time.DateOnly),
	})
	return err
}
