package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/beacon-ops/beacon-ops/internal/jobs"
)

// ErrDuplicatePayment indicates a payment already exists for the idempotency
// tuple (service, period start, period end). The store surfaces it both from
// the pre-insert lookup and from the unique constraint backing it.
var ErrDuplicatePayment = errors.New("billing: payment already exists for period")

// StorePort defines the persistence operations the scheduler needs.
type StorePort interface {
	// FindDueServices returns active, incoming, auto-billing services whose
	// next billing date is on or before today, with line items loaded.
	FindDueServices(ctx context.Context, today time.Time) ([]Service, error)
	FindPayment(ctx context.Context, serviceID int64, periodStart, periodEnd time.Time) (*Payment, error)
	GetStakeholderSnapshot(ctx context.Context, stakeholderID int64) (VendorSnapshot, error)
	UpdateServiceDates(ctx context.Context, serviceID int64, lastBilled *time.Time, nextBilling time.Time) error
	GetService(ctx context.Context, serviceID int64) (*Service, error)
	GetPayment(ctx context.Context, paymentID int64) (*Payment, error)
	ListPaymentLineItems(ctx context.Context, paymentID int64) ([]PaymentLineItem, error)
	ListPaymentsMissingLineItems(ctx context.Context) ([]Payment, error)
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// TxStore exposes the write operations grouped into one transaction per
// service, so a crash cannot leave a payment without line items or a service
// pointing at an already-paid period.
type TxStore interface {
	InsertPayment(ctx context.Context, payment *Payment) (int64, error)
	InsertLineItems(ctx context.Context, paymentID int64, items []PaymentLineItem) error
	UpdateServiceDates(ctx context.Context, serviceID int64, lastBilled *time.Time, nextBilling time.Time) error
}

// Notifier is the side channel informed after a payment is created. Failures
// are logged and never fail the run.
type Notifier interface {
	PaymentCreated(ctx context.Context, payment Payment, serviceName string) error
}

// Scheduler orchestrates one recurring-billing batch run.
type Scheduler struct {
	store    StorePort
	notifier Notifier
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	validate *validator.Validate
}

// NewScheduler builds a Scheduler. notifier and metrics may be nil.
func NewScheduler(store StorePort, notifier Notifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		validate: validator.New(),
	}
}

// RunOnce processes every due service as of today and reports the outcome.
// One service failing never aborts the batch; only a failing due-services
// query is fatal. today is injected rather than read from the clock so runs
// are reproducible.
func (s *Scheduler) RunOnce(ctx context.Context, today time.Time) (RunReport, error) {
	today = atMidnightUTC(today)
	report := RunReport{RunID: uuid.New(), StartedAt: time.Now().UTC()}

	services, err := s.store.FindDueServices(ctx, today)
	if err != nil {
		return RunReport{}, fmt.Errorf("billing: find due services: %w", err)
	}

	for _, svc := range services {
		report.Processed++
		if err := s.processService(ctx, svc, today, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("service %d: %v", svc.ID, err))
			s.logger.Error("process service",
				slog.Int64("service_id", svc.ID),
				slog.String("run_id", report.RunID.String()),
				slog.Any("error", err))
		}
	}

	s.logger.Info("billing run finished",
		slog.String("run_id", report.RunID.String()),
		slog.Int("processed", report.Processed),
		slog.Int("created", report.Created),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", len(report.Errors)))
	return report, nil
}

func (s *Scheduler) processService(ctx context.Context, svc Service, today time.Time, report *RunReport) error {
	if err := s.validate.Struct(svc); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	billingDate := today
	if svc.NextBillingDate != nil {
		billingDate = atMidnightUTC(*svc.NextBillingDate)
	}

	// A service without line items stays due until an operator fixes it.
	// Advancing its dates here would hide the misconfiguration.
	if len(svc.LineItems) == 0 {
		report.Skipped++
		s.metrics.AddSkips("no_line_items", 1)
		s.logger.Warn("service has no line items, skipping without advancing",
			slog.Int64("service_id", svc.ID))
		return nil
	}

	periodStart, periodEnd := BillingPeriod(svc.Cycle, svc.StartDate, billingDate)
	next := NextBillingDate(svc.Cycle, billingDate)

	existing, err := s.store.FindPayment(ctx, svc.ID, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if existing != nil {
		return s.skipDuplicate(ctx, svc, next, report)
	}

	snapshot, err := s.store.GetStakeholderSnapshot(ctx, svc.StakeholderID)
	if err != nil {
		return fmt.Errorf("stakeholder snapshot: %w", err)
	}

	subtotal := decimal.Zero
	for _, item := range svc.LineItems {
		subtotal = subtotal.Add(item.Amount)
	}
	taxAmount := subtotal.Mul(svc.TaxRate).Div(decimal.NewFromInt(100)).Round(2)

	payment := Payment{
		ServiceID:          svc.ID,
		CompanyID:          svc.CompanyID,
		StakeholderID:      svc.StakeholderID,
		BillingPeriodStart: periodStart,
		BillingPeriodEnd:   periodEnd,
		Subtotal:           subtotal,
		TaxRate:            svc.TaxRate,
		TaxAmount:          taxAmount,
		TotalAmount:        subtotal.Add(taxAmount),
		Currency:           svc.Currency,
		Status:             PaymentPending,
		VendorSnapshot:     snapshot,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		paymentID, err := tx.InsertPayment(ctx, &payment)
		if err != nil {
			return err
		}
		items := make([]PaymentLineItem, 0, len(svc.LineItems))
		for _, item := range svc.LineItems {
			items = append(items, PaymentLineItem{
				PaymentID:   paymentID,
				ItemOrder:   item.ItemOrder,
				Description: item.Description,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
				Amount:      item.Amount,
			})
		}
		if err := tx.InsertLineItems(ctx, paymentID, items); err != nil {
			return fmt.Errorf("insert line items: %w", err)
		}
		lastBilled := billingDate
		return tx.UpdateServiceDates(ctx, svc.ID, &lastBilled, next)
	})
	if errors.Is(err, ErrDuplicatePayment) {
		// A concurrent run won the insert race; the unique constraint is the
		// real guard, the earlier lookup just skips redundant work.
		return s.skipDuplicate(ctx, svc, next, report)
	}
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}

	report.Created++
	s.metrics.AddPayments(svc.Currency, 1)
	s.logger.Info("payment created",
		slog.Int64("service_id", svc.ID),
		slog.String("period_start", periodStart.Format(time.DateOnly)),
		slog.String("period_end", periodEnd.Format(time.DateOnly)),
		slog.String("total", payment.TotalAmount.String()))

	if s.notifier != nil {
		if err := s.notifier.PaymentCreated(ctx, payment, svc.ServiceName); err != nil {
			s.logger.Warn("payment notification", slog.Int64("service_id", svc.ID), slog.Any("error", err))
		}
	}
	return nil
}

// skipDuplicate records a duplicate-period skip and still advances the
// service's next billing date so the run does not re-detect the same period
// forever. This asymmetry with the no-line-items skip is deliberate.
func (s *Scheduler) skipDuplicate(ctx context.Context, svc Service, next time.Time, report *RunReport) error {
	if err := s.store.UpdateServiceDates(ctx, svc.ID, nil, next); err != nil {
		return fmt.Errorf("advance billing date: %w", err)
	}
	report.Skipped++
	s.metrics.AddSkips("duplicate_period", 1)
	s.logger.Info("payment already exists for period, advancing",
		slog.Int64("service_id", svc.ID),
		slog.String("next_billing_date", next.Format(time.DateOnly)))
	return nil
}

// Payment loads one created payment together with its line items.
func (s *Scheduler) Payment(ctx context.Context, paymentID int64) (*Payment, []PaymentLineItem, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.ListPaymentLineItems(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	return payment, items, nil
}

// RepairReport summarises one line-item repair sweep.
type RepairReport struct {
	Checked  int      `json:"checked"`
	Repaired int      `json:"repaired"`
	Errors   []string `json:"errors,omitempty"`
}

// RepairLineItems finds payments that were persisted without line items and
// re-copies them from the owning service. Such rows can only exist when a
// crash or partial failure interrupted a run on a store without transactional
// writes.
func (s *Scheduler) RepairLineItems(ctx context.Context) (RepairReport, error) {
	var report RepairReport

	payments, err := s.store.ListPaymentsMissingLineItems(ctx)
	if err != nil {
		return report, fmt.Errorf("billing: list payments missing line items: %w", err)
	}

	for _, payment := range payments {
		report.Checked++
		svc, err := s.store.GetService(ctx, payment.ServiceID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("payment %d: load service: %v", payment.ID, err))
			continue
		}
		if len(svc.LineItems) == 0 {
			// Nothing to copy from; leave for the operator.
			continue
		}
		items := make([]PaymentLineItem, 0, len(svc.LineItems))
		for _, item := range svc.LineItems {
			items = append(items, PaymentLineItem{
				PaymentID:   payment.ID,
				ItemOrder:   item.ItemOrder,
				Description: item.Description,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
				Amount:      item.Amount,
			})
		}
		err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			return tx.InsertLineItems(ctx, payment.ID, items)
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("payment %d: insert line items: %v", payment.ID, err))
			continue
		}
		report.Repaired++
		s.logger.Info("repaired payment line items",
			slog.Int64("payment_id", payment.ID),
			slog.Int64("service_id", payment.ServiceID))
	}

	return report, nil
}
