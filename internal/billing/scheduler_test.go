package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	services  map[int64]*Service
	payments  map[int64]*Payment
	items     map[int64][]PaymentLineItem
	snapshots map[int64]VendorSnapshot
	nextID    int64

	findDueErr        error
	failInsertPayment map[int64]error // keyed by service id
	failInsertItems   map[int64]error // keyed by service id
}

func newMemStore() *memStore {
	return &memStore{
		services:          make(map[int64]*Service),
		payments:          make(map[int64]*Payment),
		items:             make(map[int64][]PaymentLineItem),
		snapshots:         make(map[int64]VendorSnapshot),
		failInsertPayment: make(map[int64]error),
		failInsertItems:   make(map[int64]error),
	}
}

func (s *memStore) addService(svc Service) {
	copied := svc
	s.services[svc.ID] = &copied
	if _, ok := s.snapshots[svc.StakeholderID]; !ok {
		s.snapshots[svc.StakeholderID] = VendorSnapshot{Name: fmt.Sprintf("Vendor %d", svc.StakeholderID)}
	}
}

func (s *memStore) FindDueServices(ctx context.Context, today time.Time) ([]Service, error) {
	if s.findDueErr != nil {
		return nil, s.findDueErr
	}
	var due []Service
	for _, svc := range s.services {
		if svc.Direction != DirectionIncoming || svc.Status != ServiceActive || !svc.AutoCreate {
			continue
		}
		if svc.NextBillingDate == nil || svc.NextBillingDate.After(today) {
			continue
		}
		due = append(due, *svc)
	}
	return due, nil
}

func (s *memStore) FindPayment(ctx context.Context, serviceID int64, periodStart, periodEnd time.Time) (*Payment, error) {
	for _, p := range s.payments {
		if p.ServiceID == serviceID && p.BillingPeriodStart.Equal(periodStart) && p.BillingPeriodEnd.Equal(periodEnd) {
			found := *p
			return &found, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetStakeholderSnapshot(ctx context.Context, stakeholderID int64) (VendorSnapshot, error) {
	snapshot, ok := s.snapshots[stakeholderID]
	if !ok {
		return VendorSnapshot{}, ErrNotFound
	}
	return snapshot, nil
}

func (s *memStore) UpdateServiceDates(ctx context.Context, serviceID int64, lastBilled *time.Time, nextBilling time.Time) error {
	svc, ok := s.services[serviceID]
	if !ok {
		return ErrNotFound
	}
	if lastBilled != nil {
		lb := *lastBilled
		svc.LastBilledDate = &lb
	}
	nb := nextBilling
	svc.NextBillingDate = &nb
	return nil
}

func (s *memStore) GetService(ctx context.Context, serviceID int64) (*Service, error) {
	svc, ok := s.services[serviceID]
	if !ok {
		return nil, ErrNotFound
	}
	found := *svc
	return &found, nil
}

func (s *memStore) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	found := *p
	return &found, nil
}

func (s *memStore) ListPaymentLineItems(ctx context.Context, paymentID int64) ([]PaymentLineItem, error) {
	return s.items[paymentID], nil
}

func (s *memStore) ListPaymentsMissingLineItems(ctx context.Context) ([]Payment, error) {
	var missing []Payment
	for _, p := range s.payments {
		if len(s.items[p.ID]) == 0 {
			missing = append(missing, *p)
		}
	}
	return missing, nil
}

type memTx struct {
	store           *memStore
	createdPayments []int64
	prevLastBilled  map[int64]*time.Time
	prevNextBilling map[int64]*time.Time
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	tx := &memTx{
		store:           s,
		prevLastBilled:  make(map[int64]*time.Time),
		prevNextBilling: make(map[int64]*time.Time),
	}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *Payment) (int64, error) {
	if err := t.store.failInsertPayment[payment.ServiceID]; err != nil {
		return 0, err
	}
	for _, p := range t.store.payments {
		if p.ServiceID == payment.ServiceID &&
			p.BillingPeriodStart.Equal(payment.BillingPeriodStart) &&
			p.BillingPeriodEnd.Equal(payment.BillingPeriodEnd) {
			return 0, ErrDuplicatePayment
		}
	}
	t.store.nextID++
	payment.ID = t.store.nextID
	payment.CreatedAt = time.Now().UTC()
	copied := *payment
	t.store.payments[payment.ID] = &copied
	t.createdPayments = append(t.createdPayments, payment.ID)
	return payment.ID, nil
}

func (t *memTx) InsertLineItems(ctx context.Context, paymentID int64, items []PaymentLineItem) error {
	payment, ok := t.store.payments[paymentID]
	if ok {
		if err := t.store.failInsertItems[payment.ServiceID]; err != nil {
			return err
		}
	}
	t.store.items[paymentID] = append(t.store.items[paymentID], items...)
	return nil
}

func (t *memTx) UpdateServiceDates(ctx context.Context, serviceID int64, lastBilled *time.Time, nextBilling time.Time) error {
	if svc, ok := t.store.services[serviceID]; ok {
		if _, saved := t.prevLastBilled[serviceID]; !saved {
			t.prevLastBilled[serviceID] = svc.LastBilledDate
			t.prevNextBilling[serviceID] = svc.NextBillingDate
		}
	}
	return t.store.UpdateServiceDates(ctx, serviceID, lastBilled, nextBilling)
}

func (t *memTx) rollback() {
	for _, id := range t.createdPayments {
		delete(t.store.payments, id)
		delete(t.store.items, id)
	}
	for serviceID, prev := range t.prevLastBilled {
		if svc, ok := t.store.services[serviceID]; ok {
			svc.LastBilledDate = prev
			svc.NextBillingDate = t.prevNextBilling[serviceID]
		}
	}
}

type recordingNotifier struct {
	payments []Payment
	err      error
}

func (n *recordingNotifier) PaymentCreated(ctx context.Context, payment Payment, serviceName string) error {
	if n.err != nil {
		return n.err
	}
	n.payments = append(n.payments, payment)
	return nil
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testService(id int64) Service {
	next := date(2024, time.February, 1)
	return Service{
		ID:              id,
		CompanyID:       1,
		StakeholderID:   id,
		ServiceName:     fmt.Sprintf("Service %d", id),
		Currency:        "USD",
		TaxRate:         money("10"),
		StartDate:       date(2024, time.January, 1),
		NextBillingDate: &next,
		Status:          ServiceActive,
		AutoCreate:      true,
		Direction:       DirectionIncoming,
		Cycle:           CycleSpec{Type: CycleMonthly, DayOfMonth: 1},
		LineItems: []LineItem{
			{ItemOrder: 0, Description: "Retainer", Quantity: money("1"), UnitPrice: money("600.00"), Amount: money("600.00")},
			{ItemOrder: 1, Description: "Support hours", Quantity: money("8"), UnitPrice: money("50.00"), Amount: money("400.00")},
		},
	}
}

func requireMoney(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.True(t, money(expected).Equal(actual), "expected %s, got %s", expected, actual)
}

func TestRunOnceCreatesPaymentEndToEnd(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))
	store.snapshots[1] = VendorSnapshot{Name: "Acme Consulting", Address: "1 Main St", ContactPersons: []string{"Jo Miller"}}
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(store, notifier, nil, nil)

	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, 1, report.Created)
	require.Equal(t, 0, report.Skipped)
	require.Empty(t, report.Errors)
	require.NotEqual(t, report.RunID.String(), "00000000-0000-0000-0000-000000000000")

	require.Len(t, store.payments, 1)
	var payment *Payment
	for _, p := range store.payments {
		payment = p
	}
	require.Equal(t, int64(1), payment.ServiceID)
	require.Equal(t, date(2024, time.January, 1), payment.BillingPeriodStart)
	require.Equal(t, date(2024, time.February, 1), payment.BillingPeriodEnd)
	requireMoney(t, "1000.00", payment.Subtotal)
	requireMoney(t, "100.00", payment.TaxAmount)
	requireMoney(t, "1100.00", payment.TotalAmount)
	require.Equal(t, PaymentPending, payment.Status)
	require.Equal(t, "Acme Consulting", payment.VendorSnapshot.Name)

	items := store.items[payment.ID]
	require.Len(t, items, 2)
	require.Equal(t, 0, items[0].ItemOrder)
	require.Equal(t, "Retainer", items[0].Description)
	require.Equal(t, 1, items[1].ItemOrder)
	requireMoney(t, "400.00", items[1].Amount)

	svc := store.services[1]
	require.NotNil(t, svc.LastBilledDate)
	require.Equal(t, date(2024, time.February, 1), *svc.LastBilledDate)
	require.NotNil(t, svc.NextBillingDate)
	require.Equal(t, date(2024, time.March, 1), *svc.NextBillingDate)

	require.Len(t, notifier.payments, 1)
}

func TestRunOnceIsIdempotentAcrossTicks(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))
	scheduler := NewScheduler(store, nil, nil, nil)
	today := date(2024, time.February, 1)

	first, err := scheduler.RunOnce(context.Background(), today)
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	nextAfterFirst := *store.services[1].NextBillingDate

	second, err := scheduler.RunOnce(context.Background(), today)
	require.NoError(t, err)
	require.Equal(t, 0, second.Processed, "advanced service is no longer due")
	require.Equal(t, 0, second.Created)
	require.Len(t, store.payments, 1)
	require.Equal(t, nextAfterFirst, *store.services[1].NextBillingDate)
}

func TestRunOnceDuplicatePeriodSkipsButAdvances(t *testing.T) {
	store := newMemStore()
	svc := testService(1)
	store.addService(svc)

	// A payment for the due period already exists but the service's pointer
	// was never advanced (e.g. a crash after the insert on a store without
	// transactions).
	store.nextID++
	store.payments[store.nextID] = &Payment{
		ID:                 store.nextID,
		ServiceID:          1,
		BillingPeriodStart: date(2024, time.January, 1),
		BillingPeriodEnd:   date(2024, time.February, 1),
		Status:             PaymentPending,
	}
	store.items[store.nextID] = []PaymentLineItem{{PaymentID: store.nextID}}

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, 0, report.Created)
	require.Equal(t, 1, report.Skipped)
	require.Len(t, store.payments, 1, "no duplicate payment")

	require.Equal(t, date(2024, time.March, 1), *store.services[1].NextBillingDate,
		"duplicate skip still advances so the run does not re-detect the period forever")
	require.Nil(t, store.services[1].LastBilledDate, "duplicate skip does not touch last_billed_date")
}

func TestRunOnceNoLineItemsNeverAdvances(t *testing.T) {
	store := newMemStore()
	svc := testService(1)
	svc.LineItems = nil
	store.addService(svc)
	scheduler := NewScheduler(store, nil, nil, nil)
	today := date(2024, time.February, 1)

	for i := 0; i < 2; i++ {
		report, err := scheduler.RunOnce(context.Background(), today)
		require.NoError(t, err)
		require.Equal(t, 1, report.Processed)
		require.Equal(t, 1, report.Skipped)
		require.Equal(t, 0, report.Created)
		require.Empty(t, report.Errors, "a misconfigured service is a skip, not an error")
	}

	require.Equal(t, date(2024, time.February, 1), *store.services[1].NextBillingDate,
		"service stays due until an operator adds line items")
	require.Empty(t, store.payments)
}

func TestRunOnceIsolatesPerServiceFailures(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))
	store.addService(testService(2))
	store.addService(testService(3))
	store.failInsertPayment[2] = errors.New("connection reset")

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)

	require.Equal(t, 3, report.Processed)
	require.Equal(t, 2, report.Created)
	require.Equal(t, 0, report.Skipped)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "service 2")

	require.Len(t, store.payments, 2)
	require.NotNil(t, store.services[1].LastBilledDate)
	require.NotNil(t, store.services[3].LastBilledDate)
	require.Nil(t, store.services[2].LastBilledDate, "failed service keeps its state for the next tick")
	require.Equal(t, date(2024, time.February, 1), *store.services[2].NextBillingDate)
}

func TestRunOnceLineItemInsertFailureRollsBackPayment(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))
	store.failInsertItems[1] = errors.New("disk full")

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	require.Empty(t, store.payments, "payment and line items are one transaction")
	require.Nil(t, store.services[1].LastBilledDate)
}

func TestRunOnceFatalWhenDueQueryFails(t *testing.T) {
	store := newMemStore()
	store.findDueErr = errors.New("connection refused")
	scheduler := NewScheduler(store, nil, nil, nil)

	_, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "find due services")
}

func TestRunOnceZeroDueServicesSucceeds(t *testing.T) {
	scheduler := NewScheduler(newMemStore(), nil, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Zero(t, report.Processed)
	require.Zero(t, report.Created)
	require.Zero(t, report.Skipped)
	require.Empty(t, report.Errors)
}

func TestRunOnceInsertRaceIsTreatedAsDuplicateSkip(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))
	store.failInsertPayment[1] = ErrDuplicatePayment

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 0, report.Created)
	require.Empty(t, report.Errors)
	require.Equal(t, date(2024, time.March, 1), *store.services[1].NextBillingDate)
}

func TestRunOnceVendorSnapshotIsPointInTime(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))
	store.snapshots[1] = VendorSnapshot{Name: "Original Name"}

	scheduler := NewScheduler(store, nil, nil, nil)
	_, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)

	// The stakeholder is renamed after the payment exists.
	store.snapshots[1] = VendorSnapshot{Name: "Renamed Later"}

	for _, p := range store.payments {
		require.Equal(t, "Original Name", p.VendorSnapshot.Name)
	}
}

func TestRunOnceNotifierFailureDoesNotFailRun(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))
	notifier := &recordingNotifier{err: errors.New("queue unavailable")}

	scheduler := NewScheduler(store, notifier, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Created)
	require.Empty(t, report.Errors)
}

func TestRunOnceRejectsInvalidServiceConfiguration(t *testing.T) {
	store := newMemStore()
	svc := testService(1)
	svc.Currency = "DOLLARS"
	store.addService(svc)

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "invalid configuration")
	require.Empty(t, store.payments)
}

func TestRunOnceMissingStakeholderIsPerServiceError(t *testing.T) {
	store := newMemStore()
	svc := testService(1)
	store.addService(svc)
	delete(store.snapshots, 1)

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RunOnce(context.Background(), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "service 1")
	require.Empty(t, store.payments)
}

func TestRepairLineItemsCopiesFromService(t *testing.T) {
	store := newMemStore()
	store.addService(testService(1))

	store.nextID++
	orphanID := store.nextID
	store.payments[orphanID] = &Payment{ID: orphanID, ServiceID: 1, Status: PaymentPending}

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RepairLineItems(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, 1, report.Repaired)
	require.Empty(t, report.Errors)

	items := store.items[orphanID]
	require.Len(t, items, 2)
	require.Equal(t, "Retainer", items[0].Description)
	require.Equal(t, orphanID, items[0].PaymentID)
}

func TestRepairLineItemsLeavesServicesWithoutItems(t *testing.T) {
	store := newMemStore()
	svc := testService(1)
	svc.LineItems = nil
	store.addService(svc)

	store.nextID++
	orphanID := store.nextID
	store.payments[orphanID] = &Payment{ID: orphanID, ServiceID: 1, Status: PaymentPending}

	scheduler := NewScheduler(store, nil, nil, nil)
	report, err := scheduler.RepairLineItems(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, 0, report.Repaired)
	require.Empty(t, store.items[orphanID])
}
