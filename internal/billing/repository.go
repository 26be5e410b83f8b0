package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/beacon-ops/beacon-ops/internal/platform/db"
)

// ErrNotFound indicates resource not found.
var ErrNotFound = errors.New("billing: not found")

// paymentPeriodConstraint is the unique index enforcing the idempotency key
// (service_id, billing_period_start, billing_period_end). The application
// level lookup only short-circuits; this constraint is the real guard against
// overlapping runs.
const paymentPeriodConstraint = "ux_payments_service_period"

// Repository provides PostgreSQL backed persistence for recurring billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const serviceColumns = `
	id, company_id, stakeholder_id, service_name, currency, tax_rate,
	start_date, last_billed_date, next_billing_date, status,
	auto_create_payment, direction,
	cycle_type, day_of_month, day_of_week, month_of_year, interval_days,
	created_at, updated_at`

// FindDueServices returns services eligible for this run: incoming, active,
// auto-billing, with next_billing_date on or before today (inclusive). Line
// items are loaded for every returned service.
func (r *Repository) FindDueServices(ctx context.Context, today time.Time) ([]Service, error) {
	query := `
		SELECT` + serviceColumns + `
		FROM services
		WHERE direction = 'incoming'
		  AND status = 'active'
		  AND auto_create_payment = TRUE
		  AND next_billing_date IS NOT NULL
		  AND next_billing_date <= $1
		ORDER BY next_billing_date, id`

	rows, err := r.pool.Query(ctx, query, today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []Service
	var ids []int64
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
		ids = append(ids, svc.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return services, nil
	}

	items, err := r.listServiceLineItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range services {
		services[i].LineItems = items[services[i].ID]
	}
	return services, nil
}

// GetService retrieves one service with its line items.
func (r *Repository) GetService(ctx context.Context, serviceID int64) (*Service, error) {
	query := `SELECT` + serviceColumns + ` FROM services WHERE id = $1`

	rows, err := r.pool.Query(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	svc, err := scanService(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	items, err := r.listServiceLineItems(ctx, []int64{svc.ID})
	if err != nil {
		return nil, err
	}
	svc.LineItems = items[svc.ID]
	return &svc, nil
}

func (r *Repository) listServiceLineItems(ctx context.Context, serviceIDs []int64) (map[int64][]LineItem, error) {
	query := `
		SELECT service_id, item_order, description, quantity, unit_price, amount
		FROM service_line_items
		WHERE service_id = ANY($1)
		ORDER BY service_id, item_order`

	rows, err := r.pool.Query(ctx, query, serviceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[int64][]LineItem)
	for rows.Next() {
		var serviceID int64
		var item LineItem
		var quantity, unitPrice, amount pgtype.Numeric
		if err := rows.Scan(&serviceID, &item.ItemOrder, &item.Description, &quantity, &unitPrice, &amount); err != nil {
			return nil, err
		}
		item.Quantity = numericToDecimal(quantity)
		item.UnitPrice = numericToDecimal(unitPrice)
		item.Amount = numericToDecimal(amount)
		items[serviceID] = append(items[serviceID], item)
	}
	return items, rows.Err()
}

// FindPayment looks up the payment identified by the idempotency tuple.
// Returns nil when no payment covers the period.
func (r *Repository) FindPayment(ctx context.Context, serviceID int64, periodStart, periodEnd time.Time) (*Payment, error) {
	query := `
		SELECT id, service_id, company_id, stakeholder_id,
			billing_period_start, billing_period_end,
			subtotal, tax_rate, tax_amount, total_amount,
			currency, status, vendor_snapshot, created_at
		FROM payments
		WHERE service_id = $1 AND billing_period_start = $2 AND billing_period_end = $3`

	row := r.pool.QueryRow(ctx, query, serviceID, periodStart, periodEnd)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// GetStakeholderSnapshot returns the stakeholder's current identity as a
// single denormalised struct. Normalising here keeps join-shape ambiguity out
// of the scheduler.
func (r *Repository) GetStakeholderSnapshot(ctx context.Context, stakeholderID int64) (VendorSnapshot, error) {
	query := `SELECT name, COALESCE(address, ''), COALESCE(contact_persons, '[]'::jsonb) FROM stakeholders WHERE id = $1`

	var snapshot VendorSnapshot
	var contacts []byte
	err := r.pool.QueryRow(ctx, query, stakeholderID).Scan(&snapshot.Name, &snapshot.Address, &contacts)
	if errors.Is(err, pgx.ErrNoRows) {
		return VendorSnapshot{}, ErrNotFound
	}
	if err != nil {
		return VendorSnapshot{}, err
	}
	if err := json.Unmarshal(contacts, &snapshot.ContactPersons); err != nil {
		return VendorSnapshot{}, fmt.Errorf("billing: decode contact persons: %w", err)
	}
	return snapshot, nil
}

// UpdateServiceDates advances the billing pointers. A nil lastBilled keeps the
// stored value (duplicate-period skips advance only next_billing_date).
func (r *Repository) UpdateServiceDates(ctx context.Context, serviceID int64, lastBilled *time.Time, nextBilling time.Time) error {
	return updateServiceDates(ctx, r.pool, serviceID, lastBilled, nextBilling)
}

// GetPayment retrieves one payment by id.
func (r *Repository) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	query := `
		SELECT id, service_id, company_id, stakeholder_id,
			billing_period_start, billing_period_end,
			subtotal, tax_rate, tax_amount, total_amount,
			currency, status, vendor_snapshot, created_at
		FROM payments
		WHERE id = $1`

	payment, err := scanPayment(r.pool.QueryRow(ctx, query, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ListPaymentLineItems returns a payment's line items in item order.
func (r *Repository) ListPaymentLineItems(ctx context.Context, paymentID int64) ([]PaymentLineItem, error) {
	query := `
		SELECT id, payment_id, item_order, description, quantity, unit_price, amount
		FROM payment_line_items
		WHERE payment_id = $1
		ORDER BY item_order`

	rows, err := r.pool.Query(ctx, query, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PaymentLineItem
	for rows.Next() {
		var item PaymentLineItem
		var quantity, unitPrice, amount pgtype.Numeric
		if err := rows.Scan(&item.ID, &item.PaymentID, &item.ItemOrder, &item.Description,
			&quantity, &unitPrice, &amount); err != nil {
			return nil, err
		}
		item.Quantity = numericToDecimal(quantity)
		item.UnitPrice = numericToDecimal(unitPrice)
		item.Amount = numericToDecimal(amount)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListPaymentsMissingLineItems returns pending payments persisted without any
// line items, candidates for the repair sweep.
func (r *Repository) ListPaymentsMissingLineItems(ctx context.Context) ([]Payment, error) {
	query := `
		SELECT p.id, p.service_id, p.company_id, p.stakeholder_id,
			p.billing_period_start, p.billing_period_end,
			p.subtotal, p.tax_rate, p.tax_amount, p.total_amount,
			p.currency, p.status, p.vendor_snapshot, p.created_at
		FROM payments p
		WHERE p.status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM payment_line_items li WHERE li.payment_id = p.id)
		ORDER BY p.id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// WithTx groups per-service writes into one repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) InsertPayment(ctx context.Context, payment *Payment) (int64, error) {
	return insertPayment(ctx, t.tx, payment)
}

func (t *txStore) InsertLineItems(ctx context.Context, paymentID int64, items []PaymentLineItem) error {
	return insertLineItems(ctx, t.tx, paymentID, items)
}

func (t *txStore) UpdateServiceDates(ctx context.Context, serviceID int64, lastBilled *time.Time, nextBilling time.Time) error {
	return updateServiceDates(ctx, t.tx, serviceID, lastBilled, nextBilling)
}

func insertPayment(ctx context.Context, q querier, payment *Payment) (int64, error) {
	query := `
		INSERT INTO payments (
			service_id, company_id, stakeholder_id,
			billing_period_start, billing_period_end,
			subtotal, tax_rate, tax_amount, total_amount,
			currency, status, vendor_snapshot, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, NOW())
		RETURNING id, created_at`

	snapshot, err := json.Marshal(payment.VendorSnapshot)
	if err != nil {
		return 0, fmt.Errorf("billing: encode vendor snapshot: %w", err)
	}

	err = q.QueryRow(ctx, query,
		payment.ServiceID,
		payment.CompanyID,
		payment.StakeholderID,
		payment.BillingPeriodStart,
		payment.BillingPeriodEnd,
		payment.Subtotal,
		payment.TaxRate,
		payment.TaxAmount,
		payment.TotalAmount,
		payment.Currency,
		snapshot,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == paymentPeriodConstraint {
			return 0, ErrDuplicatePayment
		}
		return 0, err
	}
	payment.Status = PaymentPending
	return payment.ID, nil
}

func insertLineItems(ctx context.Context, q querier, paymentID int64, items []PaymentLineItem) error {
	query := `
		INSERT INTO payment_line_items (payment_id, item_order, description, quantity, unit_price, amount)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, item := range items {
		if _, err := q.Exec(ctx, query,
			paymentID, item.ItemOrder, item.Description,
			item.Quantity, item.UnitPrice, item.Amount,
		); err != nil {
			return err
		}
	}
	return nil
}

func updateServiceDates(ctx context.Context, q querier, serviceID int64, lastBilled *time.Time, nextBilling time.Time) error {
	query := `
		UPDATE services
		SET last_billed_date = COALESCE($2, last_billed_date),
			next_billing_date = $3,
			updated_at = NOW()
		WHERE id = $1`

	var lb pgtype.Date
	if lastBilled != nil {
		lb = pgtype.Date{Time: *lastBilled, Valid: true}
	}
	result, err := q.Exec(ctx, query, serviceID, lb, nextBilling)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanService(rows pgx.Rows) (Service, error) {
	var svc Service
	var taxRate pgtype.Numeric
	var lastBilled, nextBilling pgtype.Date
	var dayOfMonth, dayOfWeek, monthOfYear, intervalDays pgtype.Int4

	err := rows.Scan(
		&svc.ID, &svc.CompanyID, &svc.StakeholderID, &svc.ServiceName, &svc.Currency, &taxRate,
		&svc.StartDate, &lastBilled, &nextBilling, &svc.Status,
		&svc.AutoCreate, &svc.Direction,
		&svc.Cycle.Type, &dayOfMonth, &dayOfWeek, &monthOfYear, &intervalDays,
		&svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return Service{}, err
	}

	svc.TaxRate = numericToDecimal(taxRate)
	if lastBilled.Valid {
		svc.LastBilledDate = &lastBilled.Time
	}
	if nextBilling.Valid {
		svc.NextBillingDate = &nextBilling.Time
	}
	svc.Cycle.DayOfMonth = int(dayOfMonth.Int32)
	svc.Cycle.DayOfWeek = int(dayOfWeek.Int32)
	svc.Cycle.MonthOfYear = int(monthOfYear.Int32)
	svc.Cycle.IntervalDays = int(intervalDays.Int32)
	return svc, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var payment Payment
	var subtotal, taxRate, taxAmount, totalAmount pgtype.Numeric
	var snapshot []byte

	err := row.Scan(
		&payment.ID, &payment.ServiceID, &payment.CompanyID, &payment.StakeholderID,
		&payment.BillingPeriodStart, &payment.BillingPeriodEnd,
		&subtotal, &taxRate, &taxAmount, &totalAmount,
		&payment.Currency, &payment.Status, &snapshot, &payment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	payment.Subtotal = numericToDecimal(subtotal)
	payment.TaxRate = numericToDecimal(taxRate)
	payment.TaxAmount = numericToDecimal(taxAmount)
	payment.TotalAmount = numericToDecimal(totalAmount)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &payment.VendorSnapshot); err != nil {
			return nil, fmt.Errorf("billing: decode vendor snapshot: %w", err)
		}
	}
	return &payment, nil
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
