package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CycleType enumerates recurrence rules for a service's billing cycle.
type CycleType string

const (
	CycleMonthly CycleType = "monthly"
	CycleWeekly  CycleType = "weekly"
	CycleYearly  CycleType = "yearly"
	CycleXDays   CycleType = "x_days"
)

// CycleSpec describes how often a service is billed. Only the fields relevant
// to Type carry meaning; the rest are ignored. Zero means unset.
type CycleSpec struct {
	Type         CycleType `json:"cycle_type"`
	DayOfMonth   int       `json:"day_of_month,omitempty" validate:"min=0,max=31"`
	DayOfWeek    int       `json:"day_of_week,omitempty" validate:"min=0,max=6"`
	MonthOfYear  int       `json:"month_of_year,omitempty" validate:"min=0,max=12"`
	IntervalDays int       `json:"interval_days,omitempty" validate:"min=0"`
}

// ServiceStatus enumerates service lifecycle states.
type ServiceStatus string

const (
	ServiceActive ServiceStatus = "active"
	ServicePaused ServiceStatus = "paused"
	ServiceEnded  ServiceStatus = "ended"
)

// Direction distinguishes incoming billing agreements from outgoing ones.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// LineItem is one billable line attached to a service.
type LineItem struct {
	ItemOrder   int
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// Service model. A recurring billing agreement with a stakeholder.
type Service struct {
	ID              int64
	CompanyID       int64
	StakeholderID   int64
	ServiceName     string
	Currency        string          `validate:"len=3"`
	TaxRate         decimal.Decimal // percent, 0-100
	StartDate       time.Time
	LastBilledDate  *time.Time
	NextBillingDate *time.Time
	Status          ServiceStatus
	AutoCreate      bool
	Direction       Direction
	Cycle           CycleSpec
	LineItems       []LineItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PaymentStatus enumerates payment lifecycle states. The scheduler only ever
// creates pending payments; later transitions belong to the payment workflow.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
)

// VendorSnapshot is the stakeholder identity at payment-creation time. It is
// never updated afterwards, even when the stakeholder record changes.
type VendorSnapshot struct {
	Name           string   `json:"name"`
	Address        string   `json:"address"`
	ContactPersons []string `json:"contact_persons"`
}

// Payment model. At most one exists per (service, period start, period end).
type Payment struct {
	ID                 int64           `json:"id"`
	ServiceID          int64           `json:"service_id"`
	CompanyID          int64           `json:"company_id"`
	StakeholderID      int64           `json:"stakeholder_id"`
	BillingPeriodStart time.Time       `json:"billing_period_start"`
	BillingPeriodEnd   time.Time       `json:"billing_period_end"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Currency           string          `json:"currency"`
	Status             PaymentStatus   `json:"status"`
	VendorSnapshot     VendorSnapshot  `json:"vendor_snapshot"`
	CreatedAt          time.Time       `json:"created_at"`
}

// PaymentLineItem is a point-in-time copy of a service line item.
type PaymentLineItem struct {
	ID          int64           `json:"id"`
	PaymentID   int64           `json:"payment_id"`
	ItemOrder   int             `json:"item_order"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// RunReport aggregates the outcome of one billing run. It is returned to the
// caller and logged, never persisted.
type RunReport struct {
	RunID     uuid.UUID `json:"run_id"`
	Processed int       `json:"processed"`
	Created   int       `json:"created"`
	Skipped   int       `json:"skipped"`
	Errors    []string  `json:"errors,omitempty"`
	StartedAt time.Time `json:"started_at"`
}
