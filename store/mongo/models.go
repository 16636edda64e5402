package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/types"
)

// Records holding balances keep their body as JSON text in the data field.
// BSON has no encoding for arbitrary-precision decimals; the indexed fields
// beside it are what queries filter on.

// ==================== Customer models ====================

type customerModel struct {
	grove.BaseModel `grove:"table:entitle_customers"`

	InternalID          string    `grove:"internal_id,pk"        bson:"_id"`
	CustomerID          string    `grove:"customer_id"           bson:"customer_id"`
	OrgID               string    `grove:"org_id"                bson:"org_id"`
	Env                 string    `grove:"env"                   bson:"env"`
	Name                string    `grove:"name"                  bson:"name"`
	Email               string    `grove:"email"                 bson:"email"`
	ProcessorCustomerID string    `grove:"processor_customer_id" bson:"processor_customer_id"`
	LedgerVersion       int64     `grove:"ledger_version"        bson:"ledger_version"`
	CreatedAt           time.Time `grove:"created_at"            bson:"created_at"`
	UpdatedAt           time.Time `grove:"updated_at"            bson:"updated_at"`
}

func toCustomerModel(c *customer.Customer) *customerModel {
	return &customerModel{
		InternalID:          c.InternalID.String(),
		CustomerID:          c.ID,
		OrgID:               c.OrgID,
		Env:                 c.Env,
		Name:                c.Name,
		Email:               c.Email,
		ProcessorCustomerID: c.ProcessorCustomerID,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func fromCustomerModel(m *customerModel) (*customer.Customer, error) {
	internalID, err := id.ParseCustomerID(m.InternalID)
	if err != nil {
		return nil, err
	}
	return &customer.Customer{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		InternalID:          internalID,
		ID:                  m.CustomerID,
		OrgID:               m.OrgID,
		Env:                 m.Env,
		Name:                m.Name,
		Email:               m.Email,
		ProcessorCustomerID: m.ProcessorCustomerID,
	}, nil
}

// ==================== Catalog models ====================

type productModel struct {
	grove.BaseModel `grove:"table:entitle_products"`

	Key       string    `grove:"key,pk"        bson:"_id"`
	OrgID     string    `grove:"org_id"        bson:"org_id"`
	Env       string    `grove:"env"           bson:"env"`
	ProductID string    `grove:"product_id"    bson:"product_id"`
	Version   int       `grove:"version"       bson:"version"`
	Group     string    `grove:"product_group" bson:"product_group"`
	IsDefault bool      `grove:"is_default"    bson:"is_default"`
	IsAddOn   bool      `grove:"is_add_on"     bson:"is_add_on"`
	Data      string    `grove:"data"          bson:"data"`
	CreatedAt time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"    bson:"updated_at"`
}

func toProductModel(p *product.Product) (*productModel, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode product %s: %w", p.ID, err)
	}
	return &productModel{
		Key:       fmt.Sprintf("%s:%s:%s:%d", p.OrgID, p.Env, p.ID, p.Version),
		OrgID:     p.OrgID,
		Env:       p.Env,
		ProductID: p.ID,
		Version:   p.Version,
		Group:     p.Group,
		IsDefault: p.IsDefault,
		IsAddOn:   p.IsAddOn,
		Data:      string(data),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

func fromProductModel(m *productModel) (*product.Product, error) {
	p := new(product.Product)
	if err := json.Unmarshal([]byte(m.Data), p); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", m.Key, err)
	}
	return p, nil
}

// ==================== Ledger models ====================

type customerProductModel struct {
	grove.BaseModel `grove:"table:entitle_customer_products"`

	ID                 string     `grove:"id,pk"                bson:"_id"`
	CustomerInternalID string     `grove:"customer_internal_id" bson:"customer_internal_id"`
	ProductID          string     `grove:"product_id"           bson:"product_id"`
	Status             string     `grove:"status"               bson:"status"`
	CanceledAt         *time.Time `grove:"canceled_at"          bson:"canceled_at"`
	StartsAt           time.Time  `grove:"starts_at"            bson:"starts_at"`
	SubscriptionID     string     `grove:"subscription_id"      bson:"subscription_id"`
	TrialEndsAt        *time.Time `grove:"trial_ends_at"        bson:"trial_ends_at"`
	Data               string     `grove:"data"                 bson:"data"`
	CreatedAt          time.Time  `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"           bson:"updated_at"`
}

func toCustomerProductModel(p *customer.Product) (*customerProductModel, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode customer product %s: %w", p.ID, err)
	}
	return &customerProductModel{
		ID:                 p.ID.String(),
		CustomerInternalID: p.CustomerInternalID.String(),
		ProductID:          p.ProductID,
		Status:             string(p.Status),
		CanceledAt:         p.CanceledAt,
		StartsAt:           p.StartsAt,
		SubscriptionID:     p.ProcessorSubscriptionID,
		TrialEndsAt:        p.PendingTrialEnd(),
		Data:               string(data),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}, nil
}

func fromCustomerProductModel(m *customerProductModel) (*customer.Product, error) {
	p := new(customer.Product)
	if err := json.Unmarshal([]byte(m.Data), p); err != nil {
		return nil, fmt.Errorf("decode customer product %s: %w", m.ID, err)
	}
	return p, nil
}

type entitlementModel struct {
	grove.BaseModel `grove:"table:entitle_entitlements"`

	ID                 string     `grove:"id,pk"                bson:"_id"`
	CustomerInternalID string     `grove:"customer_internal_id" bson:"customer_internal_id"`
	CustomerProductID  string     `grove:"customer_product_id"  bson:"customer_product_id"`
	FeatureID          string     `grove:"feature_id"           bson:"feature_id"`
	NextResetAt        *time.Time `grove:"next_reset_at"        bson:"next_reset_at"`
	Data               string     `grove:"data"                 bson:"data"`
	CreatedAt          time.Time  `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"           bson:"updated_at"`
}

func toEntitlementModel(e *customer.Entitlement) (*entitlementModel, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entitlement %s: %w", e.ID, err)
	}
	return &entitlementModel{
		ID:                 e.ID.String(),
		CustomerInternalID: e.CustomerInternalID.String(),
		CustomerProductID:  e.CustomerProductID.String(),
		FeatureID:          e.FeatureID,
		NextResetAt:        e.NextResetAt,
		Data:               string(data),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}, nil
}

func fromEntitlementModel(m *entitlementModel) (*customer.Entitlement, error) {
	e := new(customer.Entitlement)
	if err := json.Unmarshal([]byte(m.Data), e); err != nil {
		return nil, fmt.Errorf("decode entitlement %s: %w", m.ID, err)
	}
	return e, nil
}

// ==================== Billing models ====================

type lineItemModel struct {
	grove.BaseModel `grove:"table:entitle_line_items"`

	ID                 string    `grove:"id,pk"                bson:"_id"`
	CustomerInternalID string    `grove:"customer_internal_id" bson:"customer_internal_id"`
	PlanID             string    `grove:"plan_id"              bson:"plan_id"`
	Data               string    `grove:"data"                 bson:"data"`
	CreatedAt          time.Time `grove:"created_at"           bson:"created_at"`
}

func toLineItemModel(customerInternalID id.ID, li billing.LineItem, now time.Time) (*lineItemModel, error) {
	data, err := json.Marshal(li)
	if err != nil {
		return nil, fmt.Errorf("encode line item %s: %w", li.ID, err)
	}
	return &lineItemModel{
		ID:                 li.ID.String(),
		CustomerInternalID: customerInternalID.String(),
		PlanID:             li.PlanID.String(),
		Data:               string(data),
		CreatedAt:          now,
	}, nil
}

func fromLineItemModel(m *lineItemModel) (billing.LineItem, error) {
	var li billing.LineItem
	if err := json.Unmarshal([]byte(m.Data), &li); err != nil {
		return li, fmt.Errorf("decode line item %s: %w", m.ID, err)
	}
	return li, nil
}

type appliedPlanModel struct {
	grove.BaseModel `grove:"table:entitle_applied_plans"`

	PlanID             string    `grove:"plan_id,pk"           bson:"_id"`
	CustomerInternalID string    `grove:"customer_internal_id" bson:"customer_internal_id"`
	Scenario           string    `grove:"scenario"             bson:"scenario"`
	AppliedAt          time.Time `grove:"applied_at"           bson:"applied_at"`
}

type deferredModel struct {
	grove.BaseModel `grove:"table:entitle_deferred_plans"`

	ID         string    `grove:"id,pk"       bson:"_id"`
	OrgID      string    `grove:"org_id"      bson:"org_id"`
	Env        string    `grove:"env"         bson:"env"`
	CustomerID string    `grove:"customer_id" bson:"customer_id"`
	Plan       string    `grove:"plan"        bson:"plan"`
	CreatedAt  time.Time `grove:"created_at"  bson:"created_at"`
}

func toDeferredModel(d *billing.Deferred) (*deferredModel, error) {
	plan, err := json.Marshal(d.Plan)
	if err != nil {
		return nil, fmt.Errorf("encode deferred plan %s: %w", d.ID, err)
	}
	return &deferredModel{
		ID:         d.ID.String(),
		OrgID:      d.Scope.OrgID,
		Env:        d.Scope.Env,
		CustomerID: d.CustomerID,
		Plan:       string(plan),
		CreatedAt:  d.CreatedAt,
	}, nil
}

func fromDeferredModel(m *deferredModel) (*billing.Deferred, error) {
	deferredID, err := id.ParseDeferredID(m.ID)
	if err != nil {
		return nil, err
	}
	plan := new(billing.Plan)
	if err := json.Unmarshal([]byte(m.Plan), plan); err != nil {
		return nil, fmt.Errorf("decode deferred plan %s: %w", m.ID, err)
	}
	return &billing.Deferred{
		ID:         deferredID,
		Scope:      entitle.Scope{OrgID: m.OrgID, Env: m.Env},
		CustomerID: m.CustomerID,
		Plan:       plan,
		CreatedAt:  m.CreatedAt,
	}, nil
}

// ==================== Reconcile models ====================

type markerModel struct {
	grove.BaseModel `grove:"table:entitle_markers"`

	ID             string    `grove:"id,pk"           bson:"_id"`
	OrgID          string    `grove:"org_id"          bson:"org_id"`
	Env            string    `grove:"env"             bson:"env"`
	CustomerID     string    `grove:"customer_id"     bson:"customer_id"`
	Kind           string    `grove:"kind"            bson:"kind"`
	Plan           string    `grove:"plan"            bson:"plan"`
	IdempotencyKey string    `grove:"idempotency_key" bson:"idempotency_key"`
	Error          string    `grove:"error"           bson:"error"`
	Attempts       int       `grove:"attempts"        bson:"attempts"`
	CreatedAt      time.Time `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"      bson:"updated_at"`
}

func toMarkerModel(m *reconcile.Marker) (*markerModel, error) {
	plan, err := json.Marshal(m.Plan)
	if err != nil {
		return nil, fmt.Errorf("encode marker plan %s: %w", m.ID, err)
	}
	return &markerModel{
		ID:             m.ID.String(),
		OrgID:          m.Scope.OrgID,
		Env:            m.Scope.Env,
		CustomerID:     m.CustomerID,
		Kind:           string(m.Kind),
		Plan:           string(plan),
		IdempotencyKey: m.IdempotencyKey,
		Error:          m.Error,
		Attempts:       m.Attempts,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

func fromMarkerModel(m *markerModel) (*reconcile.Marker, error) {
	markerID, err := id.ParseMarkerID(m.ID)
	if err != nil {
		return nil, err
	}
	plan := new(billing.Plan)
	if err := json.Unmarshal([]byte(m.Plan), plan); err != nil {
		return nil, fmt.Errorf("decode marker plan %s: %w", m.ID, err)
	}
	return &reconcile.Marker{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             markerID,
		Scope:          entitle.Scope{OrgID: m.OrgID, Env: m.Env},
		CustomerID:     m.CustomerID,
		Kind:           reconcile.Kind(m.Kind),
		Plan:           plan,
		IdempotencyKey: m.IdempotencyKey,
		Error:          m.Error,
		Attempts:       m.Attempts,
	}, nil
}
