// Package memory implements store.Store in process memory. Records are
// copied on the way in and out so callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/store"
)

// Compile-time check.
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Customer storage
	customers  map[id.ID]*customer.Customer
	customerBy map[string]id.ID // scope:customerID → internal ID

	// Catalog storage, every version per scope:productID
	products map[string][]*product.Product

	// Ledger storage
	cusProducts  map[id.ID]*customer.Product
	entitlements map[id.ID]*customer.Entitlement

	// Billing storage
	applied   map[id.ID]bool
	lineItems map[id.ID][]billing.LineItem // customer internal ID → items
	deferred  map[id.ID]*billing.Deferred

	// Reconciliation storage
	markers map[id.ID]*reconcile.Marker

	now func() time.Time
}

func New() *Store {
	return &Store{
		customers:    make(map[id.ID]*customer.Customer),
		customerBy:   make(map[string]id.ID),
		products:     make(map[string][]*product.Product),
		cusProducts:  make(map[id.ID]*customer.Product),
		entitlements: make(map[id.ID]*customer.Entitlement),
		applied:      make(map[id.ID]bool),
		lineItems:    make(map[id.ID][]billing.LineItem),
		deferred:     make(map[id.ID]*billing.Deferred),
		markers:      make(map[id.ID]*reconcile.Marker),
		now:          time.Now,
	}
}

// Put writes a whole ledger view, replacing any records with the same IDs.
// Tests use it to seed customers with products already attached.
func (s *Store) Put(v *customer.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *v.Customer
	s.customers[c.InternalID] = &c
	s.customerBy[scopeKey(entitle.Scope{OrgID: c.OrgID, Env: c.Env}, c.ID)] = c.InternalID
	for _, p := range v.Products {
		s.cusProducts[p.ID] = p.Clone()
	}
	for _, e := range v.Entitlements {
		s.entitlements[e.ID] = e.Clone()
	}
}

func scopeKey(sc entitle.Scope, key string) string {
	return sc.OrgID + ":" + sc.Env + ":" + key
}

// ──────────────────────────────────────────────────
// Customer Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateCustomer(_ context.Context, c *customer.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := scopeKey(entitle.Scope{OrgID: c.OrgID, Env: c.Env}, c.ID)
	if _, exists := s.customerBy[k]; exists {
		return entitle.ErrDuplicateCustomer
	}
	cp := *c
	s.customers[c.InternalID] = &cp
	s.customerBy[k] = c.InternalID
	return nil
}

func (s *Store) GetCustomer(_ context.Context, sc entitle.Scope, customerID string) (*customer.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	internalID, ok := s.customerBy[scopeKey(sc, customerID)]
	if !ok {
		return nil, entitle.ErrCustomerNotFound
	}
	c := *s.customers[internalID]
	return &c, nil
}

func (s *Store) GetCustomerByInternalID(_ context.Context, internalID id.ID) (*customer.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[internalID]
	if !ok {
		return nil, entitle.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateCustomer(_ context.Context, c *customer.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[c.InternalID]; !ok {
		return entitle.ErrCustomerNotFound
	}
	cp := *c
	s.customers[c.InternalID] = &cp
	return nil
}

func (s *Store) LoadView(_ context.Context, sc entitle.Scope, customerID string) (*customer.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	internalID, ok := s.customerBy[scopeKey(sc, customerID)]
	if !ok {
		return nil, entitle.ErrCustomerNotFound
	}
	return s.view(internalID), nil
}

// view assembles a customer's view. Callers hold s.mu.
func (s *Store) view(internalID id.ID) *customer.View {
	c := *s.customers[internalID]
	v := &customer.View{Customer: &c}
	for _, p := range s.cusProducts {
		if p.CustomerInternalID == internalID {
			v.Products = append(v.Products, p.Clone())
		}
	}
	sort.Slice(v.Products, func(i, j int) bool { return v.Products[i].ID.String() < v.Products[j].ID.String() })

	for _, e := range s.entitlements {
		if e.CustomerInternalID == internalID {
			v.Entitlements = append(v.Entitlements, e.Clone())
		}
	}
	sort.Slice(v.Entitlements, func(i, j int) bool { return v.Entitlements[i].ID.String() < v.Entitlements[j].ID.String() })
	return v
}

func (s *Store) ListProductsBySubscription(_ context.Context, subscriptionID string) ([]*customer.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*customer.Product
	for _, p := range s.cusProducts {
		if subscriptionID != "" && p.ProcessorSubscriptionID == subscriptionID {
			out = append(out, p.Clone())
		}
	}
	sortProducts(out, func(p *customer.Product) time.Time { return p.StartsAt })
	return out, nil
}

func (s *Store) ListDueCancellations(_ context.Context, now time.Time, limit int) ([]*customer.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*customer.Product
	for _, p := range s.cusProducts {
		if p.Status.IsLive() && p.CanceledAt != nil && !p.CanceledAt.After(now) {
			out = append(out, p.Clone())
		}
	}
	sortProducts(out, func(p *customer.Product) time.Time { return *p.CanceledAt })
	return truncate(out, limit), nil
}

func (s *Store) ListDueActivations(_ context.Context, now time.Time, limit int) ([]*customer.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*customer.Product
	for _, p := range s.cusProducts {
		if p.Status == customer.StatusScheduled && !p.StartsAt.After(now) {
			out = append(out, p.Clone())
		}
	}
	sortProducts(out, func(p *customer.Product) time.Time { return p.StartsAt })
	return truncate(out, limit), nil
}

func (s *Store) ListDueTrials(_ context.Context, now time.Time, limit int) ([]*customer.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*customer.Product
	for _, p := range s.cusProducts {
		end := p.PendingTrialEnd()
		if p.Status.IsLive() && p.CanceledAt == nil && end != nil && !end.After(now) {
			out = append(out, p.Clone())
		}
	}
	sortProducts(out, func(p *customer.Product) time.Time { return *p.TrialEndsAt })
	return truncate(out, limit), nil
}

func (s *Store) ListDueResets(_ context.Context, now time.Time, limit int) ([]id.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[id.ID]bool)
	var out []id.ID
	for _, e := range s.entitlements {
		if e.NextResetAt == nil || e.NextResetAt.After(now) || seen[e.CustomerInternalID] {
			continue
		}
		if p, ok := s.cusProducts[e.CustomerProductID]; !ok || !p.Status.IsLive() {
			continue
		}
		seen[e.CustomerInternalID] = true
		out = append(out, e.CustomerInternalID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return truncate(out, limit), nil
}

func (s *Store) MutateEntitlements(_ context.Context, internalID id.ID, fn func([]*customer.Entitlement) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[internalID]; !ok {
		return entitle.ErrCustomerNotFound
	}

	live := s.view(internalID).LiveEntitlements()
	if err := fn(live); err != nil {
		return err
	}
	for _, e := range live {
		s.entitlements[e.ID] = e.Clone()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Product Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateProduct(_ context.Context, p *product.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := scopeKey(entitle.Scope{OrgID: p.OrgID, Env: p.Env}, p.ID)
	versions := s.products[k]
	if p.Version == 0 {
		p.Version = len(versions) + 1
	}
	for _, existing := range versions {
		if existing.Version == p.Version {
			return entitle.ErrDuplicateProduct
		}
	}
	cp := *p
	s.products[k] = append(versions, &cp)
	sort.Slice(s.products[k], func(i, j int) bool { return s.products[k][i].Version < s.products[k][j].Version })
	return nil
}

func (s *Store) GetProduct(_ context.Context, sc entitle.Scope, productID string, version int) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.products[scopeKey(sc, productID)]
	if len(versions) == 0 {
		return nil, entitle.ErrProductNotFound
	}
	if version == 0 {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	for _, p := range versions {
		if p.Version == version {
			cp := *p
			return &cp, nil
		}
	}
	return nil, entitle.ErrProductNotFound
}

func (s *Store) GetDefaultProduct(ctx context.Context, sc entitle.Scope, group string) (*product.Product, error) {
	latest, err := s.ListProducts(ctx, sc, product.ListOpts{Group: group})
	if err != nil {
		return nil, err
	}
	for _, p := range latest {
		if p.IsDefault && !p.IsAddOn {
			return p, nil
		}
	}
	return nil, entitle.ErrProductNotFound
}

// ListProducts returns the latest version of each product, ordered by ID.
func (s *Store) ListProducts(_ context.Context, sc entitle.Scope, opts product.ListOpts) ([]*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*product.Product, 0)
	for _, versions := range s.products {
		p := versions[len(versions)-1]
		if p.OrgID != sc.OrgID || p.Env != sc.Env {
			continue
		}
		if opts.Group != "" && p.Group != opts.Group {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	// Apply limit/offset
	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

// ──────────────────────────────────────────────────
// Billing Store implementation
// ──────────────────────────────────────────────────

func (s *Store) ApplyPlan(_ context.Context, p *billing.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[p.ID()] {
		return entitle.ErrPlanAlreadyApplied
	}
	internalID := p.CustomerInternalID()
	if _, ok := s.customers[internalID]; !ok {
		return entitle.ErrCustomerNotFound
	}

	eff, err := p.Resolve(s.view(internalID), s.now())
	if err != nil {
		return err
	}

	if eff.DeletedProductID != nil {
		delete(s.cusProducts, *eff.DeletedProductID)
		for entID, e := range s.entitlements {
			if e.CustomerProductID == *eff.DeletedProductID {
				delete(s.entitlements, entID)
			}
		}
	}
	if eff.UpdatedProduct != nil {
		s.cusProducts[eff.UpdatedProduct.ID] = eff.UpdatedProduct.Clone()
	}
	for _, cp := range eff.InsertProducts {
		s.cusProducts[cp.ID] = cp.Clone()
	}
	for _, e := range eff.UpdatedEntitlements {
		s.entitlements[e.ID] = e.Clone()
	}
	for _, e := range eff.InsertEntitlements {
		s.entitlements[e.ID] = e.Clone()
	}
	s.lineItems[internalID] = append(s.lineItems[internalID], eff.LineItems...)
	s.applied[p.ID()] = true
	return nil
}

func (s *Store) ListLineItems(_ context.Context, customerInternalID id.ID, limit int) ([]billing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.lineItems[customerInternalID]
	out := make([]billing.LineItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return truncate(out, limit), nil
}

func (s *Store) SaveDeferred(_ context.Context, d *billing.Deferred) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.deferred[d.ID] = &cp
	return nil
}

func (s *Store) TakeDeferred(_ context.Context, deferredID id.ID) (*billing.Deferred, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deferred[deferredID]
	if !ok {
		return nil, entitle.ErrDeferredPlanNotFound
	}
	delete(s.deferred, deferredID)
	return d, nil
}

// ──────────────────────────────────────────────────
// Reconcile Store implementation
// ──────────────────────────────────────────────────

func (s *Store) SaveMarker(_ context.Context, m *reconcile.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markers[m.ID] = &cp
	return nil
}

func (s *Store) GetMarker(_ context.Context, markerID id.ID) (*reconcile.Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markers[markerID]
	if !ok {
		return nil, entitle.ErrMarkerNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMarkers(_ context.Context, limit int) ([]*reconcile.Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*reconcile.Marker, 0, len(s.markers))
	for _, m := range s.markers {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return truncate(out, limit), nil
}

func (s *Store) DeleteMarker(_ context.Context, markerID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markers[markerID]; !ok {
		return entitle.ErrMarkerNotFound
	}
	delete(s.markers, markerID)
	return nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Helper functions
func sortProducts(ps []*customer.Product, at func(*customer.Product) time.Time) {
	sort.Slice(ps, func(i, j int) bool {
		ti, tj := at(ps[i]), at(ps[j])
		if ti.Equal(tj) {
			return ps[i].ID.String() < ps[j].ID.String()
		}
		return ti.Before(tj)
	})
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
