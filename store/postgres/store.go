package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/reconcile"
	entitlestore "github.com/xraph/entitle/store"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("entitle/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	NewSelect(model ...any) *pgdriver.SelectQuery
	NewInsert(model any) *pgdriver.InsertQuery
	NewUpdate(model any) *pgdriver.UpdateQuery
	NewDelete(model any) *pgdriver.DeleteQuery
	NewRaw(query string, args ...any) *pgdriver.RawQuery
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *pgdriver.PgTx) error) error {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", entitle.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ==================== Customer Store ====================

func (s *Store) CreateCustomer(ctx context.Context, c *customer.Customer) error {
	res, err := s.pg.NewInsert(toCustomerModel(c)).
		OnConflict("(org_id, env, customer_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrDuplicateCustomer
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, sc entitle.Scope, customerID string) (*customer.Customer, error) {
	m := new(customerModel)
	err := s.pg.NewSelect(m).
		Where("org_id = $1", sc.OrgID).
		Where("env = $2", sc.Env).
		Where("customer_id = $3", customerID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrCustomerNotFound
		}
		return nil, err
	}
	return fromCustomerModel(m)
}

func (s *Store) GetCustomerByInternalID(ctx context.Context, internalID id.ID) (*customer.Customer, error) {
	return getCustomerByInternalID(ctx, s.pg, internalID, false)
}

func getCustomerByInternalID(ctx context.Context, q querier, internalID id.ID, lock bool) (*customer.Customer, error) {
	m := new(customerModel)
	sel := q.NewSelect(m).Where("internal_id = $1", internalID.String())
	if lock {
		sel = sel.ForUpdate()
	}
	if err := sel.Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrCustomerNotFound
		}
		return nil, err
	}
	return fromCustomerModel(m)
}

func (s *Store) UpdateCustomer(ctx context.Context, c *customer.Customer) error {
	c.UpdatedAt = now()
	res, err := s.pg.NewUpdate(toCustomerModel(c)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) LoadView(ctx context.Context, sc entitle.Scope, customerID string) (*customer.View, error) {
	c, err := s.GetCustomer(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	return loadView(ctx, s.pg, c, false)
}

// loadView reads a customer's products and entitlements. With lock set the
// entitlement rows stay locked until the transaction ends.
func loadView(ctx context.Context, q querier, c *customer.Customer, lock bool) (*customer.View, error) {
	v := &customer.View{Customer: c}

	var products []customerProductModel
	err := q.NewSelect(&products).
		Where("customer_internal_id = $1", c.InternalID.String()).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range products {
		p, err := fromCustomerProductModel(&products[i])
		if err != nil {
			return nil, err
		}
		v.Products = append(v.Products, p)
	}

	var ents []entitlementModel
	sel := q.NewSelect(&ents).
		Where("customer_internal_id = $1", c.InternalID.String()).
		OrderExpr("id ASC")
	if lock {
		sel = sel.ForUpdate()
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}
	for i := range ents {
		e, err := fromEntitlementModel(&ents[i])
		if err != nil {
			return nil, err
		}
		v.Entitlements = append(v.Entitlements, e)
	}
	return v, nil
}

func (s *Store) ListProductsBySubscription(ctx context.Context, subscriptionID string) ([]*customer.Product, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	var models []customerProductModel
	err := s.pg.NewSelect(&models).
		Where("subscription_id = $1", subscriptionID).
		OrderExpr("starts_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueCancellations(ctx context.Context, at time.Time, limit int) ([]*customer.Product, error) {
	var models []customerProductModel
	q := s.pg.NewSelect(&models).
		Where("status IN ('active', 'past_due')").
		Where("canceled_at IS NOT NULL").
		Where("canceled_at <= $1", at).
		OrderExpr("canceled_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueActivations(ctx context.Context, at time.Time, limit int) ([]*customer.Product, error) {
	var models []customerProductModel
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(customer.StatusScheduled)).
		Where("starts_at <= $2", at).
		OrderExpr("starts_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueTrials(ctx context.Context, at time.Time, limit int) ([]*customer.Product, error) {
	var models []customerProductModel
	q := s.pg.NewSelect(&models).
		Where("status IN ('active', 'past_due')").
		Where("canceled_at IS NULL").
		Where("trial_ends_at <= $1", at).
		OrderExpr("trial_ends_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueResets(ctx context.Context, at time.Time, limit int) ([]id.ID, error) {
	query := `
SELECT DISTINCT e.customer_internal_id
FROM entitle_entitlements e
JOIN entitle_customer_products p ON p.id = e.customer_product_id
WHERE e.next_reset_at <= $1 AND p.status IN ('active', 'past_due')
ORDER BY e.customer_internal_id`
	args := []any{at}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }() //nolint:errcheck // read-only cursor

	var out []id.ID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		internalID, err := id.ParseCustomerID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, internalID)
	}
	return out, rows.Err()
}

func (s *Store) MutateEntitlements(ctx context.Context, internalID id.ID, fn func([]*customer.Entitlement) error) error {
	return s.inTx(ctx, func(tx *pgdriver.PgTx) error {
		c, err := getCustomerByInternalID(ctx, tx, internalID, true)
		if err != nil {
			return err
		}
		v, err := loadView(ctx, tx, c, true)
		if err != nil {
			return err
		}
		live := v.LiveEntitlements()
		if err := fn(live); err != nil {
			return err
		}
		for _, e := range live {
			if err := updateEntitlement(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// ==================== Product Store ====================

func (s *Store) CreateProduct(ctx context.Context, p *product.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *pgdriver.PgTx) error {
		if p.Version == 0 {
			var latest int
			err := tx.NewRaw(`SELECT COALESCE(MAX(version), 0) FROM entitle_products WHERE org_id = $1 AND env = $2 AND product_id = $3`,
				p.OrgID, p.Env, p.ID).Scan(ctx, &latest)
			if err != nil {
				return err
			}
			p.Version = latest + 1
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now()
			p.UpdatedAt = p.CreatedAt
		}

		m, err := toProductModel(p)
		if err != nil {
			return err
		}
		res, err := tx.NewInsert(m).OnConflict("DO NOTHING").Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return entitle.ErrDuplicateProduct
		}
		return nil
	})
}

func (s *Store) GetProduct(ctx context.Context, sc entitle.Scope, productID string, version int) (*product.Product, error) {
	m := new(productModel)
	q := s.pg.NewSelect(m).
		Where("org_id = $1", sc.OrgID).
		Where("env = $2", sc.Env).
		Where("product_id = $3", productID)
	if version > 0 {
		q = q.Where("version = $4", version)
	} else {
		q = q.OrderExpr("version DESC").Limit(1)
	}
	if err := q.Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrProductNotFound
		}
		return nil, err
	}
	return fromProductModel(m)
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
func (s *Store) ListProducts(ctx context.Context, sc entitle.Scope, opts product.ListOpts) ([]*product.Product, error) {
	var models []productModel
	q := s.pg.NewSelect(&models).
		DistinctOn("product_id").
		Where("org_id = $1", sc.OrgID).
		Where("env = $2", sc.Env)
	if opts.Group != "" {
		q = q.Where("product_group = $3", opts.Group)
	}
	q = q.OrderExpr("product_id ASC, version DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*product.Product, 0, len(models))
	for i := range models {
		p, err := fromProductModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// ==================== Billing Store ====================

// ApplyPlan records the plan ID first so a concurrent apply of the same plan
// blocks on the primary key and then sees it applied.
func (s *Store) ApplyPlan(ctx context.Context, p *billing.Plan) error {
	return s.inTx(ctx, func(tx *pgdriver.PgTx) error {
		at := now()
		res, err := tx.NewInsert(&appliedPlanModel{
			PlanID:             p.ID().String(),
			CustomerInternalID: p.CustomerInternalID().String(),
			Scenario:           string(p.Scenario()),
			AppliedAt:          at,
		}).OnConflict("(plan_id) DO NOTHING").Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return entitle.ErrPlanAlreadyApplied
		}

		c, err := getCustomerByInternalID(ctx, tx, p.CustomerInternalID(), true)
		if err != nil {
			return err
		}
		v, err := loadView(ctx, tx, c, true)
		if err != nil {
			return err
		}
		eff, err := p.Resolve(v, at)
		if err != nil {
			return err
		}
		return writeEffect(ctx, tx, c.InternalID, eff, at)
	})
}

func writeEffect(ctx context.Context, q querier, internalID id.ID, eff *billing.Effect, at time.Time) error {
	if eff.DeletedProductID != nil {
		cpID := eff.DeletedProductID.String()
		if _, err := q.NewDelete((*entitlementModel)(nil)).Where("customer_product_id = $1", cpID).Exec(ctx); err != nil {
			return err
		}
		if _, err := q.NewDelete((*customerProductModel)(nil)).Where("id = $1", cpID).Exec(ctx); err != nil {
			return err
		}
	}
	if eff.UpdatedProduct != nil {
		m, err := toCustomerProductModel(eff.UpdatedProduct)
		if err != nil {
			return err
		}
		if _, err := q.NewUpdate(m).WherePK().Exec(ctx); err != nil {
			return err
		}
	}
	for _, cp := range eff.InsertProducts {
		m, err := toCustomerProductModel(cp)
		if err != nil {
			return err
		}
		if _, err := q.NewInsert(m).Exec(ctx); err != nil {
			return err
		}
	}
	for _, e := range eff.UpdatedEntitlements {
		if err := updateEntitlement(ctx, q, e); err != nil {
			return err
		}
	}
	for _, e := range eff.InsertEntitlements {
		m, err := toEntitlementModel(e)
		if err != nil {
			return err
		}
		if _, err := q.NewInsert(m).Exec(ctx); err != nil {
			return err
		}
	}
	for _, li := range eff.LineItems {
		m, err := toLineItemModel(internalID, li, at)
		if err != nil {
			return err
		}
		if _, err := q.NewInsert(m).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func updateEntitlement(ctx context.Context, q querier, e *customer.Entitlement) error {
	m, err := toEntitlementModel(e)
	if err != nil {
		return err
	}
	res, err := q.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("update %s: %w", e.ID, entitle.ErrEntitlementNotFound)
	}
	return nil
}

func (s *Store) ListLineItems(ctx context.Context, customerInternalID id.ID, limit int) ([]billing.LineItem, error) {
	var models []lineItemModel
	q := s.pg.NewSelect(&models).
		Where("customer_internal_id = $1", customerInternalID.String()).
		OrderExpr("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	items := make([]billing.LineItem, 0, len(models))
	for i := range models {
		li, err := fromLineItemModel(&models[i])
		if err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, nil
}

func (s *Store) SaveDeferred(ctx context.Context, d *billing.Deferred) error {
	m, err := toDeferredModel(d)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("plan = EXCLUDED.plan").
		Exec(ctx)
	return err
}

func (s *Store) TakeDeferred(ctx context.Context, deferredID id.ID) (*billing.Deferred, error) {
	var d *billing.Deferred
	err := s.inTx(ctx, func(tx *pgdriver.PgTx) error {
		m := new(deferredModel)
		err := tx.NewSelect(m).
			Where("id = $1", deferredID.String()).
			ForUpdate().
			Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return entitle.ErrDeferredPlanNotFound
			}
			return err
		}
		if d, err = fromDeferredModel(m); err != nil {
			return err
		}
		_, err = tx.NewDelete((*deferredModel)(nil)).Where("id = $1", m.ID).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ==================== Reconcile Store ====================

func (s *Store) SaveMarker(ctx context.Context, mk *reconcile.Marker) error {
	m, err := toMarkerModel(mk)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("plan = EXCLUDED.plan").
		Set("error = EXCLUDED.error").
		Set("attempts = EXCLUDED.attempts").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) GetMarker(ctx context.Context, markerID id.ID) (*reconcile.Marker, error) {
	m := new(markerModel)
	err := s.pg.NewSelect(m).Where("id = $1", markerID.String()).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrMarkerNotFound
		}
		return nil, err
	}
	return fromMarkerModel(m)
}

func (s *Store) ListMarkers(ctx context.Context, limit int) ([]*reconcile.Marker, error) {
	var models []markerModel
	q := s.pg.NewSelect(&models).OrderExpr("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	out := make([]*reconcile.Marker, 0, len(models))
	for i := range models {
		mk, err := fromMarkerModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, mk)
	}
	return out, nil
}

func (s *Store) DeleteMarker(ctx context.Context, markerID id.ID) error {
	res, err := s.pg.NewDelete((*markerModel)(nil)).
		Where("id = $1", markerID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrMarkerNotFound
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func fromCustomerProductModels(models []customerProductModel) ([]*customer.Product, error) {
	out := make([]*customer.Product, 0, len(models))
	for i := range models {
		p, err := fromCustomerProductModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
