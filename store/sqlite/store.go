package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
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

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/sqlite: migration failed: %w", err)
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
	NewSelect(model ...any) *sqlitedriver.SelectQuery
	NewInsert(model any) *sqlitedriver.InsertQuery
	NewUpdate(model any) *sqlitedriver.UpdateQuery
	NewDelete(model any) *sqlitedriver.DeleteQuery
	NewRaw(query string, args ...any) *sqlitedriver.RawQuery
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlitedriver.SqliteTx) error) error {
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
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
	res, err := s.sdb.NewInsert(toCustomerModel(c)).
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
	err := s.sdb.NewSelect(m).
		Where("org_id = ?", sc.OrgID).
		Where("env = ?", sc.Env).
		Where("customer_id = ?", customerID).
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
	return getCustomerByInternalID(ctx, s.sdb, internalID)
}

func getCustomerByInternalID(ctx context.Context, q querier, internalID id.ID) (*customer.Customer, error) {
	m := new(customerModel)
	err := q.NewSelect(m).Where("internal_id = ?", internalID.String()).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrCustomerNotFound
		}
		return nil, err
	}
	return fromCustomerModel(m)
}

// lockCustomer takes the database write lock at the start of a transaction
// by touching the customer row. SQLite has no row locks, and upgrading a
// read transaction later can fail with SQLITE_BUSY.
func lockCustomer(ctx context.Context, tx *sqlitedriver.SqliteTx, internalID id.ID) (*customer.Customer, error) {
	res, err := tx.NewRaw(`UPDATE entitle_customers SET updated_at = updated_at WHERE internal_id = ?`, internalID.String()).Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, entitle.ErrCustomerNotFound
	}
	return getCustomerByInternalID(ctx, tx, internalID)
}

func (s *Store) UpdateCustomer(ctx context.Context, c *customer.Customer) error {
	c.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(toCustomerModel(c)).WherePK().Exec(ctx)
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
	return loadView(ctx, s.sdb, c)
}

// loadView reads a customer's products and entitlements.
func loadView(ctx context.Context, q querier, c *customer.Customer) (*customer.View, error) {
	v := &customer.View{Customer: c}

	var products []customerProductModel
	err := q.NewSelect(&products).
		Where("customer_internal_id = ?", c.InternalID.String()).
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
	err = q.NewSelect(&ents).
		Where("customer_internal_id = ?", c.InternalID.String()).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
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
	err := s.sdb.NewSelect(&models).
		Where("subscription_id = ?", subscriptionID).
		OrderExpr("starts_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueCancellations(ctx context.Context, at time.Time, limit int) ([]*customer.Product, error) {
	var models []customerProductModel
	q := s.sdb.NewSelect(&models).
		Where("status IN ('active', 'past_due')").
		Where("canceled_at IS NOT NULL").
		Where("canceled_at <= ?", at.UTC()).
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
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(customer.StatusScheduled)).
		Where("starts_at <= ?", at.UTC()).
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
	q := s.sdb.NewSelect(&models).
		Where("status IN ('active', 'past_due')").
		Where("canceled_at IS NULL").
		Where("trial_ends_at <= ?", at.UTC()).
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
WHERE e.next_reset_at <= ? AND p.status IN ('active', 'past_due')
ORDER BY e.customer_internal_id`
	args := []any{at.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sdb.Query(ctx, query, args...)
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
	return s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		c, err := lockCustomer(ctx, tx, internalID)
		if err != nil {
			return err
		}
		v, err := loadView(ctx, tx, c)
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
	return s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		if p.Version == 0 {
			var latest int
			err := tx.NewRaw(`SELECT COALESCE(MAX(version), 0) FROM entitle_products WHERE org_id = ? AND env = ? AND product_id = ?`,
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
	q := s.sdb.NewSelect(m).
		Where("org_id = ?", sc.OrgID).
		Where("env = ?", sc.Env).
		Where("product_id = ?", productID)
	if version > 0 {
		q = q.Where("version = ?", version)
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
	q := s.sdb.NewSelect(&models).
		Where("org_id = ?", sc.OrgID).
		Where("env = ?", sc.Env).
		Where("version = (SELECT MAX(v.version) FROM entitle_products v WHERE v.org_id = entitle_products.org_id AND v.env = entitle_products.env AND v.product_id = entitle_products.product_id)")
	if opts.Group != "" {
		q = q.Where("product_group = ?", opts.Group)
	}
	q = q.OrderExpr("product_id ASC")
	// SQLite rejects OFFSET without LIMIT.
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	if opts.Limit == 0 && opts.Offset > 0 {
		models = models[min(opts.Offset, len(models)):]
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

// ApplyPlan records the plan ID first. The insert takes the write lock, so
// a concurrent apply of the same plan waits and then sees it applied.
func (s *Store) ApplyPlan(ctx context.Context, p *billing.Plan) error {
	return s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
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

		c, err := lockCustomer(ctx, tx, p.CustomerInternalID())
		if err != nil {
			return err
		}
		v, err := loadView(ctx, tx, c)
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
		if _, err := q.NewDelete((*entitlementModel)(nil)).Where("customer_product_id = ?", cpID).Exec(ctx); err != nil {
			return err
		}
		if _, err := q.NewDelete((*customerProductModel)(nil)).Where("id = ?", cpID).Exec(ctx); err != nil {
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
	q := s.sdb.NewSelect(&models).
		Where("customer_internal_id = ?", customerInternalID.String()).
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
	_, err = s.sdb.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("plan = EXCLUDED.plan").
		Exec(ctx)
	return err
}

func (s *Store) TakeDeferred(ctx context.Context, deferredID id.ID) (*billing.Deferred, error) {
	var d *billing.Deferred
	err := s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		m := new(deferredModel)
		err := tx.NewSelect(m).
			Where("id = ?", deferredID.String()).
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
		res, err := tx.NewDelete((*deferredModel)(nil)).Where("id = ?", m.ID).Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return entitle.ErrDeferredPlanNotFound
		}
		return nil
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
	_, err = s.sdb.NewInsert(m).
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
	err := s.sdb.NewSelect(m).Where("id = ?", markerID.String()).Scan(ctx)
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
	q := s.sdb.NewSelect(&models).OrderExpr("created_at ASC, id ASC")
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
	res, err := s.sdb.NewDelete((*markerModel)(nil)).
		Where("id = ?", markerID.String()).
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
