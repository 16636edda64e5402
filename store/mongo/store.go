package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/reconcile"
	entitlestore "github.com/xraph/entitle/store"
)

// Collection name constants.
const (
	colCustomers        = "entitle_customers"
	colProducts         = "entitle_products"
	colCustomerProducts = "entitle_customer_products"
	colEntitlements     = "entitle_entitlements"
	colLineItems        = "entitle_line_items"
	colAppliedPlans     = "entitle_applied_plans"
	colDeferred         = "entitle_deferred_plans"
	colMarkers          = "entitle_markers"
)

var liveStatuses = bson.A{string(customer.StatusActive), string(customer.StatusPastDue)}

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM. Plans and
// entitlement mutations run in multi-document transactions, which need a
// replica set.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all entitle collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("entitle/mongo: migrate %s indexes: %w", col, err)
		}
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

// querier is satisfied by both the database and a transaction.
type querier interface {
	NewFind(model ...any) *mongodriver.FindQuery
	NewInsert(model any) *mongodriver.InsertQuery
	NewUpdate(model any) *mongodriver.UpdateQuery
	NewDelete(model any) *mongodriver.DeleteQuery
}

// inTx runs fn in a session transaction, committing when it returns nil.
// Write conflicts with a concurrent transaction surface as
// entitle.ErrStoreUnavailable so callers retry.
func (s *Store) inTx(ctx context.Context, fn func(tx *mongodriver.MongoTx) error) error {
	raw, err := s.mdb.GroveTx(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("%w: %w", entitle.ErrStoreUnavailable, err)
	}
	tx, ok := raw.(*mongodriver.MongoTx)
	if !ok {
		return fmt.Errorf("entitle/mongo: unexpected transaction type %T", raw)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback() //nolint:errcheck // best-effort abort
		return transient(err)
	}
	return transient(tx.Commit())
}

// lockCustomer bumps the customer's ledger version inside tx. A second
// transaction touching the same customer conflicts on this write.
func lockCustomer(ctx context.Context, tx *mongodriver.MongoTx, internalID id.ID) (*customer.Customer, error) {
	res, err := tx.NewUpdate((*customerModel)(nil)).
		Filter(bson.M{"_id": internalID.String()}).
		SetUpdate(bson.M{"$inc": bson.M{"ledger_version": 1}}).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount() == 0 {
		return nil, entitle.ErrCustomerNotFound
	}
	return getCustomerByInternalID(ctx, tx, internalID)
}

// ==================== Customer Store ====================

func (s *Store) CreateCustomer(ctx context.Context, c *customer.Customer) error {
	_, err := s.mdb.NewInsert(toCustomerModel(c)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrDuplicateCustomer
		}
		return fmt.Errorf("entitle/mongo: create customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, sc entitle.Scope, customerID string) (*customer.Customer, error) {
	var m customerModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"org_id": sc.OrgID, "env": sc.Env, "customer_id": customerID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get customer: %w", err)
	}
	return fromCustomerModel(&m)
}

func (s *Store) GetCustomerByInternalID(ctx context.Context, internalID id.ID) (*customer.Customer, error) {
	return getCustomerByInternalID(ctx, s.mdb, internalID)
}

func getCustomerByInternalID(ctx context.Context, q querier, internalID id.ID) (*customer.Customer, error) {
	var m customerModel
	err := q.NewFind(&m).Filter(bson.M{"_id": internalID.String()}).Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get customer: %w", err)
	}
	return fromCustomerModel(&m)
}

func (s *Store) UpdateCustomer(ctx context.Context, c *customer.Customer) error {
	c.UpdatedAt = now()
	res, err := s.mdb.NewUpdate((*customerModel)(nil)).
		Filter(bson.M{"_id": c.InternalID.String()}).
		Set("name", c.Name).
		Set("email", c.Email).
		Set("processor_customer_id", c.ProcessorCustomerID).
		Set("updated_at", c.UpdatedAt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: update customer: %w", err)
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) LoadView(ctx context.Context, sc entitle.Scope, customerID string) (*customer.View, error) {
	c, err := s.GetCustomer(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	return loadView(ctx, s.mdb, c)
}

func loadView(ctx context.Context, q querier, c *customer.Customer) (*customer.View, error) {
	v := &customer.View{Customer: c}
	filter := bson.M{"customer_internal_id": c.InternalID.String()}
	byID := bson.D{{Key: "_id", Value: 1}}

	var products []customerProductModel
	if err := q.NewFind(&products).Filter(filter).Sort(byID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: load products: %w", err)
	}
	for i := range products {
		p, err := fromCustomerProductModel(&products[i])
		if err != nil {
			return nil, err
		}
		v.Products = append(v.Products, p)
	}

	var ents []entitlementModel
	if err := q.NewFind(&ents).Filter(filter).Sort(byID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: load entitlements: %w", err)
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
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"subscription_id": subscriptionID}).
		Sort(bson.D{{Key: "starts_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list products by subscription: %w", err)
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueCancellations(ctx context.Context, at time.Time, limit int) ([]*customer.Product, error) {
	var models []customerProductModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":      bson.M{"$in": liveStatuses},
			"canceled_at": bson.M{"$ne": nil, "$lte": at},
		}).
		Sort(bson.D{{Key: "canceled_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list due cancellations: %w", err)
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueActivations(ctx context.Context, at time.Time, limit int) ([]*customer.Product, error) {
	var models []customerProductModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":    string(customer.StatusScheduled),
			"starts_at": bson.M{"$lte": at},
		}).
		Sort(bson.D{{Key: "starts_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list due activations: %w", err)
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueTrials(ctx context.Context, at time.Time, limit int) ([]*customer.Product, error) {
	var models []customerProductModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":        bson.M{"$in": liveStatuses},
			"canceled_at":   nil,
			"trial_ends_at": bson.M{"$ne": nil, "$lte": at},
		}).
		Sort(bson.D{{Key: "trial_ends_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list due trials: %w", err)
	}
	return fromCustomerProductModels(models)
}

func (s *Store) ListDueResets(ctx context.Context, at time.Time, limit int) ([]id.ID, error) {
	q := s.mdb.NewAggregate(colEntitlements).
		Match(bson.M{"next_reset_at": bson.M{"$ne": nil, "$lte": at}}).
		Lookup(bson.M{
			"from":         colCustomerProducts,
			"localField":   "customer_product_id",
			"foreignField": "_id",
			"as":           "product",
		}).
		Match(bson.M{"product.status": bson.M{"$in": liveStatuses}}).
		Group(bson.M{"_id": "$customer_internal_id"}).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list due resets: %w", err)
	}

	out := make([]id.ID, 0, len(rows))
	for _, r := range rows {
		internalID, err := id.ParseCustomerID(r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, internalID)
	}
	return out, nil
}

func (s *Store) MutateEntitlements(ctx context.Context, internalID id.ID, fn func([]*customer.Entitlement) error) error {
	return s.inTx(ctx, func(tx *mongodriver.MongoTx) error {
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
	if p.Version == 0 {
		latest, err := s.GetProduct(ctx, entitle.Scope{OrgID: p.OrgID, Env: p.Env}, p.ID, 0)
		switch {
		case errors.Is(err, entitle.ErrProductNotFound):
			p.Version = 1
		case err != nil:
			return err
		default:
			p.Version = latest.Version + 1
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
		p.UpdatedAt = p.CreatedAt
	}

	m, err := toProductModel(p)
	if err != nil {
		return err
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrDuplicateProduct
		}
		return fmt.Errorf("entitle/mongo: create product: %w", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, sc entitle.Scope, productID string, version int) (*product.Product, error) {
	var m productModel
	filter := bson.M{"org_id": sc.OrgID, "env": sc.Env, "product_id": productID}
	if version > 0 {
		filter["version"] = version
	}
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Sort(bson.D{{Key: "version", Value: -1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrProductNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get product: %w", err)
	}
	return fromProductModel(&m)
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
	match := bson.M{"org_id": sc.OrgID, "env": sc.Env}
	if opts.Group != "" {
		match["product_group"] = opts.Group
	}
	q := s.mdb.NewAggregate(colProducts).
		Match(match).
		Sort(bson.D{{Key: "product_id", Value: 1}, {Key: "version", Value: -1}}).
		Group(bson.M{"_id": "$product_id", "latest": bson.M{"$first": "$$ROOT"}}).
		Stage(bson.M{"$replaceRoot": bson.M{"newRoot": "$latest"}}).
		Sort(bson.D{{Key: "product_id", Value: 1}})
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	var models []productModel
	if err := q.Scan(ctx, &models); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list products: %w", err)
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

func (s *Store) ApplyPlan(ctx context.Context, p *billing.Plan) error {
	return s.inTx(ctx, func(tx *mongodriver.MongoTx) error {
		at := now()
		_, err := tx.NewInsert(&appliedPlanModel{
			PlanID:             p.ID().String(),
			CustomerInternalID: p.CustomerInternalID().String(),
			Scenario:           string(p.Scenario()),
			AppliedAt:          at,
		}).Exec(ctx)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return entitle.ErrPlanAlreadyApplied
			}
			return err
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
		if _, err := q.NewDelete((*entitlementModel)(nil)).Filter(bson.M{"customer_product_id": cpID}).Many().Exec(ctx); err != nil {
			return err
		}
		if _, err := q.NewDelete((*customerProductModel)(nil)).Filter(bson.M{"_id": cpID}).Exec(ctx); err != nil {
			return err
		}
	}
	if eff.UpdatedProduct != nil {
		m, err := toCustomerProductModel(eff.UpdatedProduct)
		if err != nil {
			return err
		}
		if _, err := q.NewUpdate(m).Filter(bson.M{"_id": m.ID}).Exec(ctx); err != nil {
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
	res, err := q.NewUpdate(m).Filter(bson.M{"_id": m.ID}).Exec(ctx)
	if err != nil {
		return err
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("update %s: %w", e.ID, entitle.ErrEntitlementNotFound)
	}
	return nil
}

func (s *Store) ListLineItems(ctx context.Context, customerInternalID id.ID, limit int) ([]billing.LineItem, error) {
	var models []lineItemModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"customer_internal_id": customerInternalID.String()}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list line items: %w", err)
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
	_, err = s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save deferred plan: %w", err)
	}
	return nil
}

func (s *Store) TakeDeferred(ctx context.Context, deferredID id.ID) (*billing.Deferred, error) {
	var m deferredModel
	err := s.mdb.Collection(colDeferred).
		FindOneAndDelete(ctx, bson.M{"_id": deferredID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrDeferredPlanNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: take deferred plan: %w", err)
	}
	return fromDeferredModel(&m)
}

// ==================== Reconcile Store ====================

func (s *Store) SaveMarker(ctx context.Context, mk *reconcile.Marker) error {
	m, err := toMarkerModel(mk)
	if err != nil {
		return err
	}
	_, err = s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save marker: %w", err)
	}
	return nil
}

func (s *Store) GetMarker(ctx context.Context, markerID id.ID) (*reconcile.Marker, error) {
	var m markerModel
	err := s.mdb.NewFind(&m).Filter(bson.M{"_id": markerID.String()}).Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrMarkerNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get marker: %w", err)
	}
	return fromMarkerModel(&m)
}

func (s *Store) ListMarkers(ctx context.Context, limit int) ([]*reconcile.Marker, error) {
	var models []markerModel
	q := s.mdb.NewFind(&models).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list markers: %w", err)
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
	res, err := s.mdb.NewDelete((*markerModel)(nil)).
		Filter(bson.M{"_id": markerID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: delete marker: %w", err)
	}
	if res.DeletedCount() == 0 {
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// transient marks transaction write conflicts as retryable.
func transient(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", entitle.ErrStoreUnavailable, err)
	}
	return err
}

// migrationIndexes returns the index definitions for all entitle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colCustomers: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "customer_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colProducts: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "product_id", Value: 1}, {Key: "version", Value: -1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "product_group", Value: 1}}},
		},
		colCustomerProducts: {
			{Keys: bson.D{{Key: "customer_internal_id", Value: 1}}},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "canceled_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "starts_at", Value: 1}}},
			{Keys: bson.D{{Key: "trial_ends_at", Value: 1}}},
		},
		colEntitlements: {
			{Keys: bson.D{{Key: "customer_internal_id", Value: 1}}},
			{Keys: bson.D{{Key: "customer_product_id", Value: 1}}},
			{Keys: bson.D{{Key: "next_reset_at", Value: 1}}},
		},
		colLineItems: {
			{Keys: bson.D{{Key: "customer_internal_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colAppliedPlans: {
			{Keys: bson.D{{Key: "customer_internal_id", Value: 1}}},
		},
		colDeferred: {
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		colMarkers: {
			{Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
}
