package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store.
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_entitle_customers",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_customers (
    internal_id           TEXT PRIMARY KEY,
    customer_id           TEXT NOT NULL,
    org_id                TEXT NOT NULL,
    env                   TEXT NOT NULL,
    name                  TEXT NOT NULL DEFAULT '',
    email                 TEXT NOT NULL DEFAULT '',
    processor_customer_id TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_customers_scope ON entitle_customers (org_id, env, customer_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_customers`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_products",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_products (
    key           TEXT PRIMARY KEY,
    org_id        TEXT NOT NULL,
    env           TEXT NOT NULL,
    product_id    TEXT NOT NULL,
    version       INT NOT NULL,
    product_group TEXT NOT NULL DEFAULT '',
    is_default    BOOLEAN NOT NULL DEFAULT FALSE,
    is_add_on     BOOLEAN NOT NULL DEFAULT FALSE,
    data          JSONB NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_products_version ON entitle_products (org_id, env, product_id, version);
CREATE INDEX IF NOT EXISTS idx_entitle_products_group ON entitle_products (org_id, env, product_group);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_products`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_customer_products",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_customer_products (
    id                   TEXT PRIMARY KEY,
    customer_internal_id TEXT NOT NULL REFERENCES entitle_customers (internal_id),
    product_id           TEXT NOT NULL,
    status               TEXT NOT NULL,
    canceled_at          TIMESTAMPTZ,
    starts_at            TIMESTAMPTZ NOT NULL,
    subscription_id      TEXT NOT NULL DEFAULT '',
    data                 JSONB NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitle_cus_products_customer ON entitle_customer_products (customer_internal_id);
CREATE INDEX IF NOT EXISTS idx_entitle_cus_products_subscription ON entitle_customer_products (subscription_id) WHERE subscription_id <> '';
CREATE INDEX IF NOT EXISTS idx_entitle_cus_products_canceled ON entitle_customer_products (canceled_at) WHERE canceled_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_entitle_cus_products_scheduled ON entitle_customer_products (starts_at) WHERE status = 'scheduled';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_customer_products`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_entitlements",
			Version: "20260101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_entitlements (
    id                   TEXT PRIMARY KEY,
    customer_internal_id TEXT NOT NULL REFERENCES entitle_customers (internal_id),
    customer_product_id  TEXT NOT NULL REFERENCES entitle_customer_products (id) ON DELETE CASCADE,
    feature_id           TEXT NOT NULL,
    next_reset_at        TIMESTAMPTZ,
    data                 JSONB NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitle_entitlements_customer ON entitle_entitlements (customer_internal_id);
CREATE INDEX IF NOT EXISTS idx_entitle_entitlements_reset ON entitle_entitlements (next_reset_at) WHERE next_reset_at IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_entitlements`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_billing",
			Version: "20260101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_applied_plans (
    plan_id              TEXT PRIMARY KEY,
    customer_internal_id TEXT NOT NULL,
    scenario             TEXT NOT NULL,
    applied_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS entitle_line_items (
    id                   TEXT PRIMARY KEY,
    customer_internal_id TEXT NOT NULL,
    plan_id              TEXT NOT NULL,
    data                 JSONB NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitle_line_items_customer ON entitle_line_items (customer_internal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS entitle_deferred_plans (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    env         TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    plan        JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS entitle_deferred_plans;
DROP TABLE IF EXISTS entitle_line_items;
DROP TABLE IF EXISTS entitle_applied_plans;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_markers",
			Version: "20260101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_markers (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL,
    env             TEXT NOT NULL,
    customer_id     TEXT NOT NULL,
    kind            TEXT NOT NULL,
    plan            JSONB NOT NULL,
    idempotency_key TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    attempts        INT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitle_markers_created ON entitle_markers (created_at, id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_markers`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "add_entitle_customer_products_trial",
			Version: "20260101000007",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
ALTER TABLE entitle_customer_products ADD COLUMN IF NOT EXISTS trial_ends_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_entitle_cus_products_trial ON entitle_customer_products (trial_ends_at) WHERE trial_ends_at IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `ALTER TABLE entitle_customer_products DROP COLUMN IF EXISTS trial_ends_at`)
				return err
			},
		},
	)
}
