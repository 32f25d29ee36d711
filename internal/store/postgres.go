package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"dispatchcore/internal/model"
)

// Postgres persists entities as JSONB documents with the filterable columns
// lifted out, plus a plain outbox table for the notification worker.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS orders (
	id        TEXT PRIMARY KEY,
	zone_id   TEXT NOT NULL DEFAULT '',
	status    TEXT NOT NULL DEFAULT '',
	doc       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_zone_status ON orders (zone_id, status);

CREATE TABLE IF NOT EXISTS zones (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicles (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS drivers (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
	id        TEXT PRIMARY KEY,
	plan_date TEXT NOT NULL DEFAULT '',
	zone_id   TEXT NOT NULL DEFAULT '',
	status    TEXT NOT NULL DEFAULT '',
	doc       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS routes_plan_zone ON routes (plan_date, zone_id, status);

CREATE TABLE IF NOT EXISTS assignments (
	id       TEXT PRIMARY KEY,
	route_id TEXT NOT NULL,
	active   BOOLEAN NOT NULL DEFAULT FALSE,
	doc      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS assignments_route ON assignments (route_id, active);

CREATE TABLE IF NOT EXISTS plan_runs (
	batch_id   TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
	id        BIGSERIAL PRIMARY KEY,
	route_id  TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	doc       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_route_ts ON samples (route_id, ts);

CREATE TABLE IF NOT EXISTS outbox (
	id           TEXT PRIMARY KEY,
	event        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	attempts     INT NOT NULL DEFAULT 0,
	next_attempt TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_due ON outbox (status, next_attempt);

CREATE TABLE IF NOT EXISTS subscriptions (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func putDoc(ctx context.Context, db *sql.DB, table, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, table), id, doc)
	return err
}

func getDoc(ctx context.Context, db *sql.DB, table, id string, v any) error {
	var doc []byte
	err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, v)
}

func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertOrder(ctx context.Context, o model.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO orders (id, zone_id, status, doc) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET zone_id=EXCLUDED.zone_id, status=EXCLUDED.status, doc=EXCLUDED.doc`,
		o.ID, o.ZoneID, string(o.Status), doc)
	return err
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	err := getDoc(ctx, p.db, "orders", id, &o)
	return o, err
}

func (p *Postgres) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return listDocs[model.Order](ctx, p.db,
		`SELECT doc FROM orders
		 WHERE ($1 = '' OR zone_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY id`, f.ZoneID, string(f.Status))
}

func (p *Postgres) SetOrderStatus(ctx context.Context, id string, s model.OrderStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET status = $2, doc = jsonb_set(doc, '{status}', to_jsonb($2::text)) WHERE id = $1`,
		id, string(s))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PutZone(ctx context.Context, z model.Zone) error {
	return putDoc(ctx, p.db, "zones", z.ID, z)
}

func (p *Postgres) GetZone(ctx context.Context, id string) (model.Zone, error) {
	var z model.Zone
	err := getDoc(ctx, p.db, "zones", id, &z)
	return z, err
}

func (p *Postgres) ListZones(ctx context.Context) ([]model.Zone, error) {
	return listDocs[model.Zone](ctx, p.db, `SELECT doc FROM zones ORDER BY id`)
}

func (p *Postgres) PutVehicle(ctx context.Context, v model.Vehicle) error {
	return putDoc(ctx, p.db, "vehicles", v.ID, v)
}

func (p *Postgres) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	return listDocs[model.Vehicle](ctx, p.db, `SELECT doc FROM vehicles ORDER BY id`)
}

func (p *Postgres) PutDriver(ctx context.Context, d model.Driver) error {
	return putDoc(ctx, p.db, "drivers", d.ID, d)
}

func (p *Postgres) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	return listDocs[model.Driver](ctx, p.db, `SELECT doc FROM drivers ORDER BY id`)
}

func (p *Postgres) SaveRoute(ctx context.Context, r model.Route) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO routes (id, plan_date, zone_id, status, doc) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET plan_date=EXCLUDED.plan_date, zone_id=EXCLUDED.zone_id,
			status=EXCLUDED.status, doc=EXCLUDED.doc`,
		r.ID, r.PlanDate, r.ZoneID, string(r.Status), doc)
	return err
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
	var r model.Route
	err := getDoc(ctx, p.db, "routes", id, &r)
	return r, err
}

func (p *Postgres) ListRoutes(ctx context.Context, f RouteFilter) ([]model.Route, error) {
	return listDocs[model.Route](ctx, p.db,
		`SELECT doc FROM routes
		 WHERE ($1 = '' OR plan_date = $1) AND ($2 = '' OR zone_id = $2) AND ($3 = '' OR status = $3)
		 ORDER BY id`, f.PlanDate, f.ZoneID, string(f.Status))
}

func (p *Postgres) SetRouteStatus(ctx context.Context, id string, s model.RouteStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE routes SET status = $2, doc = jsonb_set(doc, '{status}', to_jsonb($2::text)) WHERE id = $1`,
		id, string(s))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveAssignment(ctx context.Context, a model.Assignment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO assignments (id, route_id, active, doc) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET active=EXCLUDED.active, doc=EXCLUDED.doc`,
		a.ID, a.RouteID, a.Active, doc)
	return err
}

func (p *Postgres) ActiveAssignment(ctx context.Context, routeID string) (model.Assignment, error) {
	as, err := listDocs[model.Assignment](ctx, p.db,
		`SELECT doc FROM assignments WHERE route_id = $1 AND active ORDER BY id LIMIT 1`, routeID)
	if err != nil {
		return model.Assignment{}, err
	}
	if len(as) == 0 {
		return model.Assignment{}, ErrNotFound
	}
	return as[0], nil
}

func (p *Postgres) ListAssignments(ctx context.Context, routeID string) ([]model.Assignment, error) {
	return listDocs[model.Assignment](ctx, p.db,
		`SELECT doc FROM assignments WHERE ($1 = '' OR route_id = $1) ORDER BY id`, routeID)
}

func (p *Postgres) DeactivateAssignments(ctx context.Context, routeID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE assignments SET active = FALSE, doc = jsonb_set(doc, '{active}', 'false') WHERE route_id = $1`,
		routeID)
	return err
}

func (p *Postgres) SavePlanRun(ctx context.Context, s model.PlanRunSummary) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO plan_runs (batch_id, started_at, doc) VALUES ($1,$2,$3)
		ON CONFLICT (batch_id) DO UPDATE SET doc=EXCLUDED.doc`, s.BatchID, s.StartedAt, doc)
	return err
}

func (p *Postgres) ListPlanRuns(ctx context.Context, limit int) ([]model.PlanRunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	return listDocs[model.PlanRunSummary](ctx, p.db,
		`SELECT doc FROM plan_runs ORDER BY started_at DESC LIMIT $1`, limit)
}

func (p *Postgres) SaveSample(ctx context.Context, s model.LocationSample) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO samples (route_id, ts, doc) VALUES ($1,$2,$3)`, s.RouteID, s.Timestamp, doc)
	return err
}

func (p *Postgres) ListSamples(ctx context.Context, routeID string, since time.Time) ([]model.LocationSample, error) {
	return listDocs[model.LocationSample](ctx, p.db,
		`SELECT doc FROM samples WHERE route_id = $1 AND ts >= $2 ORDER BY ts`, routeID, since)
}

func (p *Postgres) EnqueueNotification(ctx context.Context, n Notification) error {
	if n.Status == "" {
		n.Status = NotifyPending
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO outbox (id, event, payload, attempts, next_attempt, status, last_error, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Event, n.Payload, n.Attempts, n.NextAttempt, n.Status, n.LastError, n.CreatedAt)
	return err
}

func (p *Postgres) DueNotifications(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, event, payload, attempts, next_attempt, status, last_error, created_at
		 FROM outbox WHERE status = 'pending' AND next_attempt <= $1
		 ORDER BY created_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Event, &n.Payload, &n.Attempts, &n.NextAttempt, &n.Status, &n.LastError, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotification(ctx context.Context, id string, status string, attempts int, nextAttempt time.Time, lastErr string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox SET status=$2, attempts=$3, next_attempt=$4, last_error=$5 WHERE id=$1`,
		id, status, attempts, nextAttempt, lastErr)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PutSubscription(ctx context.Context, s Subscription) error {
	return putDoc(ctx, p.db, "subscriptions", s.ID, s)
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	return listDocs[Subscription](ctx, p.db, `SELECT doc FROM subscriptions ORDER BY id`)
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }
