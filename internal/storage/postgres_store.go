package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db               *sql.DB
	statementTimeout time.Duration
}

// NewPostgresStore opens the pool and pings it. statementTimeout, when
// positive, bounds every statement run inside WithTx.
func NewPostgresStore(dsn string, statementTimeout time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	return &PostgresStore{db: db, statementTimeout: statementTimeout}, nil
}

// Migrate applies the embedded schema files in name order. Every file is
// idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return classify(p.db.PingContext(ctx)) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if p.statementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", p.statementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return classify(tx.Commit())
}

func (p *PostgresStore) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	return getLoad(ctx, p.db, id, false)
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	return getBid(ctx, p.db, id)
}

func (p *PostgresStore) ListBidsForLoad(ctx context.Context, loadID string) ([]models.Bid, error) {
	return listBids(ctx, p.db, loadID)
}

func (p *PostgresStore) GetTransporter(ctx context.Context, id string) (*models.Transporter, error) {
	ts, err := queryTransporters(ctx, p.db, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, ErrNotFound
	}
	return &ts[0], nil
}

func (p *PostgresStore) ListActiveTransporters(ctx context.Context) ([]models.Transporter, error) {
	return queryTransporters(ctx, p.db, `WHERE active AND verified`)
}

func (p *PostgresStore) UpsertTransporter(ctx context.Context, t *models.Transporter) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transporters (id, user_id, name, category, base_pincode, service_pincodes, preferred_routes, owner_operator, active, verified, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id, name = EXCLUDED.name, category = EXCLUDED.category,
			base_pincode = EXCLUDED.base_pincode, service_pincodes = EXCLUDED.service_pincodes,
			preferred_routes = EXCLUDED.preferred_routes, owner_operator = EXCLUDED.owner_operator,
			active = EXCLUDED.active, verified = EXCLUDED.verified, updated_at = now()`,
		t.ID, t.UserID, t.Name, t.Category, t.BasePincode, pq.Array(t.ServicePincodes), pq.Array(t.PreferredRoutes),
		t.OwnerOperator, t.Active, t.Verified)
	if err != nil {
		return classify(err)
	}
	ids := make([]string, 0, len(t.Vehicles))
	for _, v := range t.Vehicles {
		ids = append(ids, v.ID)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vehicles (id, transporter_id, vehicle_type, capacity_kg, current_pincode, active)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE SET
				transporter_id = EXCLUDED.transporter_id, vehicle_type = EXCLUDED.vehicle_type,
				capacity_kg = EXCLUDED.capacity_kg, current_pincode = EXCLUDED.current_pincode, active = EXCLUDED.active`,
			v.ID, t.ID, v.VehicleType, v.CapacityKg, v.CurrentPincode, v.Active)
		if err != nil {
			return classify(err)
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM vehicles WHERE transporter_id = $1 AND NOT (id = ANY($2))`, t.ID, pq.Array(ids)); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (p *PostgresStore) SetVehiclePincode(ctx context.Context, vehicleID, pincode string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE vehicles SET current_pincode = $1 WHERE id = $2`, pincode, vehicleID)
	return affectedOne(res, err)
}

func (p *PostgresStore) LedgerForLoad(ctx context.Context, loadID string) ([]models.LedgerEntry, error) {
	return queryLedger(ctx, p.db, `WHERE load_id = $1`, loadID)
}

func (p *PostgresStore) LedgerForTransporter(ctx context.Context, transporterID string) ([]models.LedgerEntry, error) {
	return queryLedger(ctx, p.db, `WHERE transporter_id = $1`, transporterID)
}

func (p *PostgresStore) LatestSettings(ctx context.Context) (*models.PlatformSettings, error) {
	var (
		s     models.PlatformSettings
		tiers []byte
		mode  string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT version, base_percent, min_fee, max_fee, tiers, commission_enabled, commission_mode, updated_by, updated_at
		FROM platform_settings ORDER BY version DESC LIMIT 1`).
		Scan(&s.Version, &s.Fees.BasePercent, &s.Fees.MinFee, &s.Fees.MaxFee, &tiers, &s.CommissionEnabled, &mode, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	if err := json.Unmarshal(tiers, &s.Fees.Tiers); err != nil {
		return nil, fmt.Errorf("decode fee tiers of version %d: %w", s.Version, err)
	}
	s.CommissionMode = models.CommissionMode(mode)
	return &s, nil
}

func (p *PostgresStore) SaveSettings(ctx context.Context, s *models.PlatformSettings) error {
	tiers, err := json.Marshal(s.Fees.Tiers)
	if err != nil {
		return err
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO platform_settings (base_percent, min_fee, max_fee, tiers, commission_enabled, commission_mode, updated_by, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING version`,
		s.Fees.BasePercent, s.Fees.MinFee, s.Fees.MaxFee, tiers, s.CommissionEnabled, string(s.CommissionMode), s.UpdatedBy, s.UpdatedAt).
		Scan(&s.Version)
	return classify(err)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTx struct{ q querier }

func (t *pgTx) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	return getLoad(ctx, t.q, id, false)
}

func (t *pgTx) LockLoad(ctx context.Context, id string) (*models.Load, error) {
	return getLoad(ctx, t.q, id, true)
}

func (t *pgTx) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	return getBid(ctx, t.q, id)
}

func (t *pgTx) ListBidsForLoad(ctx context.Context, loadID string) ([]models.Bid, error) {
	return listBids(ctx, t.q, loadID)
}

func (t *pgTx) GetTransporter(ctx context.Context, id string) (*models.Transporter, error) {
	ts, err := queryTransporters(ctx, t.q, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, ErrNotFound
	}
	return &ts[0], nil
}

func (t *pgTx) InsertLoad(ctx context.Context, l *models.Load) error {
	var weight sql.NullFloat64
	if l.WeightKg != nil {
		weight = sql.NullFloat64{Float64: *l.WeightKg, Valid: true}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO loads (id, customer_id, pickup_location, pickup_pincode, drop_location, drop_pincode,
			required_vehicle_type, weight_kg, status, bidding_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		l.ID, l.CustomerID, l.PickupLocation, l.PickupPincode, l.DropLocation, l.DropPincode,
		l.RequiredVehicleType, weight, string(l.Status), string(l.BiddingStatus), l.CreatedAt, l.UpdatedAt)
	return classify(err)
}

func (t *pgTx) InsertBid(ctx context.Context, b *models.Bid) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO bids (id, load_id, transporter_id, driver_id, vehicle_id, amount, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.LoadID, b.TransporterID, b.DriverID, b.VehicleID, b.Amount, string(b.Status), b.CreatedAt, b.UpdatedAt)
	return classify(err)
}

func (t *pgTx) SetLoadStatus(ctx context.Context, id string, status models.LoadStatus, bidding models.BiddingStatus) error {
	res, err := t.q.ExecContext(ctx, `UPDATE loads SET status = $1, bidding_status = $2, updated_at = now() WHERE id = $3`,
		string(status), string(bidding), id)
	return affectedOne(res, err)
}

func (t *pgTx) SetPaymentIntent(ctx context.Context, id, intentID string) error {
	res, err := t.q.ExecContext(ctx, `UPDATE loads SET payment_intent_id = $1, updated_at = now() WHERE id = $2`, intentID, id)
	return affectedOne(res, err)
}

func (t *pgTx) AssignTransporter(ctx context.Context, id, transporterID string) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE loads SET transporter_id = $2, status = $3, bidding_status = $4, updated_at = now()
		WHERE id = $1 AND accepted_bid_id IS NULL AND financial_locked_at IS NULL`,
		id, transporterID, string(models.LoadAssigned), string(models.BiddingSelfAssigned))
	return affectedOne(res, err)
}

func (t *pgTx) SetBidStatus(ctx context.Context, id string, from, to models.BidStatus) (bool, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE bids SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

func (t *pgTx) SettleLoad(ctx context.Context, id string, s Settlement) error {
	f := s.Financials
	res, err := t.q.ExecContext(ctx, `
		UPDATE loads SET
			accepted_bid_id = $2, transporter_id = $3, bidding_status = $4, status = $5,
			final_price = $6, platform_fee = $7, platform_fee_percent = $8, transporter_earning = $9,
			shadow_platform_fee = $10, shadow_platform_fee_percent = $11,
			financial_locked_at = $12, updated_at = $12
		WHERE id = $1 AND accepted_bid_id IS NULL AND financial_locked_at IS NULL`,
		id, s.BidID, s.TransporterID, string(models.BiddingClosed), string(models.LoadAccepted),
		f.FinalPrice, f.PlatformFee, f.PlatformFeePercent, f.TransporterEarning,
		f.ShadowPlatformFee, f.ShadowPlatformFeePercent, f.LockedAt)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n != 1 {
		return fmt.Errorf("%w: load %s already settled", ErrConflict, id)
	}
	return nil
}

func (t *pgTx) AppendLedger(ctx context.Context, entries []models.LedgerEntry) error {
	for _, e := range entries {
		var tr sql.NullString
		if e.TransporterID != nil {
			tr = sql.NullString{String: *e.TransporterID, Valid: true}
		}
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, load_id, transporter_id, entry_type, amount, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.ID, e.LoadID, tr, string(e.EntryType), e.Amount, e.Description, e.CreatedAt)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

const loadColumns = `id, customer_id, pickup_location, pickup_pincode, drop_location, drop_pincode,
	required_vehicle_type, weight_kg, status, bidding_status, accepted_bid_id, transporter_id,
	final_price, platform_fee, platform_fee_percent, transporter_earning,
	shadow_platform_fee, shadow_platform_fee_percent, financial_locked_at,
	payment_intent_id, created_at, updated_at`

func getLoad(ctx context.Context, q querier, id string, lock bool) (*models.Load, error) {
	query := `SELECT ` + loadColumns + ` FROM loads WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		l                         models.Load
		weight                    sql.NullFloat64
		status, bidding           string
		acceptedBid, transporter  sql.NullString
		price, fee, pct, earning  decimal.NullDecimal
		shadowFee, shadowPct      decimal.NullDecimal
		lockedAt                  sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.CustomerID, &l.PickupLocation, &l.PickupPincode, &l.DropLocation, &l.DropPincode,
		&l.RequiredVehicleType, &weight, &status, &bidding, &acceptedBid, &transporter,
		&price, &fee, &pct, &earning, &shadowFee, &shadowPct, &lockedAt,
		&l.PaymentIntentID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	l.Status = models.LoadStatus(status)
	l.BiddingStatus = models.BiddingStatus(bidding)
	if weight.Valid {
		w := weight.Float64
		l.WeightKg = &w
	}
	if acceptedBid.Valid {
		l.AcceptedBidID = &acceptedBid.String
	}
	if transporter.Valid {
		l.TransporterID = &transporter.String
	}
	// the table constraint guarantees the financial columns are all set or all null
	if lockedAt.Valid {
		l.Financials = &models.LoadFinancials{
			FinalPrice:               price.Decimal,
			PlatformFee:              fee.Decimal,
			PlatformFeePercent:       pct.Decimal,
			TransporterEarning:       earning.Decimal,
			ShadowPlatformFee:        shadowFee.Decimal,
			ShadowPlatformFeePercent: shadowPct.Decimal,
			LockedAt:                 lockedAt.Time,
		}
	}
	return &l, nil
}

const bidColumns = `id, load_id, transporter_id, driver_id, vehicle_id, amount, status, created_at, updated_at`

func scanBid(row interface{ Scan(...any) error }) (models.Bid, error) {
	var (
		b      models.Bid
		status string
	)
	err := row.Scan(&b.ID, &b.LoadID, &b.TransporterID, &b.DriverID, &b.VehicleID, &b.Amount, &status, &b.CreatedAt, &b.UpdatedAt)
	b.Status = models.BidStatus(status)
	return b, err
}

func getBid(ctx context.Context, q querier, id string) (*models.Bid, error) {
	b, err := scanBid(q.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err)
	}
	return &b, nil
}

func listBids(ctx context.Context, q querier, loadID string) ([]models.Bid, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE load_id = $1 ORDER BY created_at, id`, loadID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

func queryTransporters(ctx context.Context, q querier, where string, args ...any) ([]models.Transporter, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, name, category, base_pincode, service_pincodes, preferred_routes, owner_operator, active, verified
		FROM transporters `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, classify(err)
	}
	var (
		out   []models.Transporter
		ids   []string
		index = map[string]int{}
	)
	for rows.Next() {
		var t models.Transporter
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Category, &t.BasePincode,
			pq.Array(&t.ServicePincodes), pq.Array(&t.PreferredRoutes), &t.OwnerOperator, &t.Active, &t.Verified); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		index[t.ID] = len(out)
		ids = append(ids, t.ID)
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	vrows, err := q.QueryContext(ctx, `
		SELECT id, transporter_id, vehicle_type, capacity_kg, current_pincode, active
		FROM vehicles WHERE transporter_id = ANY($1) ORDER BY transporter_id, id`, pq.Array(ids))
	if err != nil {
		return nil, classify(err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var v models.Vehicle
		if err := vrows.Scan(&v.ID, &v.TransporterID, &v.VehicleType, &v.CapacityKg, &v.CurrentPincode, &v.Active); err != nil {
			return nil, classify(err)
		}
		i := index[v.TransporterID]
		out[i].Vehicles = append(out[i].Vehicles, v)
	}
	return out, classify(vrows.Err())
}

func queryLedger(ctx context.Context, q querier, where string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, load_id, transporter_id, entry_type, amount, description, created_at
		FROM ledger_entries `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e     models.LedgerEntry
			tr    sql.NullString
			etype string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.LoadID, &tr, &etype, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		if tr.Valid {
			e.TransporterID = &tr.String
		}
		e.EntryType = models.LedgerEntryType(etype)
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Postgres error codes that a caller may safely retry.
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"53300": true, // too_many_connections
}

// classify maps driver errors onto the storage sentinels while keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if transientCodes[pqErr.Code] || pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
