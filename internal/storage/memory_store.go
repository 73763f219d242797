package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-settlement/internal/models"
)

// MemoryStore keeps everything in maps. A transaction holds the write lock
// for its whole duration and stages its writes until commit.
type MemoryStore struct {
	mu           sync.RWMutex
	loads        map[string]*models.Load
	bids         map[string]*models.Bid
	bidsByLoad   map[string][]string
	transporters map[string]*models.Transporter
	ledger       []models.LedgerEntry
	settings     []models.PlatformSettings
	seq          int64

	faultMu sync.Mutex
	faults  map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loads:        make(map[string]*models.Load),
		bids:         make(map[string]*models.Bid),
		bidsByLoad:   make(map[string][]string),
		transporters: make(map[string]*models.Transporter),
		faults:       make(map[string]error),
	}
}

// FailOn makes every subsequent transactional call of op (a Tx method name)
// return err. A nil err clears the fault.
func (m *MemoryStore) FailOn(op string, err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

func (m *MemoryStore) fault(op string) error {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	return m.faults[op]
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		s:     m,
		loads: make(map[string]*models.Load),
		bids:  make(map[string]*models.Bid),
		added: make(map[string][]string),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLoad(l), nil
}

func (m *MemoryStore) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (m *MemoryStore) ListBidsForLoad(ctx context.Context, loadID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Bid, 0, len(m.bidsByLoad[loadID]))
	for _, id := range m.bidsByLoad[loadID] {
		out = append(out, *m.bids[id])
	}
	return out, nil
}

func (m *MemoryStore) GetTransporter(ctx context.Context, id string) (*models.Transporter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transporters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransporter(t), nil
}

func (m *MemoryStore) ListActiveTransporters(ctx context.Context) ([]models.Transporter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Transporter, 0, len(m.transporters))
	for _, t := range m.transporters {
		if t.Eligible() {
			out = append(out, *cloneTransporter(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertTransporter(ctx context.Context, t *models.Transporter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneTransporter(t)
	for i := range c.Vehicles {
		c.Vehicles[i].TransporterID = c.ID
	}
	m.transporters[t.ID] = c
	return nil
}

func (m *MemoryStore) SetVehiclePincode(ctx context.Context, vehicleID, pincode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transporters {
		for i := range t.Vehicles {
			if t.Vehicles[i].ID == vehicleID {
				t.Vehicles[i].CurrentPincode = pincode
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) LedgerForLoad(ctx context.Context, loadID string) ([]models.LedgerEntry, error) {
	return m.filterLedger(func(e models.LedgerEntry) bool { return e.LoadID == loadID }), nil
}

func (m *MemoryStore) LedgerForTransporter(ctx context.Context, transporterID string) ([]models.LedgerEntry, error) {
	return m.filterLedger(func(e models.LedgerEntry) bool {
		return e.TransporterID != nil && *e.TransporterID == transporterID
	}), nil
}

func (m *MemoryStore) filterLedger(keep func(models.LedgerEntry) bool) []models.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

func (m *MemoryStore) LatestSettings(ctx context.Context) (*models.PlatformSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.settings) == 0 {
		return nil, ErrNotFound
	}
	s := cloneSettings(m.settings[len(m.settings)-1])
	return &s, nil
}

func (m *MemoryStore) SaveSettings(ctx context.Context, s *models.PlatformSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version = int64(len(m.settings) + 1)
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	m.settings = append(m.settings, cloneSettings(*s))
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	s      *MemoryStore
	loads  map[string]*models.Load
	bids   map[string]*models.Bid
	added  map[string][]string // load id -> bid ids inserted by this tx
	ledger []models.LedgerEntry
}

func (t *memTx) load(id string) (*models.Load, bool) {
	if l, ok := t.loads[id]; ok {
		return l, true
	}
	l, ok := t.s.loads[id]
	if !ok {
		return nil, false
	}
	c := cloneLoad(l)
	t.loads[id] = c
	return c, true
}

func (t *memTx) bid(id string) (*models.Bid, bool) {
	if b, ok := t.bids[id]; ok {
		return b, true
	}
	b, ok := t.s.bids[id]
	if !ok {
		return nil, false
	}
	c := *b
	t.bids[id] = &c
	return &c, true
}

func (t *memTx) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	if err := t.s.fault("GetLoad"); err != nil {
		return nil, err
	}
	l, ok := t.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLoad(l), nil
}

func (t *memTx) LockLoad(ctx context.Context, id string) (*models.Load, error) {
	if err := t.s.fault("LockLoad"); err != nil {
		return nil, err
	}
	return t.GetLoad(ctx, id)
}

func (t *memTx) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	if err := t.s.fault("GetBid"); err != nil {
		return nil, err
	}
	b, ok := t.bid(id)
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (t *memTx) ListBidsForLoad(ctx context.Context, loadID string) ([]models.Bid, error) {
	if err := t.s.fault("ListBidsForLoad"); err != nil {
		return nil, err
	}
	ids := append(append([]string(nil), t.s.bidsByLoad[loadID]...), t.added[loadID]...)
	out := make([]models.Bid, 0, len(ids))
	for _, id := range ids {
		if b, ok := t.bid(id); ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (t *memTx) GetTransporter(ctx context.Context, id string) (*models.Transporter, error) {
	if err := t.s.fault("GetTransporter"); err != nil {
		return nil, err
	}
	tr, ok := t.s.transporters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransporter(tr), nil
}

func (t *memTx) InsertLoad(ctx context.Context, l *models.Load) error {
	if err := t.s.fault("InsertLoad"); err != nil {
		return err
	}
	if _, exists := t.load(l.ID); exists {
		return fmt.Errorf("%w: load %s exists", ErrConflict, l.ID)
	}
	t.loads[l.ID] = cloneLoad(l)
	return nil
}

func (t *memTx) InsertBid(ctx context.Context, b *models.Bid) error {
	if err := t.s.fault("InsertBid"); err != nil {
		return err
	}
	if _, exists := t.bid(b.ID); exists {
		return fmt.Errorf("%w: bid %s exists", ErrConflict, b.ID)
	}
	if _, ok := t.load(b.LoadID); !ok {
		return ErrNotFound
	}
	c := *b
	t.bids[b.ID] = &c
	t.added[b.LoadID] = append(t.added[b.LoadID], b.ID)
	return nil
}

func (t *memTx) SetLoadStatus(ctx context.Context, id string, status models.LoadStatus, bidding models.BiddingStatus) error {
	if err := t.s.fault("SetLoadStatus"); err != nil {
		return err
	}
	l, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.BiddingStatus = bidding
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) SetPaymentIntent(ctx context.Context, id, intentID string) error {
	if err := t.s.fault("SetPaymentIntent"); err != nil {
		return err
	}
	l, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	l.PaymentIntentID = intentID
	return nil
}

func (t *memTx) AssignTransporter(ctx context.Context, id, transporterID string) error {
	if err := t.s.fault("AssignTransporter"); err != nil {
		return err
	}
	l, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	if l.Settled() {
		return fmt.Errorf("%w: load %s already settled", ErrConflict, id)
	}
	tr := transporterID
	l.TransporterID = &tr
	l.Status = models.LoadAssigned
	l.BiddingStatus = models.BiddingSelfAssigned
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) SetBidStatus(ctx context.Context, id string, from, to models.BidStatus) (bool, error) {
	if err := t.s.fault("SetBidStatus"); err != nil {
		return false, err
	}
	b, ok := t.bid(id)
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (t *memTx) SettleLoad(ctx context.Context, id string, s Settlement) error {
	if err := t.s.fault("SettleLoad"); err != nil {
		return err
	}
	l, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	if l.Settled() {
		return fmt.Errorf("%w: load %s already settled", ErrConflict, id)
	}
	bidID, trID := s.BidID, s.TransporterID
	fin := s.Financials
	l.AcceptedBidID = &bidID
	l.TransporterID = &trID
	l.Financials = &fin
	l.Status = models.LoadAccepted
	l.BiddingStatus = models.BiddingClosed
	l.UpdatedAt = fin.LockedAt
	return nil
}

func (t *memTx) AppendLedger(ctx context.Context, entries []models.LedgerEntry) error {
	if err := t.s.fault("AppendLedger"); err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := t.load(e.LoadID); !ok {
			return fmt.Errorf("ledger entry for unknown load %s: %w", e.LoadID, ErrNotFound)
		}
		t.ledger = append(t.ledger, cloneEntry(e))
	}
	return nil
}

func (t *memTx) commit() {
	s := t.s
	for id, l := range t.loads {
		s.loads[id] = l
	}
	for id, b := range t.bids {
		s.bids[id] = b
	}
	for loadID, ids := range t.added {
		s.bidsByLoad[loadID] = append(s.bidsByLoad[loadID], ids...)
	}
	for _, e := range t.ledger {
		s.seq++
		e.Seq = s.seq
		s.ledger = append(s.ledger, e)
	}
}

func cloneLoad(l *models.Load) *models.Load {
	c := *l
	if l.WeightKg != nil {
		w := *l.WeightKg
		c.WeightKg = &w
	}
	if l.AcceptedBidID != nil {
		v := *l.AcceptedBidID
		c.AcceptedBidID = &v
	}
	if l.TransporterID != nil {
		v := *l.TransporterID
		c.TransporterID = &v
	}
	if l.Financials != nil {
		f := *l.Financials
		c.Financials = &f
	}
	return &c
}

func cloneTransporter(t *models.Transporter) *models.Transporter {
	c := *t
	c.ServicePincodes = append([]string(nil), t.ServicePincodes...)
	c.PreferredRoutes = append([]string(nil), t.PreferredRoutes...)
	c.Vehicles = append([]models.Vehicle(nil), t.Vehicles...)
	return &c
}

func cloneEntry(e models.LedgerEntry) models.LedgerEntry {
	if e.TransporterID != nil {
		v := *e.TransporterID
		e.TransporterID = &v
	}
	return e
}

func cloneSettings(s models.PlatformSettings) models.PlatformSettings {
	s.Fees.Tiers = append([]models.FeeTier(nil), s.Fees.Tiers...)
	return s
}
