package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
)

// MemoryStore keeps everything in maps. Item rows carry their own mutex so
// checkout can lock exactly the items in a cart; lock order is always item
// locks (sorted by id) before mu.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	users      map[string]*models.User
	byUsername map[string]string
	items      map[string]*memItem
	cart       map[string]*memCartRow
	cartKeys   map[cartKey]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	file   *snapshotFile // nil when not persisted
	logger *zap.Logger
}

type memItem struct {
	item models.Item
	seq  int64
}

type memCartRow struct {
	id        string
	userID    string
	itemID    string
	createdAt time.Time
	seq       int64
}

type cartKey struct {
	userID string
	itemID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*models.User),
		byUsername: make(map[string]string),
		items:      make(map[string]*memItem),
		cart:       make(map[string]*memCartRow),
		cartKeys:   make(map[cartKey]string),
		locks:      make(map[string]*sync.Mutex),
		logger:     zap.NewNop(),
	}
}

// NewPersistentMemoryStore loads dataDir's snapshot, if any, and rewrites it
// after every successful write. A failed rewrite is logged; the in-memory
// state stays authoritative until the next successful save.
func NewPersistentMemoryStore(dataDir string, logger *zap.Logger) (*MemoryStore, error) {
	file, err := newSnapshotFile(dataDir)
	if err != nil {
		return nil, err
	}
	snap, err := file.load()
	if err != nil {
		return nil, err
	}

	s := NewMemoryStore()
	s.logger = logger.Named("memory_store")
	s.restore(snap)
	s.file = file
	return s, nil
}

func (s *MemoryStore) restore(snap *snapshot) {
	for _, u := range snap.Users {
		user := &models.User{
			ID:           u.ID,
			Username:     u.Username,
			Email:        u.Email,
			PasswordHash: u.PasswordHash,
			CreatedAt:    u.CreatedAt,
		}
		s.users[user.ID] = user
		s.byUsername[user.Username] = user.ID
	}

	sort.SliceStable(snap.Items, func(i, j int) bool { return snap.Items[i].CreatedAt.Before(snap.Items[j].CreatedAt) })
	for _, it := range snap.Items {
		owner, ok := s.users[it.OwnerID]
		if !ok {
			continue
		}
		item := models.Item{
			ID:            it.ID,
			OwnerID:       it.OwnerID,
			OwnerUsername: owner.Username,
			Name:          it.Name,
			Description:   it.Description,
			Price:         it.Price.Round(models.PriceDecimals),
			Status:        models.ItemStatus(it.Status),
			CreatedAt:     it.CreatedAt,
		}
		switch item.Status {
		case models.StatusAvailable:
		case models.StatusSold:
			buyer, ok := s.users[it.BuyerID]
			if !ok {
				s.logger.Warn("dropping sold item without buyer", zap.String("item_id", it.ID), zap.String("buyer_id", it.BuyerID))
				continue
			}
			item.BuyerID = buyer.ID
			item.BuyerUsername = buyer.Username
		default:
			s.logger.Warn("dropping item with unknown status", zap.String("item_id", it.ID), zap.String("status", it.Status))
			continue
		}
		s.seq++
		s.items[item.ID] = &memItem{item: item, seq: s.seq}
	}

	sort.SliceStable(snap.Cart, func(i, j int) bool { return snap.Cart[i].CreatedAt.Before(snap.Cart[j].CreatedAt) })
	for _, c := range snap.Cart {
		if _, ok := s.users[c.UserID]; !ok {
			continue
		}
		if _, ok := s.items[c.ItemID]; !ok {
			continue
		}
		s.seq++
		s.cart[c.ID] = &memCartRow{id: c.ID, userID: c.UserID, itemID: c.ItemID, createdAt: c.CreatedAt, seq: s.seq}
		s.cartKeys[cartKey{c.UserID, c.ItemID}] = c.ID
	}
}

// persistLocked must be called with mu held. It runs after the maps have
// changed, so a failed save is logged rather than reported as a failed write.
func (s *MemoryStore) persistLocked() {
	if err := s.saveLocked(); err != nil {
		s.logger.Error("snapshot save failed", zap.Error(err))
	}
}

func (s *MemoryStore) saveLocked() error {
	if s.file == nil {
		return nil
	}

	snap := &snapshot{
		Users: make([]snapshotUser, 0, len(s.users)),
		Items: make([]snapshotItem, 0, len(s.items)),
		Cart:  make([]snapshotCart, 0, len(s.cart)),
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, userToSnapshot(u))
	}
	for _, it := range s.items {
		snap.Items = append(snap.Items, itemToSnapshot(&it.item))
	}
	for _, c := range s.cart {
		snap.Cart = append(snap.Cart, snapshotCart{ID: c.id, UserID: c.userID, ItemID: c.itemID, CreatedAt: c.createdAt})
	}

	if err := s.file.save(snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *MemoryStore) itemLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUsername[user.Username]; exists {
		return ErrDuplicate
	}
	if user.ID == "" {
		user.ID = newID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}

	u := *user
	s.users[u.ID] = &u
	s.byUsername[u.Username] = u.ID
	s.persistLocked()
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s.users[id]
	return &out, nil
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	s.persistLocked()
	return nil
}

func (s *MemoryStore) CreateItem(_ context.Context, item *models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.users[item.OwnerID]
	if !ok {
		return fmt.Errorf("owner %s: %w", item.OwnerID, ErrNotFound)
	}
	if item.ID == "" {
		item.ID = newID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}
	item.OwnerUsername = owner.Username
	item.Status = models.StatusAvailable
	item.BuyerID = ""
	item.BuyerUsername = ""

	s.seq++
	s.items[item.ID] = &memItem{item: *item, seq: s.seq}
	s.persistLocked()
	return nil
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := it.item
	return &out, nil
}

func (s *MemoryStore) ListItems(_ context.Context, filter models.ItemFilter) ([]models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*memItem, 0)
	for _, it := range s.items {
		if filter.Matches(&it.item) {
			rows = append(rows, it)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })

	out := make([]models.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item)
	}
	return out, nil
}

func (s *MemoryStore) UpdateItemPrice(_ context.Context, id string, price decimal.Decimal) (*models.Item, error) {
	l := s.itemLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !it.item.IsAvailable() {
		return nil, ErrConflict
	}
	it.item.Price = price
	out := it.item
	s.persistLocked()
	return &out, nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, id string) error {
	l := s.itemLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	for entryID, row := range s.cart {
		if row.itemID == id {
			delete(s.cart, entryID)
			delete(s.cartKeys, cartKey{row.userID, row.itemID})
		}
	}
	s.persistLocked()
	return nil
}

func (s *MemoryStore) AddCartEntry(_ context.Context, userID, itemID string) (*models.CartEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, false, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if _, ok := s.items[itemID]; !ok {
		return nil, false, ErrNotFound
	}

	if existingID, ok := s.cartKeys[cartKey{userID, itemID}]; ok {
		entry := s.entryLocked(s.cart[existingID])
		return &entry, false, nil
	}

	s.seq++
	row := &memCartRow{id: newID(), userID: userID, itemID: itemID, createdAt: now(), seq: s.seq}
	s.cart[row.id] = row
	s.cartKeys[cartKey{userID, itemID}] = row.id

	entry := s.entryLocked(row)
	s.persistLocked()
	return &entry, true, nil
}

func (s *MemoryStore) entryLocked(row *memCartRow) models.CartEntry {
	return models.CartEntry{
		ID:        row.id,
		UserID:    row.userID,
		ItemID:    row.itemID,
		CreatedAt: row.createdAt,
		Item:      s.items[row.itemID].item,
	}
}

// cartRowsLocked returns userID's rows newest first.
func (s *MemoryStore) cartRowsLocked(userID string) []*memCartRow {
	rows := make([]*memCartRow, 0)
	for _, row := range s.cart {
		if row.userID == userID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	return rows
}

func (s *MemoryStore) ListCart(_ context.Context, userID string) ([]models.CartEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.cartRowsLocked(userID)
	out := make([]models.CartEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.entryLocked(row))
	}
	return out, nil
}

func (s *MemoryStore) GetCartEntry(_ context.Context, id, userID string) (*models.CartEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.cart[id]
	if !ok || row.userID != userID {
		return nil, ErrNotFound
	}
	entry := s.entryLocked(row)
	return &entry, nil
}

func (s *MemoryStore) DeleteCartEntry(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.cart[id]
	if !ok || row.userID != userID {
		return ErrNotFound
	}
	delete(s.cart, id)
	delete(s.cartKeys, cartKey{row.userID, row.itemID})
	s.persistLocked()
	return nil
}

func (s *MemoryStore) RunCheckout(ctx context.Context, buyerID string, fn CheckoutFunc) error {
	s.mu.RLock()
	itemIDs := make([]string, 0)
	for _, row := range s.cartRowsLocked(buyerID) {
		itemIDs = append(itemIDs, row.itemID)
	}
	s.mu.RUnlock()

	sort.Strings(itemIDs)
	held := make([]*sync.Mutex, 0, len(itemIDs))
	for _, id := range itemIDs {
		l := s.itemLock(id)
		l.Lock()
		held = append(held, l)
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()

	locked := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		locked[id] = true
	}
	tx := &memoryTx{
		store:   s,
		buyerID: buyerID,
		locked:  locked,
		sold:    make(map[string]models.Item),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sold := range tx.sold {
		it, ok := s.items[id]
		if !ok {
			return fmt.Errorf("item %s vanished while locked: %w", id, ErrConflict)
		}
		it.item.Status = sold.Status
		it.item.BuyerID = sold.BuyerID
		it.item.BuyerUsername = sold.BuyerUsername
	}
	for _, id := range tx.deleted {
		row, ok := s.cart[id]
		if !ok || row.userID != tx.buyerID {
			continue
		}
		delete(s.cart, id)
		delete(s.cartKeys, cartKey{row.userID, row.itemID})
	}
	s.persistLocked()
	return nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*models.User)
	s.byUsername = make(map[string]string)
	s.items = make(map[string]*memItem)
	s.cart = make(map[string]*memCartRow)
	s.cartKeys = make(map[cartKey]string)
	s.persistLocked()
	return nil
}

func (s *MemoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// memoryTx stages writes; MemoryStore.commit applies them once fn succeeds.
type memoryTx struct {
	store   *MemoryStore
	buyerID string
	locked  map[string]bool
	sold    map[string]models.Item
	deleted []string
}

func (tx *memoryTx) LockCart(_ context.Context) ([]models.CartEntry, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.CartEntry, 0)
	for _, row := range s.cartRowsLocked(tx.buyerID) {
		// Entries added after the locks were taken are not part of this checkout.
		if !tx.locked[row.itemID] {
			continue
		}
		if _, ok := s.items[row.itemID]; !ok {
			continue
		}
		entry := s.entryLocked(row)
		if staged, ok := tx.sold[row.itemID]; ok {
			entry.Item = staged
		}
		out = append(out, entry)
	}
	return out, nil
}

func (tx *memoryTx) Item(_ context.Context, id string) (*models.Item, error) {
	if !tx.locked[id] {
		return nil, fmt.Errorf("item %s is not locked by this checkout: %w", id, ErrConflict)
	}
	if staged, ok := tx.sold[id]; ok {
		return &staged, nil
	}

	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := it.item
	return &out, nil
}

func (tx *memoryTx) MarkSold(ctx context.Context, itemID string, buyer *models.User) error {
	item, err := tx.Item(ctx, itemID)
	if err != nil {
		return err
	}
	item.Status = models.StatusSold
	item.BuyerID = buyer.ID
	item.BuyerUsername = buyer.Username
	tx.sold[itemID] = *item
	return nil
}

func (tx *memoryTx) DeleteCartEntries(_ context.Context, ids []string) error {
	tx.deleted = append(tx.deleted, ids...)
	return nil
}
