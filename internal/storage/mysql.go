package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/stall/backend/internal/models"
)

const (
	// mysqlDuplicateEntry is ER_DUP_ENTRY.
	mysqlDuplicateEntry = 1062
	// mysqlDeadlock is ER_LOCK_DEADLOCK; InnoDB has already rolled the tx back.
	mysqlDeadlock = 1213

	checkoutAttempts = 3
)

// MySQLStore requires MySQL 8.0+ for SELECT ... FOR UPDATE OF.
type MySQLStore struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id CHAR(36) PRIMARY KEY,
		username VARCHAR(150) NOT NULL,
		email VARCHAR(254) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_users_username (username)
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id CHAR(36) PRIMARY KEY,
		owner_id CHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		price DECIMAL(10,2) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'available',
		buyer_id CHAR(36) NULL,
		created_at DATETIME(6) NOT NULL,
		KEY idx_items_created_at (created_at),
		FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (buyer_id) REFERENCES users(id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		id CHAR(36) PRIMARY KEY,
		user_id CHAR(36) NOT NULL,
		item_id CHAR(36) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_cart_user_item (user_id, item_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	)`,
}

const itemSelect = `
	SELECT i.id, i.owner_id, o.username, i.name, i.description, i.price, i.status,
	       COALESCE(i.buyer_id, ''), COALESCE(b.username, ''), i.created_at
	FROM items i
	JOIN users o ON o.id = i.owner_id
	LEFT JOIN users b ON b.id = i.buyer_id`

// NewMySQLStore connects and creates missing tables.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close(_ context.Context) error {
	return s.db.Close()
}

func isMySQLError(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

func isDuplicate(err error) bool {
	return isMySQLError(err, mysqlDuplicateEntry)
}

func isDeadlock(err error) bool {
	return isMySQLError(err, mysqlDeadlock)
}

// retryOnDeadlock runs run up to attempts times while it fails with a deadlock.
func retryOnDeadlock(ctx context.Context, attempts int, run func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = run(); !isDeadlock(err) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	var item models.Item
	var status string
	if err := row.Scan(
		&item.ID, &item.OwnerID, &item.OwnerUsername, &item.Name, &item.Description,
		&item.Price, &status, &item.BuyerID, &item.BuyerUsername, &item.CreatedAt,
	); err != nil {
		return nil, err
	}
	item.Status = models.ItemStatus(status)
	item.Price = item.Price.Round(models.PriceDecimals)
	return &item, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryItems(ctx context.Context, q queryer, query string, args ...any) ([]models.Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func getItem(ctx context.Context, q queryer, id string, suffix string) (*models.Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx, itemSelect+" WHERE i.id = ?"+suffix, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *MySQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = newID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *MySQLStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE `+where+` = ?`, arg,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *MySQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *MySQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *MySQLStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetUserByID(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) CreateItem(ctx context.Context, item *models.Item) error {
	owner, err := s.GetUserByID(ctx, item.OwnerID)
	if err != nil {
		return fmt.Errorf("owner %s: %w", item.OwnerID, err)
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (id, owner_id, name, description, price, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.OwnerID, item.Name, item.Description, models.FormatPrice(item.Price), string(item.Status), item.CreatedAt,
	)
	return err
}

func (s *MySQLStore) GetItem(ctx context.Context, id string) (*models.Item, error) {
	return getItem(ctx, s.db, id, "")
}

func (s *MySQLStore) ListItems(ctx context.Context, f models.ItemFilter) ([]models.Item, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "i.status = ?")
		args = append(args, string(f.Status))
	}
	if f.OwnerID != "" {
		where = append(where, "i.owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.BuyerID != "" {
		where = append(where, "i.buyer_id = ?")
		args = append(args, f.BuyerID)
	}
	if f.Query != "" {
		where = append(where, "LOWER(i.name) LIKE ?")
		args = append(args, "%"+escapeLike(strings.ToLower(f.Query))+"%")
	}

	query := itemSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.created_at DESC, i.id DESC"
	return queryItems(ctx, s.db, query, args...)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *MySQLStore) UpdateItemPrice(ctx context.Context, id string, price decimal.Decimal) (*models.Item, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET price = ? WHERE id = ? AND status = ?`,
		models.FormatPrice(price), id, string(models.StatusAvailable),
	)
	if err != nil {
		return nil, err
	}

	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	// MySQL reports 0 affected rows when the price is unchanged, so the
	// status decides whether the update was refused.
	if n, _ := res.RowsAffected(); n == 0 && !item.IsAvailable() {
		return nil, ErrConflict
	}
	return item, nil
}

func (s *MySQLStore) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLStore) AddCartEntry(ctx context.Context, userID, itemID string) (*models.CartEntry, bool, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, false, err
	}

	entry := &models.CartEntry{
		ID:        newID(),
		UserID:    userID,
		ItemID:    itemID,
		CreatedAt: now(),
		Item:      *item,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cart_items (id, user_id, item_id, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.ItemID, entry.CreatedAt,
	)
	if err == nil {
		return entry, true, nil
	}
	if !isDuplicate(err) {
		return nil, false, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM cart_items WHERE user_id = ? AND item_id = ?`, userID, itemID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

const cartSelect = `
	SELECT c.id, c.user_id, c.created_at,
	       i.id, i.owner_id, o.username, i.name, i.description, i.price, i.status,
	       COALESCE(i.buyer_id, ''), COALESCE(b.username, ''), i.created_at
	FROM cart_items c
	JOIN items i ON i.id = c.item_id
	JOIN users o ON o.id = i.owner_id
	LEFT JOIN users b ON b.id = i.buyer_id`

func (s *MySQLStore) queryCart(ctx context.Context, where string, args ...any) ([]models.CartEntry, error) {
	rows, err := s.db.QueryContext(ctx, cartSelect+" WHERE "+where+" ORDER BY c.created_at DESC, c.id DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.CartEntry, 0)
	for rows.Next() {
		var e models.CartEntry
		var status string
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.CreatedAt,
			&e.Item.ID, &e.Item.OwnerID, &e.Item.OwnerUsername, &e.Item.Name, &e.Item.Description,
			&e.Item.Price, &status, &e.Item.BuyerID, &e.Item.BuyerUsername, &e.Item.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.ItemID = e.Item.ID
		e.Item.Status = models.ItemStatus(status)
		e.Item.Price = e.Item.Price.Round(models.PriceDecimals)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MySQLStore) ListCart(ctx context.Context, userID string) ([]models.CartEntry, error) {
	return s.queryCart(ctx, "c.user_id = ?", userID)
}

func (s *MySQLStore) GetCartEntry(ctx context.Context, id, userID string) (*models.CartEntry, error) {
	entries, err := s.queryCart(ctx, "c.id = ? AND c.user_id = ?", id, userID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

func (s *MySQLStore) DeleteCartEntry(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RunCheckout runs at READ COMMITTED: the FOR UPDATE item locks serialize
// competing checkouts, and plain reads of cart_items take no gap locks.
// A deadlock reruns fn from scratch.
func (s *MySQLStore) RunCheckout(ctx context.Context, buyerID string, fn CheckoutFunc) error {
	return retryOnDeadlock(ctx, checkoutAttempts, func() error {
		return s.runCheckout(ctx, buyerID, fn)
	})
}

func (s *MySQLStore) runCheckout(ctx context.Context, buyerID string, fn CheckoutFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &mysqlTx{tx: tx, buyerID: buyerID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MySQLStore) Reset(ctx context.Context) error {
	for _, table := range []string{"cart_items", "items", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

type mysqlTx struct {
	tx      *sql.Tx
	buyerID string
}

// LockCart locks the cart's items in primary key order with a locking read,
// so the returned items reflect the latest committed state.
func (t *mysqlTx) LockCart(ctx context.Context) ([]models.CartEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, user_id, item_id, created_at FROM cart_items WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		t.buyerID,
	)
	if err != nil {
		return nil, err
	}
	entries := make([]models.CartEntry, 0)
	for rows.Next() {
		var e models.CartEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ItemID, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	args := make([]any, 0, len(entries))
	for _, e := range entries {
		args = append(args, e.ItemID)
	}
	items, err := queryItems(ctx, t.tx,
		itemSelect+" WHERE i.id IN ("+placeholders(len(args))+") ORDER BY i.id FOR UPDATE OF i",
		args...,
	)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	out := make([]models.CartEntry, 0, len(entries))
	for _, e := range entries {
		item, ok := byID[e.ItemID]
		if !ok {
			continue
		}
		e.Item = item
		out = append(out, e)
	}
	return out, nil
}

func (t *mysqlTx) Item(ctx context.Context, id string) (*models.Item, error) {
	return getItem(ctx, t.tx, id, " FOR UPDATE OF i")
}

func (t *mysqlTx) MarkSold(ctx context.Context, itemID string, buyer *models.User) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE items SET status = ?, buyer_id = ? WHERE id = ?`,
		string(models.StatusSold), buyer.ID, itemID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *mysqlTx) DeleteCartEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, t.buyerID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	return err
}
