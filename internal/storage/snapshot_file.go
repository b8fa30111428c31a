package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stall/backend/internal/models"
)

const snapshotFilename = "stall.json"

// snapshotFile persists the memory store as a single JSON document.
type snapshotFile struct {
	mu       sync.Mutex
	filePath string
}

type snapshot struct {
	Users []snapshotUser `json:"users"`
	Items []snapshotItem `json:"items"`
	Cart  []snapshotCart `json:"cart"`
}

type snapshotUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type snapshotItem struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status"`
	BuyerID     string          `json:"buyer_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type snapshotCart struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	CreatedAt time.Time `json:"created_at"`
}

func newSnapshotFile(dataDir string) (*snapshotFile, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &snapshotFile{filePath: filepath.Join(dataDir, snapshotFilename)}, nil
}

// load returns an empty snapshot when the file does not exist yet.
func (f *snapshotFile) load() (*snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &snapshot{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var snap snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.filePath, err)
	}
	return &snap, nil
}

// save writes to a temp file and renames it over the previous snapshot.
func (f *snapshotFile) save(snap *snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tempFile := f.filePath + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		file.Close()
		os.Remove(tempFile)
		return err
	}

	if err := file.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}

	return os.Rename(tempFile, f.filePath)
}

func userToSnapshot(u *models.User) snapshotUser {
	return snapshotUser{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func itemToSnapshot(i *models.Item) snapshotItem {
	return snapshotItem{
		ID:          i.ID,
		OwnerID:     i.OwnerID,
		Name:        i.Name,
		Description: i.Description,
		Price:       i.Price,
		Status:      string(i.Status),
		BuyerID:     i.BuyerID,
		CreatedAt:   i.CreatedAt,
	}
}
