// Package memstore keeps every repository in process memory. It backs the
// server when no database is configured and the service tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/types"
)

// DB holds all records behind one lock. Conditional writes run under the
// write lock, which gives them the same compare-and-set behaviour as the
// postgres repositories.
type DB struct {
	mu            sync.RWMutex
	users         []types.User
	farms         []types.Farm
	pestTypes     []types.PestType
	scans         []types.Scan
	verifications []types.VerificationCode
	nextVerifyID  int64
}

// New returns an empty DB.
func New() *DB {
	return &DB{}
}

func (d *DB) Users() *UserRepository                 { return &UserRepository{db: d} }
func (d *DB) Farms() *FarmRepository                 { return &FarmRepository{db: d} }
func (d *DB) PestTypes() *PestTypeRepository         { return &PestTypeRepository{db: d} }
func (d *DB) Scans() *ScanRepository                 { return &ScanRepository{db: d} }
func (d *DB) Verifications() *VerificationRepository { return &VerificationRepository{db: d} }

// VerificationCodes returns a copy of every stored verification code.
func (d *DB) VerificationCodes() []types.VerificationCode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.verifications)
}

// SeedPestTypes stores pest types as given, assigning ids to zero ones.
func (d *DB) SeedPestTypes(pests ...types.PestType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pest := range pests {
		if pest.ID == 0 {
			pest.ID = len(d.pestTypes) + 1
		}
		d.pestTypes = append(d.pestTypes, pest)
	}
}

// UserRepository is the in-memory user store.
type UserRepository struct {
	db *DB
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, user := range r.db.users {
		if user.ID == id {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, user := range r.db.users {
		if user.Username == username {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, user := range r.db.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.users {
		if existing.Username == user.Username || strings.EqualFold(existing.Email, user.Email) {
			return types.User{}, store.ErrDuplicate
		}
	}
	now := time.Now()
	user.ID = len(r.db.users) + 1
	user.CreatedAt = now
	user.UpdatedAt = now
	r.db.users = append(r.db.users, user)
	return user, nil
}

func (r *UserRepository) UpdateEmail(ctx context.Context, id int, email string) (types.User, error) {
	return r.update(id, func(u *types.User) { u.Email = email }, func(u types.User) bool {
		return strings.EqualFold(u.Email, email)
	})
}

func (r *UserRepository) UpdatePhone(ctx context.Context, id int, phone string) (types.User, error) {
	return r.update(id, func(u *types.User) { u.Phone = phone }, nil)
}

func (r *UserRepository) SetTwoFactor(ctx context.Context, id int, enabled bool) (types.User, error) {
	return r.update(id, func(u *types.User) { u.TwoFactorEnabled = enabled }, nil)
}

func (r *UserRepository) update(id int, apply func(*types.User), conflicts func(types.User) bool) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if conflicts != nil {
		for _, other := range r.db.users {
			if other.ID != id && conflicts(other) {
				return types.User{}, store.ErrDuplicate
			}
		}
	}
	for i := range r.db.users {
		if r.db.users[i].ID == id {
			apply(&r.db.users[i])
			r.db.users[i].UpdatedAt = time.Now()
			return r.db.users[i], nil
		}
	}
	return types.User{}, store.ErrNotFound
}

// FarmRepository is the in-memory farm store.
type FarmRepository struct {
	db *DB
}

func (r *FarmRepository) GetByID(ctx context.Context, id int) (types.Farm, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, farm := range r.db.farms {
		if farm.ID == id {
			return farm, nil
		}
	}
	return types.Farm{}, store.ErrNotFound
}

func (r *FarmRepository) ListByUser(ctx context.Context, userID int) ([]types.Farm, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	farms := make([]types.Farm, 0)
	for _, farm := range r.db.farms {
		if farm.UserID == userID {
			farms = append(farms, farm)
		}
	}
	return farms, nil
}

func (r *FarmRepository) Create(ctx context.Context, farm types.Farm) (types.Farm, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	farm.ID = len(r.db.farms) + 1
	farm.CreatedAt = time.Now()
	r.db.farms = append(r.db.farms, farm)
	return farm, nil
}

// PestTypeRepository is the in-memory pest type store.
type PestTypeRepository struct {
	db *DB
}

func (r *PestTypeRepository) GetByID(ctx context.Context, id int) (types.PestType, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, pest := range r.db.pestTypes {
		if pest.ID == id {
			return pest, nil
		}
	}
	return types.PestType{}, store.ErrNotFound
}

func (r *PestTypeRepository) List(ctx context.Context) ([]types.PestType, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	return slices.Clone(r.db.pestTypes), nil
}

// ScanRepository is the in-memory scan store.
type ScanRepository struct {
	db *DB
}

func (r *ScanRepository) Create(ctx context.Context, scan types.Scan) (types.Scan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now()
	}
	scan.UpdatedAt = scan.CreatedAt
	scan.ID = len(r.db.scans) + 1
	r.db.scans = append(r.db.scans, scan)
	return scan, nil
}

func (r *ScanRepository) GetByID(ctx context.Context, id int) (types.Scan, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	if id < 1 || id > len(r.db.scans) {
		return types.Scan{}, store.ErrNotFound
	}
	return r.db.scans[id-1], nil
}

func (r *ScanRepository) List(ctx context.Context, userID *int, offset, limit int) ([]types.Scan, int, error) {
	r.db.mu.RLock()
	visible := make([]types.Scan, 0)
	for _, scan := range r.db.scans {
		if userID == nil || scan.UserID == *userID {
			visible = append(visible, scan)
		}
	}
	r.db.mu.RUnlock()

	sort.SliceStable(visible, func(i, j int) bool {
		if visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].ID > visible[j].ID
		}
		return visible[i].CreatedAt.After(visible[j].CreatedAt)
	})
	total := len(visible)
	if offset >= total {
		return []types.Scan{}, total, nil
	}
	end := min(offset+limit, total)
	return visible[offset:end], total, nil
}

func (r *ScanRepository) Transition(ctx context.Context, t types.ScanTransition) (types.Scan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if t.ScanID < 1 || t.ScanID > len(r.db.scans) {
		return types.Scan{}, store.ErrNotFound
	}
	scan := &r.db.scans[t.ScanID-1]
	if !slices.Contains(t.From, scan.Status) {
		return types.Scan{}, store.ErrStaleState
	}
	scan.Status = t.To
	if t.PestTypeID != nil {
		scan.PestTypeID = t.PestTypeID
	}
	if t.Confidence != nil {
		scan.Confidence = t.Confidence
	}
	if t.ReviewedBy != nil {
		scan.ReviewedBy = t.ReviewedBy
		at := t.At
		scan.ReviewedAt = &at
	}
	scan.UpdatedAt = t.At
	return *scan, nil
}

// VerificationRepository is the in-memory verification code store.
type VerificationRepository struct {
	db *DB
}

func (r *VerificationRepository) Issue(ctx context.Context, code types.VerificationCode) (types.VerificationCode, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i := range r.db.verifications {
		existing := &r.db.verifications[i]
		if existing.UserID == code.UserID && existing.Purpose == code.Purpose && !existing.Consumed {
			at := code.CreatedAt
			existing.Consumed = true
			existing.Superseded = true
			existing.ConsumedAt = &at
		}
	}
	r.db.nextVerifyID++
	code.ID = r.db.nextVerifyID
	code.Consumed = false
	code.ConsumedAt = nil
	code.Superseded = false
	r.db.verifications = append(r.db.verifications, code)
	return code, nil
}

func (r *VerificationRepository) Latest(ctx context.Context, userID int, purpose types.Purpose) (types.VerificationCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for i := len(r.db.verifications) - 1; i >= 0; i-- {
		code := r.db.verifications[i]
		if code.UserID == userID && code.Purpose == purpose {
			return code, nil
		}
	}
	return types.VerificationCode{}, store.ErrNotFound
}

func (r *VerificationRepository) Consume(ctx context.Context, id int64, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i := range r.db.verifications {
		code := &r.db.verifications[i]
		if code.ID != id {
			continue
		}
		if code.Consumed || !at.Before(code.ExpiresAt) {
			return store.ErrStaleState
		}
		code.Consumed = true
		code.ConsumedAt = &at
		return nil
	}
	return store.ErrStaleState
}

func (r *VerificationRepository) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	kept := r.db.verifications[:0]
	var removed int64
	for _, code := range r.db.verifications {
		stale := code.ExpiresAt.Before(cutoff) ||
			(code.Consumed && code.ConsumedAt != nil && code.ConsumedAt.Before(cutoff))
		if stale {
			removed++
			continue
		}
		kept = append(kept, code)
	}
	r.db.verifications = kept
	return removed, nil
}
