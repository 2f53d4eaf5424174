package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"erasmusly/messaging-service/internal/models"
)

// UserDirectory is a read-only view of the platform's user accounts. The
// accounts themselves are owned by the user service.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUsers(ctx context.Context, ids []string) ([]*models.User, error)
}

type userDirectory struct {
	db    *sql.DB
	table string

	mu     sync.Mutex
	idType string
}

// NewUserDirectory reads the shared users table.
func NewUserDirectory(db *sql.DB) UserDirectory {
	return newUserDirectory(db, "users")
}

func newUserDirectory(db *sql.DB, table string) *userDirectory {
	return &userDirectory{db: db, table: table}
}

// columnType returns the SQL type of the id column so lookups compare in that
// type and can use the primary key index. A failed lookup is retried on the
// next call.
func (d *userDirectory) columnType(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idType != "" {
		return d.idType, nil
	}

	query := `
	SELECT format_type(atttypid, atttypmod)
	FROM pg_attribute
	WHERE attrelid = $1::regclass AND attname = 'id' AND NOT attisdropped
	`
	var idType string
	if err := d.db.QueryRowContext(ctx, query, d.table).Scan(&idType); err != nil {
		return "", fmt.Errorf("resolve %s.id type: %w", d.table, err)
	}
	d.idType = idType
	return idType, nil
}

func (d *userDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	idType, err := d.columnType(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT id::text, COALESCE(name, ''), COALESCE(email, ''), COALESCE(profile_picture, '')
	FROM %s
	WHERE id = $1::%s
	`, d.table, idType)

	var u models.User
	err = d.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.Email, &u.ProfilePicture)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidID(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

// GetUsers returns the users found, in the order of ids. Unknown ids are skipped.
func (d *userDirectory) GetUsers(ctx context.Context, ids []string) ([]*models.User, error) {
	if len(ids) == 0 {
		return []*models.User{}, nil
	}

	idType, err := d.columnType(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT id::text, COALESCE(name, ''), COALESCE(email, ''), COALESCE(profile_picture, '')
	FROM %s
	WHERE id = ANY($1::%s[])
	`, d.table, idType)

	rows, err := d.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		if isInvalidID(err) {
			// One malformed id fails the whole array cast.
			return d.getUsersOneByOne(ctx, ids)
		}
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.User, len(ids))
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.ProfilePicture); err != nil {
			return nil, err
		}
		byID[u.ID] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orderUsers(ids, byID), nil
}

func (d *userDirectory) getUsersOneByOne(ctx context.Context, ids []string) ([]*models.User, error) {
	byID := make(map[string]*models.User, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; ok {
			continue
		}
		u, err := d.GetUser(ctx, id)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[id] = u
	}
	return orderUsers(ids, byID), nil
}

// isInvalidID reports whether Postgres rejected an id that cannot be cast to
// the column type, such as "abc" for an integer key.
func isInvalidID(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "22P02", "22003": // invalid_text_representation, numeric_value_out_of_range
		return true
	}
	return false
}

func orderUsers(ids []string, byID map[string]*models.User) []*models.User {
	users := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			users = append(users, u)
		}
	}
	return users
}

// MemoryUserDirectory is a fixed set of users for tests and local runs.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

func NewMemoryUserDirectory(users ...*models.User) *MemoryUserDirectory {
	d := &MemoryUserDirectory{users: make(map[string]*models.User)}
	for _, u := range users {
		d.Add(u)
	}
	return d
}

func (d *MemoryUserDirectory) Add(u *models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	d.users[u.ID] = &cp
}

func (d *MemoryUserDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryUserDirectory) GetUsers(ctx context.Context, ids []string) ([]*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byID := make(map[string]*models.User, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			cp := *u
			byID[id] = &cp
		}
	}
	return orderUsers(ids, byID), nil
}
