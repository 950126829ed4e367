package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Tenants() TenantStore                     { return &pgTenants{db: s.db} }
func (s *PGStore) Signatures() SignatureStore               { return &pgSignatures{db: s.db} }
func (s *PGStore) Users() UserStore                         { return &pgUsers{db: s.db} }
func (s *PGStore) PermittableGroups() PermittableGroupStore { return &pgGroups{db: s.db} }
func (s *PGStore) Roles() RoleStore                         { return &pgRoles{db: s.db} }
func (s *PGStore) PushTokens() PushTokenStore               { return &pgPushTokens{db: s.db} }

// Tenant store --------------------------------------------------------------
type pgTenants struct{ db *sql.DB }

func (s *pgTenants) Put(ctx context.Context, tenant *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`insert into tenants(identifier, fixed_salt, password_expires_in_days, time_to_change_password_days, created_at)
		 values($1,$2,$3,$4,$5)
		 on conflict (identifier) do update set
		   fixed_salt=excluded.fixed_salt,
		   password_expires_in_days=excluded.password_expires_in_days,
		   time_to_change_password_days=excluded.time_to_change_password_days`,
		tenant.Identifier, tenant.FixedSalt, tenant.PasswordExpiresInDays,
		tenant.TimeToChangePasswordAfterExpirationInDays, tenant.CreatedAt,
	)
	return err
}

func (s *pgTenants) Get(ctx context.Context, identifier string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select identifier, fixed_salt, password_expires_in_days, time_to_change_password_days, created_at
		 from tenants where identifier=$1`, identifier)
	var t Tenant
	if err := row.Scan(&t.Identifier, &t.FixedSalt, &t.PasswordExpiresInDays,
		&t.TimeToChangePasswordAfterExpirationInDays, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Signature store -----------------------------------------------------------
type pgSignatures struct{ db *sql.DB }

func (s *pgSignatures) Add(ctx context.Context, tenant string, key *SigningKey) error {
	privatePEM, err := EncodePrivateKey(key.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: encode private key: %v", ErrInternal, err)
	}
	publicPEM, err := EncodePublicKey(key.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: encode public key: %v", ErrInternal, err)
	}
	res, err := s.db.ExecContext(ctx,
		`insert into signature_keys(tenant_identifier, key_timestamp, private_key_pem, public_key_pem, created_at)
		 values($1,$2,$3,$4,$5)
		 on conflict (tenant_identifier, key_timestamp) do nothing`,
		tenant, key.Timestamp, privatePEM, publicPEM, key.CreatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *pgSignatures) Get(ctx context.Context, tenant, timestamp string) (*SigningKey, error) {
	row := s.db.QueryRowContext(ctx,
		`select key_timestamp, private_key_pem, public_key_pem, created_at
		 from signature_keys where tenant_identifier=$1 and key_timestamp=$2`, tenant, timestamp)
	return scanSigningKey(row)
}

func (s *pgSignatures) Timestamps(ctx context.Context, tenant string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select key_timestamp from signature_keys where tenant_identifier=$1 order by key_timestamp asc`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanSigningKey(row *sql.Row) (*SigningKey, error) {
	var (
		key        SigningKey
		privatePEM string
		publicPEM  string
	)
	if err := row.Scan(&key.Timestamp, &privatePEM, &publicPEM, &key.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	private, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrInternal, err)
	}
	public, err := ParsePublicKey(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrInternal, err)
	}
	key.PrivateKey = private
	key.PublicKey = public
	return &key, nil
}

// User store ----------------------------------------------------------------
type pgUsers struct{ db *sql.DB }

func (s *pgUsers) Upsert(ctx context.Context, tenant string, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, tenant_identifier, identifier, role_identifier, password_hash, salt, iteration_count, password_expires_on, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 on conflict (tenant_identifier, identifier) do update set
		   role_identifier=excluded.role_identifier,
		   password_hash=excluded.password_hash,
		   salt=excluded.salt,
		   iteration_count=excluded.iteration_count,
		   password_expires_on=excluded.password_expires_on,
		   updated_at=excluded.updated_at`,
		user.ID, tenant, user.Identifier, user.Role, user.PasswordHash, user.Salt,
		user.IterationCount, user.PasswordExpiresOn, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (s *pgUsers) Get(ctx context.Context, tenant, identifier string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, identifier, role_identifier, password_hash, salt, iteration_count, password_expires_on, created_at, updated_at
		 from users where tenant_identifier=$1 and identifier=$2`, tenant, identifier)
	var u User
	if err := row.Scan(&u.ID, &u.Identifier, &u.Role, &u.PasswordHash, &u.Salt,
		&u.IterationCount, &u.PasswordExpiresOn, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *pgUsers) All(ctx context.Context, tenant string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, identifier, role_identifier, password_hash, salt, iteration_count, password_expires_on, created_at, updated_at
		 from users where tenant_identifier=$1 order by identifier`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Identifier, &u.Role, &u.PasswordHash, &u.Salt,
			&u.IterationCount, &u.PasswordExpiresOn, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// Permittable group store ---------------------------------------------------
type pgGroups struct{ db *sql.DB }

func (s *pgGroups) Put(ctx context.Context, tenant string, group *PermittableGroup) error {
	payload, err := json.Marshal(group.Permittables)
	if err != nil {
		return fmt.Errorf("%w: encode permittables: %v", ErrInternal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`insert into permittable_groups(tenant_identifier, identifier, permittables)
		 values($1,$2,$3)
		 on conflict (tenant_identifier, identifier) do update set permittables=excluded.permittables`,
		tenant, group.Identifier, payload,
	)
	return err
}

func (s *pgGroups) Get(ctx context.Context, tenant, identifier string) (*PermittableGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`select identifier, permittables from permittable_groups where tenant_identifier=$1 and identifier=$2`,
		tenant, identifier)
	var (
		group   PermittableGroup
		payload []byte
	)
	if err := row.Scan(&group.Identifier, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &group.Permittables); err != nil {
		return nil, fmt.Errorf("%w: decode permittables: %v", ErrInternal, err)
	}
	return &group, nil
}

func (s *pgGroups) All(ctx context.Context, tenant string) ([]*PermittableGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`select identifier, permittables from permittable_groups where tenant_identifier=$1 order by identifier`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*PermittableGroup
	for rows.Next() {
		var (
			group   PermittableGroup
			payload []byte
		)
		if err := rows.Scan(&group.Identifier, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &group.Permittables); err != nil {
			return nil, fmt.Errorf("%w: decode permittables: %v", ErrInternal, err)
		}
		groups = append(groups, &group)
	}
	return groups, rows.Err()
}

// Role store ----------------------------------------------------------------
type pgRoles struct{ db *sql.DB }

func (s *pgRoles) Put(ctx context.Context, tenant string, role *Role) error {
	payload, err := json.Marshal(role.Grants)
	if err != nil {
		return fmt.Errorf("%w: encode grants: %v", ErrInternal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`insert into roles(tenant_identifier, identifier, grants)
		 values($1,$2,$3)
		 on conflict (tenant_identifier, identifier) do update set grants=excluded.grants`,
		tenant, role.Identifier, payload,
	)
	return err
}

func (s *pgRoles) Get(ctx context.Context, tenant, identifier string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select identifier, grants from roles where tenant_identifier=$1 and identifier=$2`, tenant, identifier)
	var (
		role    Role
		payload []byte
	)
	if err := row.Scan(&role.Identifier, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &role.Grants); err != nil {
		return nil, fmt.Errorf("%w: decode grants: %v", ErrInternal, err)
	}
	return &role, nil
}

func (s *pgRoles) All(ctx context.Context, tenant string) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select identifier, grants from roles where tenant_identifier=$1 order by identifier`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var (
			role    Role
			payload []byte
		)
		if err := rows.Scan(&role.Identifier, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &role.Grants); err != nil {
			return nil, fmt.Errorf("%w: decode grants: %v", ErrInternal, err)
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// Push token store ----------------------------------------------------------
type pgPushTokens struct{ db *sql.DB }

func (s *pgPushTokens) Put(ctx context.Context, tenant string, token *PushToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into push_tokens(tenant_identifier, user_identifier, device_token, created_at)
		 values($1,$2,$3,$4)
		 on conflict (tenant_identifier, device_token) do update set user_identifier=excluded.user_identifier`,
		tenant, token.UserIdentifier, token.DeviceToken, token.CreatedAt,
	)
	return err
}

func (s *pgPushTokens) ByUser(ctx context.Context, tenant, userIdentifier string) ([]*PushToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_identifier, device_token, created_at
		 from push_tokens where tenant_identifier=$1 and user_identifier=$2 order by device_token`,
		tenant, userIdentifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*PushToken
	for rows.Next() {
		var t PushToken
		if err := rows.Scan(&t.UserIdentifier, &t.DeviceToken, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (s *pgPushTokens) Delete(ctx context.Context, tenant, deviceToken string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from push_tokens where tenant_identifier=$1 and device_token=$2`, tenant, deviceToken)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
