package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGTenantsRoundtrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	salt := []byte("0123456789abcdef0123456789abcdef")

	mock.ExpectExec("insert into tenants").
		WithArgs("acme", salt, 93, 4, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Tenants().Put(context.Background(), &Tenant{
		Identifier:            "acme",
		FixedSalt:             salt,
		PasswordExpiresInDays: 93,
		TimeToChangePasswordAfterExpirationInDays: 4,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mock.ExpectQuery("select identifier, fixed_salt").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{
			"identifier", "fixed_salt", "password_expires_in_days", "time_to_change_password_days", "created_at",
		}).AddRow("acme", salt, 93, 4, now))
	tenant, err := store.Tenants().Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tenant.Identifier != "acme" || tenant.PasswordExpiresInDays != 93 {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}

	mock.ExpectQuery("select identifier, fixed_salt").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"identifier", "fixed_salt", "password_expires_in_days", "time_to_change_password_days", "created_at",
		}))
	if _, err := store.Tenants().Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSignaturesAddAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	seed := NewInMemory()
	key, err := NewKeyring(seed.Signatures()).GenerateAndStore(context.Background(), "seed")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privatePEM, _ := EncodePrivateKey(key.PrivateKey)
	publicPEM, _ := EncodePublicKey(key.PublicKey)

	store := NewPGStore(db)

	mock.ExpectExec("insert into signature_keys").
		WithArgs("acme", key.Timestamp, sqlmock.AnyArg(), sqlmock.AnyArg(), key.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Signatures().Add(context.Background(), "acme", key); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A duplicate timestamp hits the conflict clause and affects no rows.
	mock.ExpectExec("insert into signature_keys").
		WithArgs("acme", key.Timestamp, sqlmock.AnyArg(), sqlmock.AnyArg(), key.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Signatures().Add(context.Background(), "acme", key); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectQuery("select key_timestamp, private_key_pem").
		WithArgs("acme", key.Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{
			"key_timestamp", "private_key_pem", "public_key_pem", "created_at",
		}).AddRow(key.Timestamp, privatePEM, publicPEM, key.CreatedAt))
	loaded, err := store.Signatures().Get(context.Background(), "acme", key.Timestamp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.PublicKey.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("key material changed across storage")
	}

	mock.ExpectQuery("select key_timestamp from signature_keys").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"key_timestamp"}).AddRow(key.Timestamp))
	timestamps, err := store.Signatures().Timestamps(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Timestamps: %v", err)
	}
	if len(timestamps) != 1 || timestamps[0] != key.Timestamp {
		t.Fatalf("unexpected timestamps: %v", timestamps)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGUsersUpsertAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user := &User{
		ID:                "id-1",
		Identifier:        "alice",
		Role:              "member",
		PasswordHash:      []byte("hash"),
		Salt:              []byte("salt"),
		IterationCount:    512,
		PasswordExpiresOn: now.AddDate(0, 0, 93),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	mock.ExpectExec("insert into users").
		WithArgs("id-1", "acme", "alice", "member", user.PasswordHash, user.Salt, 512, user.PasswordExpiresOn, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Users().Upsert(context.Background(), "acme", user); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	cols := []string{"id", "identifier", "role_identifier", "password_hash", "salt", "iteration_count", "password_expires_on", "created_at", "updated_at"}
	mock.ExpectQuery("select id, identifier, role_identifier").
		WithArgs("acme", "alice").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("id-1", "alice", "member", user.PasswordHash, user.Salt, 512, user.PasswordExpiresOn, now, now))
	loaded, err := store.Users().Get(context.Background(), "acme", "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Identifier != "alice" || loaded.IterationCount != 512 {
		t.Fatalf("unexpected user: %+v", loaded)
	}

	mock.ExpectQuery("select id, identifier, role_identifier").
		WithArgs("acme", "nobody").
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := store.Users().Get(context.Background(), "acme", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRolesJSONPayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	role := &Role{
		Identifier: "admin",
		Grants: []PermissionGrant{
			{PermittableGroupIdentifier: "identity_management", AllowedOperations: AllOperations()},
			{PermittableGroupIdentifier: "self_management", AllowedOperations: Operations(MethodGet, MethodPut)},
		},
	}

	mock.ExpectExec("insert into roles").
		WithArgs("acme", "admin", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Roles().Put(context.Background(), "acme", role); err != nil {
		t.Fatalf("Put: %v", err)
	}

	payload := `[{"permittable_group_identifier":"identity_management","allowed_operations":"ALL"},` +
		`{"permittable_group_identifier":"self_management","allowed_operations":["GET","PUT"]}]`
	mock.ExpectQuery("select identifier, grants from roles").
		WithArgs("acme", "admin").
		WillReturnRows(sqlmock.NewRows([]string{"identifier", "grants"}).AddRow("admin", []byte(payload)))
	loaded, err := store.Roles().Get(context.Background(), "acme", "admin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(loaded.Grants) != 2 {
		t.Fatalf("unexpected grants: %+v", loaded.Grants)
	}
	if !loaded.Grants[0].AllowedOperations.IsAll() {
		t.Fatalf("full operation set lost across storage")
	}
	if loaded.Grants[1].AllowedOperations.Allows(MethodDelete) {
		t.Fatalf("operation subset widened across storage")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGPushTokensDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)

	mock.ExpectExec("delete from push_tokens").
		WithArgs("acme", "device-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.PushTokens().Delete(context.Background(), "acme", "device-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mock.ExpectExec("delete from push_tokens").
		WithArgs("acme", "device-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.PushTokens().Delete(context.Background(), "acme", "device-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
