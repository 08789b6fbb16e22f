package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

type TenantRepository interface {
	FindByID(ctx context.Context, id string) (*model.Tenant, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Tenant, error)
	Create(ctx context.Context, params model.CreateTenantParams) (*model.Tenant, error)
	Count(ctx context.Context) (int, error)
}

type tenantRepo struct {
	db sqlxDB
}

func NewTenantRepository(db *sqlx.DB) TenantRepository {
	return &tenantRepo{db: db}
}

func (r *tenantRepo) FindByID(ctx context.Context, id string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.GetContext(ctx, &tenant, `
		SELECT * FROM tenants WHERE id = $1
	`, id)
	return HandleNotFound(&tenant, err)
}

func (r *tenantRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.GetContext(ctx, &tenant, `
		SELECT * FROM tenants
		WHERE api_token_hash = $1 AND disabled_at IS NULL
	`, tokenHash)
	return HandleNotFound(&tenant, err)
}

func (r *tenantRepo) Create(ctx context.Context, params model.CreateTenantParams) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.GetContext(ctx, &tenant, `
		INSERT INTO tenants (name, api_token_hash, whatsapp_limit, email_limit, sms_limit, rate_limit_per_minute)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.Name, params.APITokenHash, params.WhatsAppLimit, params.EmailLimit,
		params.SMSLimit, params.RateLimitPerMin)
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *tenantRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM tenants`)
	return count, err
}
