package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/util"
)

type mockTenantRepo struct {
	findByTokenHashFunc func(ctx context.Context, tokenHash string) (*model.Tenant, error)
	findByIDFunc        func(ctx context.Context, id string) (*model.Tenant, error)
}

func (m *mockTenantRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Tenant, error) {
	if m.findByTokenHashFunc != nil {
		return m.findByTokenHashFunc(ctx, tokenHash)
	}
	return nil, nil
}

func (m *mockTenantRepo) FindByID(ctx context.Context, id string) (*model.Tenant, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockTenantRepo) Create(ctx context.Context, params model.CreateTenantParams) (*model.Tenant, error) {
	return nil, nil
}

func (m *mockTenantRepo) Count(ctx context.Context) (int, error) {
	return 0, nil
}

func TestAuthMiddleware(t *testing.T) {
	testTenant := &model.Tenant{
		ID:              "school-1",
		Name:            "Escola Exemplo",
		RateLimitPerMin: 60,
	}
	validToken := "valid-token"
	validTokenHash := util.HashToken(validToken)

	t.Run("allows request with valid bearer token", func(t *testing.T) {
		tenantRepo := &mockTenantRepo{
			findByTokenHashFunc: func(ctx context.Context, tokenHash string) (*model.Tenant, error) {
				if tokenHash == validTokenHash {
					return testTenant, nil
				}
				return nil, nil
			},
		}

		middleware := NewAuthMiddleware(tenantRepo)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := GetTenant(r.Context())
			require.NotNil(t, tenant)
			assert.Equal(t, "school-1", tenant.ID)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+validToken)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("allows request with query token", func(t *testing.T) {
		tenantRepo := &mockTenantRepo{
			findByTokenHashFunc: func(ctx context.Context, tokenHash string) (*model.Tenant, error) {
				if tokenHash == validTokenHash {
					return testTenant, nil
				}
				return nil, nil
			},
		}

		middleware := NewAuthMiddleware(tenantRepo)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/test?token="+validToken, nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects request without token", func(t *testing.T) {
		middleware := NewAuthMiddleware(&mockTenantRepo{})
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects request with invalid token", func(t *testing.T) {
		tenantRepo := &mockTenantRepo{
			findByTokenHashFunc: func(ctx context.Context, tokenHash string) (*model.Tenant, error) {
				return nil, nil
			},
		}

		middleware := NewAuthMiddleware(tenantRepo)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("returns 500 on database error", func(t *testing.T) {
		tenantRepo := &mockTenantRepo{
			findByTokenHashFunc: func(ctx context.Context, tokenHash string) (*model.Tenant, error) {
				return nil, errors.New("database error")
			},
		}

		middleware := NewAuthMiddleware(tenantRepo)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+validToken)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestGetTenant(t *testing.T) {
	t.Run("returns tenant from context", func(t *testing.T) {
		tenant := &model.Tenant{ID: "test-id"}
		ctx := context.WithValue(context.Background(), TenantContextKey, tenant)

		result := GetTenant(ctx)

		assert.NotNil(t, result)
		assert.Equal(t, "test-id", result.ID)
	})

	t.Run("returns nil when no tenant in context", func(t *testing.T) {
		result := GetTenant(context.Background())
		assert.Nil(t, result)
	})
}
