package model

import (
	"time"
)

// Tenant is one school account. Quota limits are monthly message budgets
// per channel, sourced from the tenant's plan.
type Tenant struct {
	ID              string     `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	APITokenHash    string     `db:"api_token_hash" json:"-"`
	WhatsAppLimit   int        `db:"whatsapp_limit" json:"whatsappLimit"`
	EmailLimit      int        `db:"email_limit" json:"emailLimit"`
	SMSLimit        int        `db:"sms_limit" json:"smsLimit"`
	RateLimitPerMin int        `db:"rate_limit_per_minute" json:"rateLimitPerMinute"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
	DisabledAt      *time.Time `db:"disabled_at" json:"disabledAt,omitempty"`
}

// QuotaLimit returns the tenant's monthly budget for a channel.
func (t *Tenant) QuotaLimit(channel Channel) int {
	switch channel {
	case ChannelWhatsApp:
		return t.WhatsAppLimit
	case ChannelEmail:
		return t.EmailLimit
	case ChannelSMS:
		return t.SMSLimit
	}
	return 0
}

type CreateTenantParams struct {
	Name            string
	APITokenHash    string
	WhatsAppLimit   int
	EmailLimit      int
	SMSLimit        int
	RateLimitPerMin int
}
