package model

// QuotaCounter is the monthly usage row for one (tenant, channel, period).
// Used never exceeds Limit; all mutation goes through the ledger's atomic
// reserve/release primitives.
type QuotaCounter struct {
	TenantID  string  `db:"tenant_id" json:"tenantId"`
	Channel   Channel `db:"channel" json:"channel"`
	PeriodKey string  `db:"period_key" json:"periodKey"`
	Used      int     `db:"used" json:"used"`
	Limit     int     `db:"quota_limit" json:"limit"`
}
