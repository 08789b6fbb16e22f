package model

import (
	"time"
)

// TenantSession is the durable record of a tenant's WhatsApp pairing state.
// The transport's credential material lives in its own store; this record
// keeps only the device reference needed to resume it, so the session
// manager can rehydrate phase across process restarts.
type TenantSession struct {
	TenantID         string       `db:"tenant_id" json:"tenantId"`
	Phase            SessionPhase `db:"phase" json:"phase"`
	DeviceRef        *string      `db:"device_ref" json:"-"`
	ConnectedPhone   *string      `db:"connected_phone" json:"connectedPhone,omitempty"`
	QRPayload        *string      `db:"qr_payload" json:"-"`
	LastTransitionAt time.Time    `db:"last_transition_at" json:"lastTransitionAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

type UpsertSessionParams struct {
	TenantID       string
	Phase          SessionPhase
	DeviceRef      *string
	ConnectedPhone *string
	QRPayload      *string
}
