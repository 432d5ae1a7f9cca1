// Package store defines the hub's device registry. The hub records every
// device it enrolls and the one-time codes that authorise enrollment.
package store

import (
	"context"
	"errors"
	"time"
)

// Lookup and consumption failures.
var (
	ErrNotFound       = errors.New("not found")
	ErrTokenExpired   = errors.New("enrollment code expired")
	ErrTokenExhausted = errors.New("enrollment code already used")
)

// Store is the persistence interface of the hub registry.
// Implementations must be safe for concurrent use.
type Store interface {
	// Enrolled devices.
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	UpdateDeviceSeen(ctx context.Context, id string, t time.Time) error
	MarkDeviceRevoked(ctx context.Context, id string, t time.Time) error

	// Enrollment codes.
	CreateEnrollmentToken(ctx context.Context, token *EnrollmentToken) error
	ConsumeEnrollmentToken(ctx context.Context, codeHash, deviceID string, now time.Time) (*EnrollmentToken, error)
	// ReleaseEnrollmentToken gives back one use of a consumed token.
	ReleaseEnrollmentToken(ctx context.Context, id string) error
	ListEnrollmentTokens(ctx context.Context) ([]*EnrollmentToken, error)
	DeleteEnrollmentToken(ctx context.Context, id string) error

	// Close releases database resources.
	Close() error
}

// Device is the record of one enrolled device. ID is the device's session
// id within the zone (hubId/name).
type Device struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	RequestedName string     `json:"requested_name"`
	CertSerial    string     `json:"cert_serial"`
	Cert          string     `json:"-"`
	EnrolledAt    time.Time  `json:"enrolled_at"`
	LastSeen      time.Time  `json:"last_seen"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the device's certificate has been revoked.
func (d *Device) Revoked() bool { return d.RevokedAt != nil }

// EnrollmentToken authorises up to MaxUses enrollments before ExpiresAt.
type EnrollmentToken struct {
	ID         string     `json:"id"`
	CodeHash   string     `json:"-"`
	Label      string     `json:"label"`
	MaxUses    int        `json:"max_uses"`
	Uses       int        `json:"uses"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastUsedBy string     `json:"last_used_by,omitempty"`
}
