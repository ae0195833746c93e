package domain

import "time"

// DeviceCodeStatus represents the status of a device authorization request.
type DeviceCodeStatus string

const (
	DeviceCodeStatusPending    DeviceCodeStatus = "pending"
	DeviceCodeStatusAuthorized DeviceCodeStatus = "authorized"
	DeviceCodeStatusDenied     DeviceCodeStatus = "denied"
)

// DeviceCode holds the information for a device authorization grant.
// The device_code handle is the row key; the user_code is reachable through an index row.
//
//nolint:tagliatelle
type DeviceCode struct {
	UserCode        string           `json:"user_code"`
	ClientID        string           `json:"client_id"`
	RequestedScopes []string         `json:"requested_scopes"`
	AuthorizedScope []string         `json:"authorized_scopes,omitempty"`
	Status          DeviceCodeStatus `json:"status"`
	SubjectID       string           `json:"subject_id,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	AuthTime        time.Time        `json:"auth_time,omitempty"`
	Claims          []Claim          `json:"claims,omitempty"`
	CreationTime    time.Time        `json:"creation_time"`
	Lifetime        int              `json:"lifetime"` // seconds
	Interval        int              `json:"interval"` // seconds
}

// ExpiresAt returns the end of the polling window.
func (d *DeviceCode) ExpiresAt() time.Time {
	return d.CreationTime.Add(time.Duration(d.Lifetime) * time.Second)
}

// IsExpired reports whether the device code can no longer be redeemed at now.
func (d *DeviceCode) IsExpired(now time.Time) bool {
	return !now.Before(d.ExpiresAt())
}

// Subject returns the subject that approved the device, or nil while pending.
func (d *DeviceCode) Subject() *Subject {
	if d.SubjectID == "" {
		return nil
	}
	return &Subject{
		SubjectID: d.SubjectID,
		SessionID: d.SessionID,
		AuthTime:  d.AuthTime,
		Claims:    append([]Claim(nil), d.Claims...),
	}
}
