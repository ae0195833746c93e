package domain

import (
	"errors"
	"time"
)

// PersistedGrantType identifies what a PersistedGrant row holds.
type PersistedGrantType string

const (
	GrantAuthorizationCode   PersistedGrantType = "authorization_code"
	GrantRefreshToken        PersistedGrantType = "refresh_token"
	GrantDeviceCode          PersistedGrantType = "device_code"
	GrantDeviceUserCode      PersistedGrantType = "device_user_code"
	GrantUserConsent         PersistedGrantType = "user_consent"
	GrantReferenceToken      PersistedGrantType = "reference_token"
	GrantPushedAuthorization PersistedGrantType = "pushed_authorization_request"
	GrantReplayCache         PersistedGrantType = "replay_cache"
)

// ErrEmptyGrantFilter is returned when a filter names no field.
var ErrEmptyGrantFilter = errors.New("grant filter requires at least one of subject_id, session_id, client_id or type")

// PersistedGrant is the storage envelope for server-held protocol state.
//
//nolint:tagliatelle
type PersistedGrant struct {
	Key          string             `bson:"_id" json:"key"`
	Type         PersistedGrantType `bson:"type" json:"type"`
	ClientID     string             `bson:"client_id" json:"client_id"`
	SubjectID    string             `bson:"subject_id,omitempty" json:"subject_id,omitempty"`
	SessionID    string             `bson:"session_id,omitempty" json:"session_id,omitempty"`
	Description  string             `bson:"description,omitempty" json:"description,omitempty"`
	CreationTime time.Time          `bson:"creation_time" json:"creation_time"`
	Expiration   *time.Time         `bson:"expiration,omitempty" json:"expiration,omitempty"`
	ConsumedTime *time.Time         `bson:"consumed_time,omitempty" json:"consumed_time,omitempty"`
	Data         string             `bson:"data" json:"data"`
}

// IsExpired reports whether the grant is past its expiration at now.
func (g *PersistedGrant) IsExpired(now time.Time) bool {
	return g.Expiration != nil && !now.Before(*g.Expiration)
}

// IsConsumed reports whether a single-use grant has been redeemed.
func (g *PersistedGrant) IsConsumed() bool {
	return g.ConsumedTime != nil
}

// Clone returns a copy that shares no pointers with g.
func (g *PersistedGrant) Clone() *PersistedGrant {
	if g == nil {
		return nil
	}
	cp := *g
	if g.Expiration != nil {
		t := *g.Expiration
		cp.Expiration = &t
	}
	if g.ConsumedTime != nil {
		t := *g.ConsumedTime
		cp.ConsumedTime = &t
	}
	return &cp
}

// PersistedGrantFilter selects grants by any non-empty combination of fields.
type PersistedGrantFilter struct {
	SubjectID string
	SessionID string
	ClientID  string
	Type      PersistedGrantType
}

// Validate rejects filters that would match every grant.
func (f PersistedGrantFilter) Validate() error {
	if f.SubjectID == "" && f.SessionID == "" && f.ClientID == "" && f.Type == "" {
		return ErrEmptyGrantFilter
	}
	return nil
}

// Matches reports whether g satisfies every non-empty field of f.
func (f PersistedGrantFilter) Matches(g *PersistedGrant) bool {
	if f.SubjectID != "" && g.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if f.ClientID != "" && g.ClientID != f.ClientID {
		return false
	}
	if f.Type != "" && g.Type != f.Type {
		return false
	}
	return true
}
