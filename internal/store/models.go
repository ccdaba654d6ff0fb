package store

import "time"

// OwnershipMode says who may mutate a post: a member identity, or whoever
// holds the edit password. A post is in exactly one mode at any time, and
// the only transition between modes is the one-time anonymous conversion.
type OwnershipMode string

const (
	OwnershipMember    OwnershipMode = "member"
	OwnershipAnonymous OwnershipMode = "anonymous"
)

// Post is the central entity. The edit credential hash is deliberately not
// part of this struct: row-level policies hide it from normal reads, and the
// only way to obtain it is the signed ReadEditHash bypass.
type Post struct {
	ID            string
	Title         string
	Content       string
	AuthorName    string
	Tags          []string
	ThumbnailURL  *string
	WhiskyID      *string
	OwnershipMode OwnershipMode
	// OwnerUserID is authoritative for member posts. For anonymous posts it
	// holds the writing session's identity, which expires and rotates, so it
	// must never be used for authorization in that mode.
	OwnerUserID *string
	ViewCount   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type User struct {
	ID                string
	Email             string
	Nickname          string
	PasswordHash      string
	IsEmailVerified   bool
	VerificationToken string
	CreatedAt         time.Time
}
