package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"maltlog/api/internal/account"
	"maltlog/api/internal/config"
	"maltlog/api/internal/editpw"
	"maltlog/api/internal/opsign"
	"maltlog/api/internal/sanitize"
	"maltlog/api/internal/search"
	"maltlog/api/internal/session"
	"maltlog/api/internal/store"
	"maltlog/api/internal/util"
)

const (
	maxTags                = 10
	defaultAnonymousAuthor = "Anonymous"
	defaultListLimit       = 20
	maxListLimit           = 100
)

type PostInput struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	AuthorName   string   `json:"authorName"`
	Tags         []string `json:"tags"`
	ThumbnailURL *string  `json:"thumbnailUrl"`
	WhiskyID     *string  `json:"whiskyId"`
}

// AuthInput carries whatever the caller presented: a bearer token, an edit
// password, or both. Which one matters depends on the post's ownership mode.
type AuthInput struct {
	Bearer   string
	Password string
}

type dataStore interface {
	GetPost(ctx context.Context, postID string) (store.Post, error)
	InsertPost(ctx context.Context, post store.Post, editHash *string) error
	ListPosts(ctx context.Context, limit int) ([]store.Post, error)
	ListPostsByOwner(ctx context.Context, ownerUserID string, limit int) ([]store.Post, error)
	UpdateMemberPost(ctx context.Context, post store.Post) error
	DeleteMemberPost(ctx context.Context, postID string) error
	IncrementViewCount(ctx context.Context, postID string) error
	ReadEditHash(ctx context.Context, postID, signature string) (string, error)
	AnonUpdatePost(ctx context.Context, post store.Post, signature string) error
	AnonDeletePost(ctx context.Context, postID, signature string) error
	CountAnonymousPosts(ctx context.Context, ownerUserID string) (int64, error)
	ConvertAnonymousPosts(ctx context.Context, src, dst, signature string) (int64, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	Create(ctx context.Context, identity session.Identity, ttl time.Duration) (string, error)
	Lookup(ctx context.Context, token string) (session.Identity, error)
	Revoke(ctx context.Context, token string) error
}

// MediaStorage stores post images and cleans them up at delete time. May be
// left nil when no object storage is configured.
type MediaStorage interface {
	UploadImage(ctx context.Context, ownerID, postID string, index int, data []byte, contentType string) (string, error)
	RemovePostMedia(ctx context.Context, ownerID, postID string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	media    MediaStorage
	search   *search.Service
	signer   *opsign.Signer
	accounts *account.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, media MediaStorage, searchService *search.Service, signer *opsign.Signer) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		media:    media,
		search:   searchService,
		signer:   signer,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SetAccountService wires the registration service. Set after construction
// because the account service needs this service as its post converter.
func (s *Service) SetAccountService(accounts *account.Service) {
	s.accounts = accounts
}

func (s *Service) AccountService() *account.Service {
	return s.accounts
}

// StartAnonymousSession mints a browsing identity for a logged-out visitor.
// Its ID becomes the non-authoritative ownerUserId of anonymous posts.
func (s *Service) StartAnonymousSession(ctx context.Context) (string, session.Identity, error) {
	identity := session.Identity{
		ID:        util.NewID("anon"),
		Anonymous: true,
	}
	token, err := s.sessions.Create(ctx, identity, s.cfg.SessionTTL)
	if err != nil {
		return "", session.Identity{}, err
	}
	return token, identity, nil
}

// Identity resolves a bearer token. ok is false for an empty, unknown or
// expired token; err is non-nil only for store failures.
func (s *Service) Identity(ctx context.Context, bearer string) (session.Identity, bool, error) {
	if bearer == "" {
		return session.Identity{}, false, nil
	}
	identity, err := s.sessions.Lookup(ctx, bearer)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.Identity{}, false, nil
		}
		return session.Identity{}, false, err
	}
	return identity, true, nil
}

func (s *Service) RevokeSession(ctx context.Context, bearer string) error {
	if bearer == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, bearer)
}

// normalizeTags trims entries, strips a leading '#', drops empties, dedups
// preserving first occurrence, and truncates to the tag bound.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		cleaned = append(cleaned, tag)
		if len(cleaned) == maxTags {
			break
		}
	}
	return cleaned
}

// validatePostContent sanitizes and checks title/content. Every invalid field
// is reported, not just the first.
func validatePostContent(input PostInput, fields map[string]string) (title, content string) {
	title = strings.TrimSpace(input.Title)
	if title == "" {
		fields["title"] = "title is required"
	}
	content = sanitize.Sanitize(input.Content)
	if strings.TrimSpace(sanitize.Plain(content)) == "" {
		fields["content"] = "content is required"
	}
	return title, content
}

func (s *Service) CreatePost(ctx context.Context, input PostInput, auth AuthInput) (store.Post, error) {
	identity, authenticated, err := s.Identity(ctx, auth.Bearer)
	if err != nil {
		return store.Post{}, err
	}
	member := authenticated && !identity.Anonymous

	fields := make(map[string]string)
	title, content := validatePostContent(input, fields)

	var editHash *string
	if !member {
		// Anonymous path. The post is guarded by the edit password alone.
		if len(auth.Password) < editpw.MinLength {
			fields["password"] = "edit password must be at least 4 characters"
		} else {
			hash, err := editpw.Hash(auth.Password)
			if err != nil {
				return store.Post{}, err
			}
			editHash = &hash
		}
	}
	if len(fields) > 0 {
		return store.Post{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid post fields", fields)
	}

	post := store.Post{
		ID:           util.NewID("post"),
		Title:        title,
		Content:      content,
		AuthorName:   strings.TrimSpace(input.AuthorName),
		Tags:         normalizeTags(input.Tags),
		ThumbnailURL: input.ThumbnailURL,
		WhiskyID:     input.WhiskyID,
	}

	if member {
		post.OwnershipMode = store.OwnershipMember
		ownerID := identity.ID
		post.OwnerUserID = &ownerID
		if post.AuthorName == "" {
			post.AuthorName = identity.Nickname
		}
	} else {
		post.OwnershipMode = store.OwnershipAnonymous
		if authenticated {
			// Session identity is recorded for later conversion, never
			// for authorization.
			ownerID := identity.ID
			post.OwnerUserID = &ownerID
		}
		if post.AuthorName == "" {
			post.AuthorName = defaultAnonymousAuthor
		}
	}

	if err := s.store.InsertPost(ctx, post, editHash); err != nil {
		return store.Post{}, err
	}
	created, err := s.store.GetPost(ctx, post.ID)
	if err != nil {
		return store.Post{}, err
	}
	s.indexPost(created)
	return created, nil
}

func (s *Service) GetPost(ctx context.Context, postID string) (store.Post, error) {
	return s.store.GetPost(ctx, postID)
}

func (s *Service) ListPosts(ctx context.Context, limit int) ([]store.Post, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListPosts(ctx, limit)
}

func (s *Service) MyPosts(ctx context.Context, bearer string) ([]store.Post, error) {
	identity, ok, err := s.Identity(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "sign in to list your posts", nil)
	}
	return s.store.ListPostsByOwner(ctx, identity.ID, maxListLimit)
}

func (s *Service) IncrementViewCount(ctx context.Context, postID string) error {
	return s.store.IncrementViewCount(ctx, postID)
}

// authorizeMutation applies the per-mode authorization rules and, for
// anonymous posts, performs the signed hash read and password check.
func (s *Service) authorizeMutation(ctx context.Context, post store.Post, auth AuthInput) error {
	identity, authenticated, err := s.Identity(ctx, auth.Bearer)
	if err != nil {
		return err
	}

	switch post.OwnershipMode {
	case store.OwnershipMember:
		if !authenticated || identity.Anonymous {
			return domainError(http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "sign in to edit this post", nil)
		}
		if post.OwnerUserID == nil || identity.ID != *post.OwnerUserID {
			return domainError(http.StatusForbidden, "FORBIDDEN", "this is not your post", nil)
		}
		return nil

	case store.OwnershipAnonymous:
		// Anonymous posts are only editable while the editor is logged out,
		// regardless of password correctness.
		if authenticated && !identity.Anonymous {
			return domainError(http.StatusForbidden, "FORBIDDEN", "anonymous posts cannot be edited from a signed-in account", nil)
		}
		if auth.Password == "" {
			return domainError(http.StatusUnauthorized, "PASSWORD_REQUIRED", "edit password is required", nil)
		}
		hash, err := s.store.ReadEditHash(ctx, post.ID, s.signer.Sign(post.ID, opsign.OpReadHash))
		if err != nil {
			return err
		}
		if !editpw.Verify(auth.Password, hash) {
			return domainError(http.StatusForbidden, "PASSWORD_MISMATCH", "wrong edit password", nil)
		}
		return nil

	default:
		return domainError(http.StatusForbidden, "FORBIDDEN", "unknown ownership mode", nil)
	}
}

func (s *Service) UpdatePost(ctx context.Context, postID string, input PostInput, auth AuthInput) (store.Post, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return store.Post{}, err
	}

	if err := s.authorizeMutation(ctx, post, auth); err != nil {
		return store.Post{}, err
	}

	fields := make(map[string]string)
	title, content := validatePostContent(input, fields)
	if len(fields) > 0 {
		return store.Post{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid post fields", fields)
	}

	post.Title = title
	post.Content = content
	post.Tags = normalizeTags(input.Tags)
	if name := strings.TrimSpace(input.AuthorName); name != "" {
		post.AuthorName = name
	}
	if input.ThumbnailURL != nil {
		post.ThumbnailURL = input.ThumbnailURL
	}
	if input.WhiskyID != nil {
		post.WhiskyID = input.WhiskyID
	}

	switch post.OwnershipMode {
	case store.OwnershipMember:
		err = s.store.UpdateMemberPost(ctx, post)
	default:
		err = s.store.AnonUpdatePost(ctx, post, s.signer.Sign(post.ID, opsign.OpAnonUpdate))
	}
	if err != nil {
		return store.Post{}, err
	}
	updated, err := s.store.GetPost(ctx, post.ID)
	if err != nil {
		return store.Post{}, err
	}
	s.indexPost(updated)
	return updated, nil
}

func (s *Service) DeletePost(ctx context.Context, postID string, auth AuthInput) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}

	if err := s.authorizeMutation(ctx, post, auth); err != nil {
		return err
	}

	// Media is cache-like. A failed cleanup is logged and never blocks the
	// row deletion.
	if s.media != nil && post.OwnerUserID != nil {
		if err := s.media.RemovePostMedia(ctx, *post.OwnerUserID, post.ID); err != nil {
			log.Printf("warn: media cleanup for post %s failed: %v", post.ID, err)
		}
	}

	switch post.OwnershipMode {
	case store.OwnershipMember:
		err = s.store.DeleteMemberPost(ctx, postID)
	default:
		err = s.store.AnonDeletePost(ctx, postID, s.signer.Sign(postID, opsign.OpAnonDelete))
	}
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeletePost(postID)
	}
	return nil
}

// UploadPostImage stores an image for the post. It requires the same
// authorization as any other mutation of the post.
func (s *Service) UploadPostImage(ctx context.Context, postID string, index int, data []byte, contentType string, auth AuthInput) (string, error) {
	if s.media == nil {
		return "", domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "media storage is not configured", nil)
	}
	if len(data) == 0 {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid post fields", map[string]string{"image": "image data is required"})
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid post fields", map[string]string{"image": "content type must be an image"})
	}

	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return "", err
	}
	if err := s.authorizeMutation(ctx, post, auth); err != nil {
		return "", err
	}

	owner := ""
	if post.OwnerUserID != nil {
		owner = *post.OwnerUserID
	}
	return s.media.UploadImage(ctx, owner, post.ID, index, data, contentType)
}

// SearchPosts runs a full-text query over posts.
func (s *Service) SearchPosts(q, tag string, limit, offset int) search.Response {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}
	}
	return s.search.Search(search.Query{Text: q, FilterTag: tag, Limit: limit, Offset: offset})
}

func (s *Service) indexPost(post store.Post) {
	if s.search == nil {
		return
	}
	s.search.IndexPost(search.PostRecord{
		ID:         post.ID,
		Title:      post.Title,
		Body:       sanitize.Plain(post.Content),
		AuthorName: post.AuthorName,
		Tags:       post.Tags,
	})
}

// ConvertAnonymousPosts re-owns every anonymous post of the source identity
// to the member the destination bearer resolves to. An invalid destination
// session skips the conversion and returns ErrConversionSkipped so the
// caller can report the transition as possibly incomplete.
func (s *Service) ConvertAnonymousPosts(ctx context.Context, sourceID, destBearer string) (int64, error) {
	if sourceID == "" {
		return 0, nil
	}

	identity, ok, err := s.Identity(ctx, destBearer)
	if err != nil {
		return 0, err
	}
	if !ok || identity.Anonymous {
		log.Printf("warn: skipping post conversion for %s: destination session is not a live member session", sourceID)
		return 0, ErrConversionSkipped
	}

	count, err := s.store.CountAnonymousPosts(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	updated, err := s.store.ConvertAnonymousPosts(ctx, sourceID, identity.ID, s.signer.SignConversion(sourceID, identity.ID))
	if err != nil {
		return 0, err
	}
	if updated != count {
		log.Printf("warn: conversion %s -> %s matched %d posts but updated %d", sourceID, identity.ID, count, updated)
	}
	return updated, nil
}

func (s *Service) postPayload(post store.Post) map[string]any {
	return map[string]any{
		"id":              post.ID,
		"title":           post.Title,
		"content":         post.Content,
		"authorName":      post.AuthorName,
		"tags":            post.Tags,
		"thumbnailUrl":    post.ThumbnailURL,
		"whiskyId":        post.WhiskyID,
		"ownershipMode":   post.OwnershipMode,
		"ownerUserId":     post.OwnerUserID,
		"viewCount":       post.ViewCount,
		"createdAt":       post.CreatedAt.Format(time.RFC3339),
		"updatedAt":       post.UpdatedAt.Format(time.RFC3339),
		"commentsEnabled": s.cfg.CommentsEnabled,
	}
}
