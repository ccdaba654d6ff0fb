package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const postColumns = `id, title, content, author_name, tags, thumbnail_url, whisky_id, ownership_mode, owner_user_id, view_count, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var post Post
	var tagsRaw []byte
	if err := row.Scan(
		&post.ID,
		&post.Title,
		&post.Content,
		&post.AuthorName,
		&tagsRaw,
		&post.ThumbnailURL,
		&post.WhiskyID,
		&post.OwnershipMode,
		&post.OwnerUserID,
		&post.ViewCount,
		&post.CreatedAt,
		&post.UpdatedAt,
	); err != nil {
		return Post{}, err
	}
	_ = json.Unmarshal(tagsRaw, &post.Tags)
	return post, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(encoded), nil
}

// InsertPost persists a new post. editHash is non-nil only for anonymous
// posts; the column is write-only from the application's point of view.
func (s *PostgresStore) InsertPost(ctx context.Context, post Post, editHash *string) error {
	tags, err := encodeTags(post.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO posts (id, title, content, author_name, tags, thumbnail_url, whisky_id, ownership_mode, owner_user_id, edit_password_hash)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)
	`, post.ID, post.Title, post.Content, post.AuthorName, tags, post.ThumbnailURL, post.WhiskyID, post.OwnershipMode, post.OwnerUserID, editHash)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, postID)
	return scanPost(row)
}

func (s *PostgresStore) ListPosts(ctx context.Context, limit int) ([]Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func (s *PostgresStore) ListPostsByOwner(ctx context.Context, ownerUserID string, limit int) ([]Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE owner_user_id = $1 ORDER BY created_at DESC`
	args := []any{ownerUserID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts by owner: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts by owner: %w", err)
	}
	return posts, nil
}

// UpdateMemberPost mutates a member-owned post directly; row policies allow
// this because the caller's identity matches the owner column.
func (s *PostgresStore) UpdateMemberPost(ctx context.Context, post Post) error {
	tags, err := encodeTags(post.Tags)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET title = $2, content = $3, author_name = $4, tags = $5::jsonb, thumbnail_url = $6, whisky_id = $7, updated_at = NOW()
		WHERE id = $1 AND ownership_mode = 'member'
	`, post.ID, post.Title, post.Content, post.AuthorName, tags, post.ThumbnailURL, post.WhiskyID)
	if err != nil {
		return fmt.Errorf("update member post: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteMemberPost(ctx context.Context, postID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1 AND ownership_mode = 'member'`, postID)
	if err != nil {
		return fmt.Errorf("delete member post: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) IncrementViewCount(ctx context.Context, postID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE posts SET view_count = view_count + 1 WHERE id = $1`, postID)
	if err != nil {
		return fmt.Errorf("increment view count: %w", err)
	}
	return nil
}

// ReadEditHash fetches an anonymous post's stored credential record through
// the signed bypass. Member posts yield an empty string.
func (s *PostgresStore) ReadEditHash(ctx context.Context, postID, signature string) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT read_post_edit_hash($1, $2)`, postID, signature).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("read edit hash: %w", err)
	}
	return hash.String, nil
}

// AnonUpdatePost mutates an anonymous post through the signed bypass; a
// direct UPDATE would be rejected by the default row policy.
func (s *PostgresStore) AnonUpdatePost(ctx context.Context, post Post, signature string) error {
	tags, err := encodeTags(post.Tags)
	if err != nil {
		return err
	}
	var updated bool
	err = s.db.QueryRowContext(ctx, `
		SELECT anon_update_post($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
	`, post.ID, post.Title, post.Content, post.AuthorName, tags, post.ThumbnailURL, post.WhiskyID, signature).Scan(&updated)
	if err != nil {
		return fmt.Errorf("anon update post: %w", err)
	}
	if !updated {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) AnonDeletePost(ctx context.Context, postID, signature string) error {
	var deleted bool
	err := s.db.QueryRowContext(ctx, `SELECT anon_delete_post($1, $2)`, postID, signature).Scan(&deleted)
	if err != nil {
		return fmt.Errorf("anon delete post: %w", err)
	}
	if !deleted {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CountAnonymousPosts(ctx context.Context, ownerUserID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts WHERE owner_user_id = $1 AND ownership_mode = 'anonymous'
	`, ownerUserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count anonymous posts: %w", err)
	}
	return count, nil
}

// ConvertAnonymousPosts re-owns every anonymous post of src to dst in one
// server-side statement and returns the number of rows changed.
func (s *PostgresStore) ConvertAnonymousPosts(ctx context.Context, src, dst, signature string) (int64, error) {
	var converted int64
	err := s.db.QueryRowContext(ctx, `SELECT convert_anonymous_posts($1, $2, $3)`, src, dst, signature).Scan(&converted)
	if err != nil {
		return 0, fmt.Errorf("convert anonymous posts: %w", err)
	}
	return converted, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, nickname, password_hash, verification_token)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.Nickname, user.PasswordHash, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, nickname, password_hash, is_email_verified, created_at FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.Nickname, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, nickname, password_hash, is_email_verified, created_at FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.Nickname, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_email_verified = TRUE, verification_token = NULL
		WHERE verification_token = $1
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
