// Package prefs holds the small site preferences that live beside the chat
// state in the key-value store: the uploaded blog post list and the admin
// navigation flag.
package prefs

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/porchlight/internal/kv"
	"github.com/soyeahso/porchlight/internal/logging"
)

const (
	KeyBlogUploads  = "blogUploads"
	KeyShowAdminNav = "showAdminNav"
)

// ErrUploadNotFound is returned by Remove for an unknown id.
var ErrUploadNotFound = errors.New("blog upload not found")

// BlogUpload is one locally stored post. DataURL carries the file content.
type BlogUpload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Summary    string `json:"summary,omitempty"`
	FileName   string `json:"fileName"`
	DataURL    string `json:"dataUrl"`
	UploadedAt string `json:"uploadedAt"` // RFC 3339
	Size       int64  `json:"size"`
}

// BlogUploads is the newest-first list of uploaded posts.
type BlogUploads struct {
	store kv.Store
	log   *logging.Logger
	now   func() time.Time
}

// NewBlogUploads creates the service over store.
func NewBlogUploads(store kv.Store, log *logging.Logger) *BlogUploads {
	return &BlogUploads{store: store, log: log.Sub("prefs"), now: time.Now}
}

// List returns every upload, newest first. Unreadable data reads as empty.
func (b *BlogUploads) List() []BlogUpload {
	var uploads []BlogUpload
	if _, err := kv.GetJSON(b.store, KeyBlogUploads, &uploads); err != nil {
		b.log.Warn().Err(err).Msg("failed to read blog uploads")
		return nil
	}
	return uploads
}

// Add prepends u, filling in a missing id or upload time, and returns the
// new list.
func (b *BlogUploads) Add(u BlogUpload) ([]BlogUpload, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.UploadedAt == "" {
		u.UploadedAt = b.now().UTC().Format(time.RFC3339)
	}
	if u.Size == 0 {
		u.Size = int64(len(u.DataURL))
	}

	next := append([]BlogUpload{u}, b.List()...)
	if err := kv.SetJSON(b.store, KeyBlogUploads, next); err != nil {
		return nil, fmt.Errorf("saving blog uploads: %w", err)
	}
	return next, nil
}

// Remove deletes the upload with id and returns the remaining list.
func (b *BlogUploads) Remove(id string) ([]BlogUpload, error) {
	uploads := b.List()
	next := slices.DeleteFunc(slices.Clone(uploads), func(u BlogUpload) bool { return u.ID == id })
	if len(next) == len(uploads) {
		return uploads, fmt.Errorf("%w: %s", ErrUploadNotFound, id)
	}
	if err := kv.SetJSON(b.store, KeyBlogUploads, next); err != nil {
		return nil, fmt.Errorf("saving blog uploads: %w", err)
	}
	return next, nil
}

// AdminNav is the flag that reveals the admin link in site navigation.
type AdminNav struct {
	store kv.Store
}

// NewAdminNav creates the flag over store.
func NewAdminNav(store kv.Store) *AdminNav {
	return &AdminNav{store: store}
}

// Visible reports the flag; absent or unreadable means hidden.
func (a *AdminNav) Visible() bool {
	var v bool
	if _, err := kv.GetJSON(a.store, KeyShowAdminNav, &v); err != nil {
		return false
	}
	return v
}

// SetVisible stores the flag.
func (a *AdminNav) SetVisible(v bool) error {
	return kv.SetJSON(a.store, KeyShowAdminNav, v)
}

// Toggle flips the flag and returns the new value.
func (a *AdminNav) Toggle() (bool, error) {
	next := !a.Visible()
	if err := a.SetVisible(next); err != nil {
		return a.Visible(), err
	}
	return next, nil
}
