// Package assets maps people and fixed artwork to inline email attachments
// stored in the object store.
package assets

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

// ObjectGetter reads one object. A missing key must be reported so that
// storage.IsNotFound recognises it.
type ObjectGetter interface {
	Get(ctx context.Context, key string) (*storage.Object, error)
}

// Kind selects the image a person key refers to.
type Kind string

const (
	KindProfile           Kind = "profile"
	KindPoster            Kind = "poster"
	KindAnniversaryPoster Kind = "anniversary"
)

// ParseKind validates a kind taken from a request path.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindProfile, KindPoster, KindAnniversaryPoster:
		return Kind(s), true
	}
	return "", false
}

// Key returns the object key of a person's image.
func Key(personID string, kind Kind) string {
	switch kind {
	case KindPoster:
		return personID + "_poster.jpg"
	case KindAnniversaryPoster:
		return personID + "_anniv.jpg"
	default:
		return personID + ".jpg"
	}
}

// Policy decides what happens when an object is missing.
type Policy int

const (
	// PolicyFallback substitutes the configured default asset. Used for the
	// shared newsletter where every card needs a picture.
	PolicyFallback Policy = iota
	// PolicyOmit returns nil so the caller drops the image block. Used for
	// personal greetings.
	PolicyOmit
)

func (p Policy) String() string {
	if p == PolicyOmit {
		return "omit"
	}
	return "fallback"
}

// Attachment is a fetched asset ready to be inlined. CID is the key actually
// served, which differs from RequestedKey when Substituted is set.
type Attachment struct {
	RequestedKey string
	Key          string
	CID          string
	ContentType  string
	Data         []byte
	Substituted  bool
}

// InlineImage converts the attachment into the transport form.
func (a *Attachment) InlineImage() types.InlineImage {
	return types.InlineImage{
		CID:      a.CID,
		Name:     a.Key,
		MimeType: a.ContentType,
		Content:  a.Data,
	}
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ContentTypeFor derives the MIME type from the key's extension.
func ContentTypeFor(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Resolver fetches assets with a per-call miss policy.
type Resolver struct {
	store      ObjectGetter
	defaultKey string
	logger     *slog.Logger
}

// NewResolver creates a Resolver. defaultKey is the asset substituted under
// PolicyFallback.
func NewResolver(store ObjectGetter, defaultKey string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, defaultKey: defaultKey, logger: logger}
}

// Resolve fetches the image of kind for personID.
func (r *Resolver) Resolve(ctx context.Context, personID string, kind Kind, policy Policy) *Attachment {
	return r.Fetch(ctx, Key(personID, kind), policy)
}

// Fetch retrieves key. Every storage failure counts as a miss and never
// reaches the caller: under PolicyFallback the default asset is returned
// instead, under PolicyOmit nil.
func (r *Resolver) Fetch(ctx context.Context, key string, policy Policy) *Attachment {
	if att := r.get(ctx, key); att != nil {
		return att
	}
	if policy != PolicyFallback || r.defaultKey == "" || key == r.defaultKey {
		return nil
	}

	att := r.get(ctx, r.defaultKey)
	if att == nil {
		r.logger.WarnContext(ctx, "default asset unavailable", "key", key, "default", r.defaultKey)
		return nil
	}
	att.RequestedKey = key
	att.Substituted = true
	return att
}

func (r *Resolver) get(ctx context.Context, key string) *Attachment {
	obj, err := r.store.Get(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			r.logger.DebugContext(ctx, "asset not found", "key", key)
		} else {
			r.logger.WarnContext(ctx, "asset fetch failed; treating as miss", "key", key, "error", err)
		}
		return nil
	}
	if obj == nil || len(obj.Data) == 0 {
		return nil
	}
	return &Attachment{
		RequestedKey: key,
		Key:          key,
		CID:          key,
		ContentType:  ContentTypeFor(key),
		Data:         obj.Data,
	}
}

// FetchAll fetches keys concurrently and returns results in key order; an
// entry is nil where the policy produced no asset.
func (r *Resolver) FetchAll(ctx context.Context, keys []string, policy Policy) []*Attachment {
	out := make([]*Attachment, len(keys))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, key := range keys {
		g.Go(func() error {
			out[i] = r.Fetch(gCtx, key, policy)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Set collects the attachments of one message, de-duplicated by CID.
type Set struct {
	order       []string
	byCID       map[string]*Attachment
	substituted int
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{byCID: make(map[string]*Attachment)}
}

// Add records a and returns its CID, or "" when a is nil.
func (s *Set) Add(a *Attachment) string {
	if a == nil {
		return ""
	}
	if a.Substituted {
		s.substituted++
	}
	if _, ok := s.byCID[a.CID]; !ok {
		s.byCID[a.CID] = a
		s.order = append(s.order, a.CID)
	}
	return a.CID
}

// Len is the number of distinct attachments.
func (s *Set) Len() int { return len(s.order) }

// Images returns the attachments in insertion order.
func (s *Set) Images() []types.InlineImage {
	out := make([]types.InlineImage, 0, len(s.order))
	for _, cid := range s.order {
		out = append(out, s.byCID[cid].InlineImage())
	}
	return out
}

// Substitutions counts how many Add calls carried the default asset.
func (s *Set) Substitutions() int { return s.substituted }
