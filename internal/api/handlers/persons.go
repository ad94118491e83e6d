package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"rotarydesk/internal/core"
	"rotarydesk/internal/db"
	"rotarydesk/internal/notifications/assets"
	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

// maxImageUploadBytes caps image uploads.
const maxImageUploadBytes = 10 << 20

// PersonStore is the roster repository the handler needs.
type PersonStore interface {
	GetByID(ctx context.Context, id string) (*types.Person, error)
	List(ctx context.Context, f db.PersonFilter) ([]*types.Person, int, error)
	FindCelebrants(ctx context.Context, q db.CelebrantQuery) ([]*types.Person, error)
	CreateCouple(ctx context.Context, params db.CreateCoupleParams) (primary, partner *types.Person, err error)
	Update(ctx context.Context, params db.UpdatePersonParams) ([]types.ChangeLogEntry, error)
	ListChanges(ctx context.Context, personID string, limit int) ([]types.ChangeLogEntry, error)
	SetImageFlag(ctx context.Context, id string, flag db.ImageFlag, value bool, actorID string) error
}

var _ PersonStore = (*db.PersonRepository)(nil)

// ImageStore is the object store slice used for person images.
type ImageStore interface {
	Get(ctx context.Context, key string) (*storage.Object, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// --- DTOs ---

// PersonInput describes one side of a new couple.
type PersonInput struct {
	Name  string     `json:"name" validate:"required,max=200"`
	Email string     `json:"email" validate:"omitempty,email"`
	Phone string     `json:"phone" validate:"phone"`
	Club  string     `json:"club" validate:"max=200"`
	Role  string     `json:"role" validate:"max=100"`
	DOB   *types.Day `json:"dob"`
}

// CreatePersonRequest is the body of POST /persons.
type CreatePersonRequest struct {
	Member      PersonInput  `json:"member"`
	Spouse      *PersonInput `json:"spouse"`
	Anniversary *types.Day   `json:"anniversary"`
}

// CreatePersonResponse returns the inserted rows.
type CreatePersonResponse struct {
	Person  *types.Person `json:"person"`
	Partner *types.Person `json:"partner,omitempty"`
}

// PersonPatchInput lists updatable fields. Absent fields are left alone.
type PersonPatchInput struct {
	Name        *string    `json:"name" validate:"omitempty,min=1,max=200"`
	Email       *string    `json:"email" validate:"omitempty,email"`
	Phone       *string    `json:"phone" validate:"omitempty,phone"`
	Club        *string    `json:"club" validate:"omitempty,max=200"`
	Role        *string    `json:"role" validate:"omitempty,max=100"`
	DOB         *types.Day `json:"dob"`
	Anniversary *types.Day `json:"anniversary"`
	Active      *bool      `json:"active"`
}

// UpdatePersonRequest is the body of PUT /persons/{id}.
type UpdatePersonRequest struct {
	Person  PersonPatchInput  `json:"person"`
	Partner *PersonPatchInput `json:"partner"`
}

// PersonListResponse is one page of the roster.
type PersonListResponse struct {
	Persons []*types.Person `json:"persons"`
	Total   int             `json:"total"`
}

// PersonHandler serves /persons.
type PersonHandler struct {
	persons   PersonStore
	images    ImageStore
	logger    *slog.Logger
	validator *core.Validator
}

// NewPersonHandler creates a PersonHandler.
func NewPersonHandler(persons PersonStore, images ImageStore, l *slog.Logger, v *core.Validator) *PersonHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PersonHandler{persons: persons, images: images, logger: l, validator: v}
}

// RegisterRoutes mounts the roster routes.
func (h *PersonHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Post("/", h.HandleCreate)
	r.Get("/celebrations", h.HandleCelebrations)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Put("/", h.HandleUpdate)
		r.Get("/changes", h.HandleChanges)
		r.Get("/images/{kind}", h.HandleGetImage)
		r.Put("/images/{kind}", h.HandlePutImage)
		r.Delete("/images/{kind}", h.HandleDeleteImage)
	})
}

// HandleList handles GET /persons.
func (h *PersonHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.PersonFilter{
		Name:  q.Get("name"),
		Club:  q.Get("club"),
		Type:  q.Get("type"),
		Phone: q.Get("phone"),
		Email: q.Get("email"),
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		core.Error(w, r, err)
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		core.Error(w, r, err)
		return
	}
	if v := q.Get("active"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidFilter, "active must be true or false", perr))
			return
		}
		f.Active = &b
	}

	persons, total, err := h.persons.List(r.Context(), f)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if persons == nil {
		persons = []*types.Person{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PersonListResponse{Persons: persons, Total: total}})
}

// HandleGet handles GET /persons/{id}.
func (h *PersonHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.persons.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: p})
}

// HandleCreate handles POST /persons. The optional spouse is inserted and
// linked in the same transaction.
func (h *PersonHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreatePersonRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req.Member); err != nil {
		core.Error(w, r, err)
		return
	}
	params := db.CreateCoupleParams{
		Primary:     draft(req.Member, types.PersonTypeMember),
		Anniversary: req.Anniversary,
		ActorID:     actorID(r),
	}
	if req.Spouse != nil {
		if err := h.validator.ValidateStruct(*req.Spouse); err != nil {
			core.Error(w, r, err)
			return
		}
		d := draft(*req.Spouse, types.PersonTypeSpouse)
		params.Partner = &d
	}

	primary, partner, err := h.persons.CreateCouple(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "person created", "person_id", primary.ID, "with_partner", partner != nil)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: CreatePersonResponse{Person: primary, Partner: partner}})
}

// HandleUpdate handles PUT /persons/{id} and returns the change-log entries
// it wrote.
func (h *PersonHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdatePersonRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req.Person); err != nil {
		core.Error(w, r, err)
		return
	}
	params := db.UpdatePersonParams{
		ID:      chi.URLParam(r, "id"),
		Person:  patch(req.Person),
		ActorID: actorID(r),
	}
	if req.Partner != nil {
		if err := h.validator.ValidateStruct(*req.Partner); err != nil {
			core.Error(w, r, err)
			return
		}
		p := patch(*req.Partner)
		params.Partner = &p
	}

	entries, err := h.persons.Update(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.ChangeLogEntry{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{"changes": entries}})
}

// HandleCelebrations handles GET /persons/celebrations. Birthdays filter by
// type (member by default); anniversaries read member rows and collapse
// couples.
func (h *PersonHandler) HandleCelebrations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := types.ParseDay(q.Get("from"))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidDate, "from must be MM-DD or YYYY-MM-DD", err))
		return
	}
	to, err := types.ParseDay(q.Get("to"))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidDate, "to must be MM-DD or YYYY-MM-DD", err))
		return
	}

	query := db.CelebrantQuery{From: from, To: to}
	switch q.Get("kind") {
	case "birthday":
		query.Field = db.FieldDOB
		query.Type = types.PersonTypeMember
		if t := q.Get("type"); t != "" {
			query.Type = types.PersonType(t)
		}
		if query.Type != types.PersonTypeMember && query.Type != types.PersonTypeSpouse {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidFilter, "type must be member or spouse", nil))
			return
		}
	case "anniversary":
		query.Field = db.FieldAnniversary
		query.Type = types.PersonTypeMember
	default:
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidFilter, "kind must be birthday or anniversary", nil))
		return
	}

	persons, err := h.persons.FindCelebrants(r.Context(), query)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if query.Field == db.FieldAnniversary {
		persons = dedupeCouples(persons)
	}
	if persons == nil {
		persons = []*types.Person{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: persons})
}

// HandleChanges handles GET /persons/{id}/changes.
func (h *PersonHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	entries, err := h.persons.ListChanges(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.ChangeLogEntry{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// HandleGetImage handles GET /persons/{id}/images/{kind} by streaming the
// stored object.
func (h *PersonHandler) HandleGetImage(w http.ResponseWriter, r *http.Request) {
	kind, ok := assets.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		core.Error(w, r, invalidKind())
		return
	}
	obj, err := h.images.Get(r.Context(), assets.Key(chi.URLParam(r, "id"), kind))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	ct := obj.ContentType
	if ct == "" {
		ct = assets.ContentTypeFor(obj.Key)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

// HandlePutImage handles PUT /persons/{id}/images/{kind}. The body is the
// raw image. Decodable images are resized and re-encoded as JPEG; anything
// else is stored as uploaded.
func (h *PersonHandler) HandlePutImage(w http.ResponseWriter, r *http.Request) {
	kind, ok := assets.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		core.Error(w, r, invalidKind())
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.persons.GetByID(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidImage, "image must not exceed 10MB", err))
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidImage, "failed to read image", err))
		return
	}
	if len(body) == 0 {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidImage, "image body is empty", nil))
		return
	}

	data, compressed := assets.Compress(body)
	contentType := "image/jpeg"
	if !compressed {
		contentType = r.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "image/") {
			contentType = "application/octet-stream"
		}
	}

	key := assets.Key(id, kind)
	if err := h.images.Put(r.Context(), key, data, contentType); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.persons.SetImageFlag(r.Context(), id, imageFlag(kind), true, actorID(r)); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "person image stored",
		"person_id", id, "kind", string(kind), "bytes", len(data), "compressed", compressed)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{"key": key, "bytes": len(data)}})
}

// HandleDeleteImage handles DELETE /persons/{id}/images/{kind}. A missing
// object still clears the flag.
func (h *PersonHandler) HandleDeleteImage(w http.ResponseWriter, r *http.Request) {
	kind, ok := assets.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		core.Error(w, r, invalidKind())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.images.Delete(r.Context(), assets.Key(id, kind)); err != nil && !storage.IsNotFound(err) {
		core.Error(w, r, err)
		return
	}
	if err := h.persons.SetImageFlag(r.Context(), id, imageFlag(kind), false, actorID(r)); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func draft(in PersonInput, t types.PersonType) db.PersonDraft {
	return db.PersonDraft{
		Name:  strings.TrimSpace(in.Name),
		Email: strings.TrimSpace(in.Email),
		Phone: strings.TrimSpace(in.Phone),
		Club:  strings.TrimSpace(in.Club),
		Role:  strings.TrimSpace(in.Role),
		Type:  t,
		DOB:   in.DOB,
	}
}

func patch(in PersonPatchInput) db.PersonPatch {
	return db.PersonPatch{
		Name:        in.Name,
		Email:       in.Email,
		Phone:       in.Phone,
		Club:        in.Club,
		Role:        in.Role,
		DOB:         in.DOB,
		Anniversary: in.Anniversary,
		Active:      in.Active,
	}
}

func imageFlag(k assets.Kind) db.ImageFlag {
	switch k {
	case assets.KindPoster:
		return db.FlagPoster
	case assets.KindAnniversaryPoster:
		return db.FlagAnnPoster
	default:
		return db.FlagProfile
	}
}

func invalidKind() error {
	return types.NewAppError(types.ErrCodeValidationInvalidFilter, "image kind must be profile, poster or anniversary", nil)
}

// dedupeCouples keeps the first row of each linked pair.
func dedupeCouples(persons []*types.Person) []*types.Person {
	seen := make(map[string]struct{}, len(persons))
	out := make([]*types.Person, 0, len(persons))
	for _, p := range persons {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		if p.PartnerID != nil {
			seen[*p.PartnerID] = struct{}{}
		}
		out = append(out, p)
	}
	return out
}

func actorID(r *http.Request) string {
	if a, ok := types.GetActor(r.Context()); ok {
		return a.ID
	}
	return ""
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidFilter, "page and limit must be non-negative integers", err)
	}
	return n, nil
}
