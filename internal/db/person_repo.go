package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rotarydesk/internal/types"
)

// PersonRepository provides data access for the roster table ("user") and
// its change_log.
type PersonRepository struct {
	db TxDB
}

// NewPersonRepository creates a new PersonRepository.
func NewPersonRepository(db TxDB) *PersonRepository {
	return &PersonRepository{db: db}
}

// personColumns defines the standard set of columns selected for roster
// queries. Used consistently across all query methods to avoid column drift.
const personColumns = `u.id, u.name, u.email, u.phone, u.club, u.role, u.type, u.dob, u.anniversary,
	u.active, u.partner_id, u.profile, u.poster, u.annposter, u.created_at`

// partnerColumns is the one-level partner projection. All columns are
// nullable because of the LEFT JOIN.
const partnerColumns = `p.id, p.name, p.club, p.email, p.phone, p.active, p.profile, p.poster, p.annposter`

const personFromWithPartner = `FROM "user" u LEFT JOIN "user" p ON p.id = u.partner_id`

type personRow struct {
	p                        types.Person
	email, phone, club, role *string
	dob, anniversary         *time.Time
}

func (r *personRow) dest() []any {
	return []any{
		&r.p.ID,
		&r.p.Name,
		&r.email,
		&r.phone,
		&r.club,
		&r.role,
		&r.p.Type,
		&r.dob,
		&r.anniversary,
		&r.p.Active,
		&r.p.PartnerID,
		&r.p.Profile,
		&r.p.Poster,
		&r.p.AnnPoster,
		&r.p.CreatedAt,
	}
}

func (r *personRow) person() *types.Person {
	p := r.p
	p.Email = deref(r.email)
	p.Phone = deref(r.phone)
	p.Club = deref(r.club)
	p.Role = deref(r.role)
	p.DOB = types.DayFromDate(r.dob)
	p.Anniversary = types.DayFromDate(r.anniversary)
	return &p
}

type partnerRow struct {
	id, name, club, email, phone       *string
	active, profile, poster, annposter *bool
}

func (r *partnerRow) dest() []any {
	return []any{&r.id, &r.name, &r.club, &r.email, &r.phone, &r.active, &r.profile, &r.poster, &r.annposter}
}

func (r *partnerRow) ref() *types.PartnerRef {
	if r.id == nil {
		return nil
	}
	return &types.PartnerRef{
		ID:        *r.id,
		Name:      deref(r.name),
		Club:      deref(r.club),
		Email:     deref(r.email),
		Phone:     deref(r.phone),
		Active:    derefBool(r.active),
		Profile:   derefBool(r.profile),
		Poster:    derefBool(r.poster),
		AnnPoster: derefBool(r.annposter),
	}
}

// scanPerson scans a row selected with personColumns.
func scanPerson(row pgx.Row) (*types.Person, error) {
	var r personRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.person(), nil
}

// scanPersonWithPartner scans a row selected with personColumns followed by
// partnerColumns.
func scanPersonWithPartner(row pgx.Row) (*types.Person, error) {
	var (
		r  personRow
		pr partnerRow
	)
	if err := row.Scan(append(r.dest(), pr.dest()...)...); err != nil {
		return nil, err
	}
	p := r.person()
	p.Partner = pr.ref()
	return p, nil
}

// GetByID retrieves a person with their partner projection.
func (r *PersonRepository) GetByID(ctx context.Context, id string) (*types.Person, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+personColumns+`, `+partnerColumns+`
		 `+personFromWithPartner+`
		 WHERE u.id = $1`,
		id,
	)

	p, err := scanPersonWithPartner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPerson, "person not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve person", err)
	}
	return p, nil
}

// PersonFilter narrows List. String filters are case-insensitive substring
// matches.
type PersonFilter struct {
	Name   string
	Club   string
	Type   string
	Phone  string
	Email  string
	Active *bool
	Page   int
	Limit  int
}

// List returns one page of the roster and the total number of matching rows.
func (r *PersonRepository) List(ctx context.Context, f PersonFilter) ([]*types.Person, int, error) {
	var (
		conds []string
		args  []any
	)
	for _, c := range []struct{ col, val string }{
		{"name", f.Name},
		{"club", f.Club},
		{"type", f.Type},
		{"phone", f.Phone},
		{"email", f.Email},
	} {
		if c.val == "" {
			continue
		}
		args = append(args, "%"+escapeLike(c.val)+"%")
		conds = append(conds, fmt.Sprintf("u.%s::text ILIKE $%d", c.col, len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		conds = append(conds, fmt.Sprintf("u.active = $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	limit, offset := pageBounds(f.Page, f.Limit)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx,
		`SELECT `+personColumns+`, count(*) OVER() AS total
		 FROM "user" u
		 `+where+`
		 ORDER BY u.name, u.id
		 LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to list persons", err)
	}
	defer rows.Close()

	var (
		out   []*types.Person
		total int
	)
	for rows.Next() {
		var pr personRow
		if err := rows.Scan(append(pr.dest(), &total)...); err != nil {
			return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to scan person", err)
		}
		out = append(out, pr.person())
	}
	if err := rows.Err(); err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "error iterating persons", err)
	}
	return out, total, nil
}

// CelebrationField names the date column a celebrant query matches on.
type CelebrationField string

const (
	FieldDOB         CelebrationField = "dob"
	FieldAnniversary CelebrationField = "anniversary"
)

// CelebrantQuery selects persons whose birthday or anniversary falls in the
// inclusive day range [From, To]. A range whose From is after To wraps
// across the year end.
type CelebrantQuery struct {
	Field         CelebrationField
	From          types.Day
	To            types.Day
	Type          types.PersonType
	ActiveOnly    bool
	RequirePoster bool
}

// FindCelebrants returns matching persons with their partner projection,
// ordered by the matched date. Partner activity is not filtered here.
func (r *PersonRepository) FindCelebrants(ctx context.Context, q CelebrantQuery) ([]*types.Person, error) {
	if q.Field != FieldDOB && q.Field != FieldAnniversary {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidFilter, fmt.Sprintf("unknown celebration field %q", q.Field), nil)
	}
	col := "u." + string(q.Field)

	args := []any{q.From.Date(), q.To.Date()}
	var conds []string
	if q.From.Date().After(q.To.Date()) {
		conds = append(conds, fmt.Sprintf("(%s >= $1 OR %s <= $2)", col, col))
	} else {
		conds = append(conds, fmt.Sprintf("%s BETWEEN $1 AND $2", col))
	}
	if q.ActiveOnly {
		conds = append(conds, "u.active")
	}
	if q.Type != "" {
		args = append(args, string(q.Type))
		conds = append(conds, fmt.Sprintf("u.type = $%d", len(args)))
	}
	if q.RequirePoster {
		conds = append(conds, "u.poster")
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+personColumns+`, `+partnerColumns+`
		 `+personFromWithPartner+`
		 WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY `+col+`, u.name`,
		args...,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query celebrants", err)
	}
	defer rows.Close()

	var out []*types.Person
	for rows.Next() {
		p, err := scanPersonWithPartner(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan celebrant", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating celebrants", err)
	}
	return out, nil
}

// ListActiveEmails returns one page of non-empty email addresses of active
// persons in a stable order.
func (r *PersonRepository) ListActiveEmails(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT u.email
		 FROM "user" u
		 WHERE u.active AND u.email IS NOT NULL AND u.email <> ''
		 ORDER BY u.id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active emails", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan email", err)
		}
		out = append(out, email)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating emails", err)
	}
	return out, nil
}

// ImageFlag names one of the per-person image presence columns.
type ImageFlag string

const (
	FlagProfile   ImageFlag = "profile"
	FlagPoster    ImageFlag = "poster"
	FlagAnnPoster ImageFlag = "annposter"
)

// SetImageFlag records whether the image for flag exists in the object
// store. The change is written to the change log.
func (r *PersonRepository) SetImageFlag(ctx context.Context, id string, flag ImageFlag, value bool, actorID string) error {
	switch flag {
	case FlagProfile, FlagPoster, FlagAnnPoster:
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidFilter, fmt.Sprintf("unknown image flag %q", flag), nil)
	}

	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		var old bool
		err := tx.QueryRow(ctx,
			`SELECT `+string(flag)+` FROM "user" WHERE id = $1 FOR UPDATE`, id,
		).Scan(&old)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.NewAppError(types.ErrCodeNotFoundPerson, "person not found", nil)
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to read image flag", err)
		}
		if old == value {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE "user" SET `+string(flag)+` = $2 WHERE id = $1`, id, value); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to update image flag", err)
		}
		_, err = insertChangeLog(ctx, tx, id, "update", []types.FieldChange{{
			Path:     "user." + string(flag),
			OldValue: formatBool(old),
			NewValue: formatBool(value),
		}}, nil, actorID)
		return err
	})
}

// PersonDraft holds the fields of a new roster row.
type PersonDraft struct {
	Name  string
	Email string
	Phone string
	Club  string
	Role  string
	Type  types.PersonType
	DOB   *types.Day
}

// CreateCoupleParams describes a roster insertion. Partner is optional; when
// present the two rows are linked symmetrically and share Anniversary.
type CreateCoupleParams struct {
	Primary     PersonDraft
	Partner     *PersonDraft
	Anniversary *types.Day
	ActorID     string
}

// CreateCouple inserts the primary person and optional partner in one
// transaction, links them, and writes a create entry to the change log for
// each row.
func (r *PersonRepository) CreateCouple(ctx context.Context, params CreateCoupleParams) (primary, partner *types.Person, err error) {
	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		primary, err = insertPerson(ctx, tx, params.Primary, params.Anniversary)
		if err != nil {
			return err
		}
		if params.Partner != nil {
			partner, err = insertPerson(ctx, tx, *params.Partner, params.Anniversary)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE "user"
				 SET partner_id = CASE WHEN id = $1 THEN $2::uuid ELSE $1::uuid END
				 WHERE id IN ($1, $2)`,
				primary.ID, partner.ID,
			); err != nil {
				return types.NewAppError(types.ErrCodeInternalDB, "failed to link partners", err)
			}
			primary.PartnerID = &partner.ID
			partner.PartnerID = &primary.ID
			primary.Partner = partnerRefOf(partner)
			partner.Partner = partnerRefOf(primary)
		}

		for _, p := range []*types.Person{primary, partner} {
			if p == nil {
				continue
			}
			if _, err := insertChangeLog(ctx, tx, p.ID, "create", nil, snapshotOf(p), params.ActorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return primary, partner, nil
}

func insertPerson(ctx context.Context, tx DBTX, d PersonDraft, anniversary *types.Day) (*types.Person, error) {
	p := &types.Person{
		ID:          uuid.NewString(),
		Name:        d.Name,
		Email:       d.Email,
		Phone:       d.Phone,
		Club:        d.Club,
		Role:        d.Role,
		Type:        d.Type,
		DOB:         d.DOB,
		Anniversary: anniversary,
		Active:      true,
	}
	err := tx.QueryRow(ctx,
		`INSERT INTO "user" (id, name, email, phone, club, role, type, dob, anniversary,
		                     active, profile, poster, annposter)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, false, false, false)
		 RETURNING created_at`,
		p.ID, p.Name, nullString(p.Email), nullString(p.Phone), nullString(p.Club), nullString(p.Role),
		string(p.Type), dayArg(p.DOB), dayArg(p.Anniversary),
	).Scan(&p.CreatedAt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to insert person", err)
	}
	return p, nil
}

// PersonPatch lists the fields an update may change. Nil fields are left
// untouched; an empty string clears an optional text column.
type PersonPatch struct {
	Name        *string
	Email       *string
	Phone       *string
	Club        *string
	Role        *string
	DOB         *types.Day
	Anniversary *types.Day
	Active      *bool
	Profile     *bool
	Poster      *bool
	AnnPoster   *bool
}

// UpdatePersonParams describes an update of a person and, optionally, their
// linked partner.
type UpdatePersonParams struct {
	ID      string
	Person  PersonPatch
	Partner *PersonPatch
	ActorID string
}

// Update applies the patches in one transaction and records one change-log
// entry per modified row. Unchanged fields are not logged; a patch that
// changes nothing writes nothing.
func (r *PersonRepository) Update(ctx context.Context, params UpdatePersonParams) ([]types.ChangeLogEntry, error) {
	var entries []types.ChangeLogEntry
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		cur, err := lockPerson(ctx, tx, params.ID)
		if err != nil {
			return err
		}
		entry, err := applyPatch(ctx, tx, cur, params.Person, "user", params.ActorID)
		if err != nil {
			return err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}

		if params.Partner == nil {
			return nil
		}
		if cur.PartnerID == nil {
			return types.NewAppError(types.ErrCodeNotFoundPerson, "person has no linked partner", nil)
		}
		partner, err := lockPerson(ctx, tx, *cur.PartnerID)
		if err != nil {
			return err
		}
		entry, err = applyPatch(ctx, tx, partner, *params.Partner, "partner", params.ActorID)
		if err != nil {
			return err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func lockPerson(ctx context.Context, tx DBTX, id string) (*types.Person, error) {
	p, err := scanPerson(tx.QueryRow(ctx,
		`SELECT `+personColumns+` FROM "user" u WHERE u.id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPerson, "person not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load person", err)
	}
	return p, nil
}

func applyPatch(ctx context.Context, tx DBTX, cur *types.Person, patch PersonPatch, prefix, actorID string) (*types.ChangeLogEntry, error) {
	d := differ{prefix: prefix}
	d.text("name", patch.Name, cur.Name, false)
	d.text("email", patch.Email, cur.Email, true)
	d.text("phone", patch.Phone, cur.Phone, true)
	d.text("club", patch.Club, cur.Club, true)
	d.text("role", patch.Role, cur.Role, true)
	d.day("dob", patch.DOB, cur.DOB)
	d.day("anniversary", patch.Anniversary, cur.Anniversary)
	d.flag("active", patch.Active, cur.Active)
	d.flag("profile", patch.Profile, cur.Profile)
	d.flag("poster", patch.Poster, cur.Poster)
	d.flag("annposter", patch.AnnPoster, cur.AnnPoster)

	if len(d.sets) == 0 {
		return nil, nil
	}

	args := []any{cur.ID}
	assigns := make([]string, 0, len(d.sets))
	for _, s := range d.sets {
		args = append(args, s.value)
		assigns = append(assigns, fmt.Sprintf("%s = $%d", s.column, len(args)))
	}
	if _, err := tx.Exec(ctx,
		`UPDATE "user" SET `+strings.Join(assigns, ", ")+` WHERE id = $1`,
		args...,
	); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update person", err)
	}

	return insertChangeLog(ctx, tx, cur.ID, "update", d.changes, nil, actorID)
}

type assignment struct {
	column string
	value  any
}

// differ accumulates column assignments and the matching change-log paths.
type differ struct {
	prefix  string
	sets    []assignment
	changes []types.FieldChange
}

func (d *differ) record(column string, value any, oldValue, newValue *string) {
	d.sets = append(d.sets, assignment{column: column, value: value})
	d.changes = append(d.changes, types.FieldChange{
		Path:     d.prefix + "." + column,
		OldValue: optionalValue(oldValue),
		NewValue: optionalValue(newValue),
	})
}

func (d *differ) text(column string, next *string, cur string, nullable bool) {
	if next == nil || *next == cur {
		return
	}
	var value any = *next
	if nullable {
		value = nullString(*next)
	}
	d.record(column, value, nonEmpty(cur), nonEmpty(*next))
}

func (d *differ) day(column string, next, cur *types.Day) {
	if next == nil || (cur != nil && *cur == *next) {
		return
	}
	var old *string
	if cur != nil {
		s := cur.String()
		old = &s
	}
	s := next.String()
	d.record(column, next.Date(), old, &s)
}

func (d *differ) flag(column string, next *bool, cur bool) {
	if next == nil || *next == cur {
		return
	}
	old, nv := formatBool(cur), formatBool(*next)
	d.record(column, *next, &old, &nv)
}

// ListChanges returns the most recent change-log entries for a person.
func (r *PersonRepository) ListChanges(ctx context.Context, personID string, limit int) ([]types.ChangeLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, action, changes, snapshot, actor_id, created_at
		 FROM change_log
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		personID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list change log", err)
	}
	defer rows.Close()

	var out []types.ChangeLogEntry
	for rows.Next() {
		var (
			e                 types.ChangeLogEntry
			changes, snapshot []byte
			actorID           *string
		)
		if err := rows.Scan(&e.ID, &e.PersonID, &e.Action, &changes, &snapshot, &actorID, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan change log entry", err)
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalDB, "corrupt change log entry", err)
			}
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalDB, "corrupt change log snapshot", err)
			}
		}
		e.ActorID = deref(actorID)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating change log", err)
	}
	return out, nil
}

func insertChangeLog(ctx context.Context, tx DBTX, personID, action string, changes []types.FieldChange, snapshot map[string]any, actorID string) (*types.ChangeLogEntry, error) {
	if changes == nil {
		changes = []types.FieldChange{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode change log", err)
	}
	var snapshotJSON []byte
	if snapshot != nil {
		if snapshotJSON, err = json.Marshal(snapshot); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode snapshot", err)
		}
	}

	e := &types.ChangeLogEntry{
		ID:       uuid.NewString(),
		PersonID: personID,
		Action:   action,
		Changes:  changes,
		Snapshot: snapshot,
		ActorID:  actorID,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO change_log (id, user_id, action, changes, snapshot, actor_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		e.ID, personID, action, changesJSON, snapshotJSON, nullString(actorID),
	).Scan(&e.CreatedAt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to write change log", err)
	}
	return e, nil
}

func snapshotOf(p *types.Person) map[string]any {
	s := map[string]any{
		"name":   p.Name,
		"type":   string(p.Type),
		"active": p.Active,
	}
	for k, v := range map[string]string{"email": p.Email, "phone": p.Phone, "club": p.Club, "role": p.Role} {
		if v != "" {
			s[k] = v
		}
	}
	if p.DOB != nil {
		s["dob"] = p.DOB.String()
	}
	if p.Anniversary != nil {
		s["anniversary"] = p.Anniversary.String()
	}
	return s
}

func partnerRefOf(p *types.Person) *types.PartnerRef {
	return &types.PartnerRef{
		ID:        p.ID,
		Name:      p.Name,
		Club:      p.Club,
		Email:     p.Email,
		Phone:     p.Phone,
		Active:    p.Active,
		Profile:   p.Profile,
		Poster:    p.Poster,
		AnnPoster: p.AnnPoster,
	}
}

func pageBounds(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 1000 {
		limit = 1000
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func dayArg(d *types.Day) any {
	if d == nil {
		return nil
	}
	return d.Date()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	return b != nil && *b
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
