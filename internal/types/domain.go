package types

import (
	"fmt"
	"time"
)

// PersonType distinguishes the two sides of a couple.
type PersonType string

const (
	PersonTypeMember PersonType = "member"
	PersonTypeSpouse PersonType = "spouse"
)

// Person is one row of the roster. A couple is two Person rows whose
// PartnerID fields point at each other.
type Person struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Email       string     `json:"email,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Club        string     `json:"club,omitempty"`
	Role        string     `json:"role,omitempty"`
	Type        PersonType `json:"type"`
	DOB         *Day       `json:"dob,omitempty"`
	Anniversary *Day       `json:"anniversary,omitempty"`
	Active      bool       `json:"active"`
	PartnerID   *string    `json:"partner_id,omitempty"`
	Profile     bool       `json:"profile"`
	Poster      bool       `json:"poster"`
	AnnPoster   bool       `json:"annposter"`
	CreatedAt   time.Time  `json:"created_at"`

	// Partner is the one-level join projection of PartnerID. Populated only
	// by queries that request it.
	Partner *PartnerRef `json:"partner,omitempty"`
}

// PartnerRef is the projection of a partner row embedded in a Person.
type PartnerRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Club      string `json:"club,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Active    bool   `json:"active"`
	Profile   bool   `json:"profile"`
	Poster    bool   `json:"poster"`
	AnnPoster bool   `json:"annposter"`
}

// CategoryKind names a notification category.
type CategoryKind string

const (
	KindMember      CategoryKind = "member"
	KindSpouse      CategoryKind = "spouse"
	KindAnniversary CategoryKind = "anniversary"
)

// Category selects the query predicate for a resolver call. It is a closed
// set: MemberBirthday, SpouseBirthday and Anniversary.
type Category interface {
	Kind() CategoryKind
	category()
}

// MemberBirthday selects active members whose dob matches the day.
type MemberBirthday struct {
	RequirePoster bool
}

// SpouseBirthday selects active spouses whose dob matches the day.
type SpouseBirthday struct {
	RequirePoster bool
}

// AnniversaryStrategy controls which side of a couple the anniversary query
// reads from.
type AnniversaryStrategy string

const (
	// AnniversaryPrimaryOnly restricts the query to type=member rows.
	AnniversaryPrimaryOnly AnniversaryStrategy = "primary_only"
	// AnniversaryAnySide reads rows of either type.
	AnniversaryAnySide AnniversaryStrategy = "any_side"
)

// ParseAnniversaryStrategy maps a configuration string to a strategy.
func ParseAnniversaryStrategy(s string) (AnniversaryStrategy, error) {
	switch AnniversaryStrategy(s) {
	case AnniversaryPrimaryOnly, AnniversaryAnySide:
		return AnniversaryStrategy(s), nil
	}
	return "", fmt.Errorf("unknown anniversary strategy %q", s)
}

// Anniversary selects couples whose anniversary matches the day.
type Anniversary struct {
	Strategy AnniversaryStrategy
	Dedupe   bool
}

func (MemberBirthday) Kind() CategoryKind { return KindMember }
func (SpouseBirthday) Kind() CategoryKind { return KindSpouse }
func (Anniversary) Kind() CategoryKind    { return KindAnniversary }

func (MemberBirthday) category() {}
func (SpouseBirthday) category() {}
func (Anniversary) category()    {}

// Recipient is a notification target derived from a Person for one run.
type Recipient struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Email     string       `json:"email,omitempty"`
	Phone     string       `json:"phone,omitempty"`
	Club      string       `json:"club,omitempty"`
	Role      string       `json:"role,omitempty"`
	Kind      CategoryKind `json:"kind"`
	AnnPoster bool         `json:"annposter,omitempty"`
	Partner   *PartnerRef  `json:"partner,omitempty"`
}

// ChangeLogEntry records one roster mutation.
type ChangeLogEntry struct {
	ID        string         `json:"id"`
	PersonID  string         `json:"user_id"`
	Action    string         `json:"action"`
	Changes   []FieldChange  `json:"changes"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FieldChange is a single before/after pair inside a ChangeLogEntry.
type FieldChange struct {
	Path     string `json:"path"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// AdminUser is a dashboard operator.
type AdminUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is an authenticated dashboard session.
type Session struct {
	ID        string    `json:"id"`
	AdminID   string    `json:"admin_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InlineImage is a binary attachment referenced from an HTML body by cid.
type InlineImage struct {
	CID      string
	Name     string
	MimeType string
	Content  []byte
}

// SenderIdentity is the From address of outgoing mail.
type SenderIdentity struct {
	Address string
	Name    string
}
