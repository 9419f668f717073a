package guestsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Entity kinds
// ============================================================================

// EntityKind names a cached collection.
type EntityKind string

const (
	KindGuest EntityKind = "guest"
	KindGroup EntityKind = "group"
)

func (k EntityKind) table() (string, error) {
	switch k {
	case KindGuest:
		return "guests", nil
	case KindGroup:
		return "guest_groups", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", string(k))
}

// Entity is anything the cache can store by identity.
type Entity interface {
	EntityID() string
}

// ============================================================================
// Guests
// ============================================================================

// Guest mirrors the server's guest document.
type Guest struct {
	ID          string     `json:"_id"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone,omitempty"`
	Email       string     `json:"email,omitempty"`
	Contact     string     `json:"contact,omitempty"` // legacy single contact field
	Invited     bool       `json:"invited"`
	Group       string     `json:"group,omitempty"`
	IsDeleted   bool       `json:"isDeleted,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	PendingSync bool       `json:"pendingSync,omitempty"`
}

func (g Guest) EntityID() string { return g.ID }

// GuestInput is the body of a create-guest request.
type GuestInput struct {
	Name    string `json:"name" validate:"required,max=200"`
	Phone   string `json:"phone,omitempty" validate:"omitempty,max=40"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Contact string `json:"contact,omitempty"`
	Invited bool   `json:"invited"`
	Group   string `json:"group,omitempty"`
}

// NormalizeGuest migrates the legacy contact field into phone or email.
// Records that already carry structured fields are returned unchanged.
func NormalizeGuest(g Guest) Guest {
	c := strings.TrimSpace(g.Contact)
	if c == "" {
		return g
	}
	if g.Phone == "" && g.Email == "" {
		if strings.Contains(c, "@") {
			g.Email = c
		} else {
			g.Phone = c
		}
	}
	g.Contact = ""
	return g
}

// ============================================================================
// Guest groups
// ============================================================================

// GuestGroup mirrors the server's guest-group document.
type GuestGroup struct {
	ID          string     `json:"_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	IsDeleted   bool       `json:"isDeleted,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	PendingSync bool       `json:"pendingSync,omitempty"`
}

func (g GuestGroup) EntityID() string { return g.ID }

// GroupInput is the body of a create-group request.
type GroupInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description,omitempty" validate:"max=1000"`
}

// ============================================================================
// Pending actions
// ============================================================================

// ActionKind is the fixed set of mutations the queue can hold.
type ActionKind string

const (
	ActionAddGuest         ActionKind = "add-guest"
	ActionUpdateGuest      ActionKind = "update-guest"
	ActionDeleteGuest      ActionKind = "delete-guest"
	ActionBulkUpdateGuests ActionKind = "bulk-update-guests"
	ActionCreateGroup      ActionKind = "create-group"
	ActionUpdateGroup      ActionKind = "update-group"
	ActionDeleteGroup      ActionKind = "delete-group"
)

// Valid reports whether k is one of the known action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionAddGuest, ActionUpdateGuest, ActionDeleteGuest, ActionBulkUpdateGuests,
		ActionCreateGroup, ActionUpdateGroup, ActionDeleteGroup:
		return true
	}
	return false
}

// PendingAction is one queued, unconfirmed mutation.
type PendingAction struct {
	Seq       int64           `json:"seq"`
	Kind      ActionKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// Decode unmarshals the payload into v.
func (a *PendingAction) Decode(v any) error {
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", a.Kind, a.Seq, err)
	}
	return nil
}

// AddGuestPayload is queued for add-guest.
type AddGuestPayload struct {
	TempID string     `json:"tempId,omitempty"`
	Guest  GuestInput `json:"guest"`
}

// CreateGroupPayload is queued for create-group.
type CreateGroupPayload struct {
	TempID string     `json:"tempId,omitempty"`
	Group  GroupInput `json:"group"`
}

// UpdatePayload is queued for update-guest and update-group.
type UpdatePayload struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// DeletePayload is queued for delete-guest and delete-group.
type DeletePayload struct {
	ID string `json:"id"`
}

// BulkUpdatePayload is queued for bulk-update-guests.
type BulkUpdatePayload struct {
	IDs  []string       `json:"ids"`
	Data map[string]any `json:"data"`
}

// ============================================================================
// Temporary IDs
// ============================================================================

// TempIDPrefix marks identifiers that were generated on the device.
const TempIDPrefix = "temp_"

// NewTempID returns temp_<unixmillis>_<random>.
func NewTempID() string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", TempIDPrefix, time.Now().UnixMilli(), r)
}

// IsTempID reports whether id was produced by NewTempID (or follows its shape).
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ============================================================================
// Helpers
// ============================================================================

// ApplyPatch overlays a JSON patch map on v, round-tripping through JSON so
// patch keys use wire names.
func ApplyPatch[T any](v T, patch map[string]any) (T, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return v, err
	}
	var doc map[string]any
	if err := json.Unmarshal(base, &doc); err != nil {
		return v, err
	}
	for k, val := range patch {
		if k == "_id" {
			continue
		}
		doc[k] = val
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return v, err
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return v, err
	}
	return out, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
