package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every validation failure returned from this package.
var ErrInvalid = errors.New("invalid input")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire names (clientId) instead of Go names (ClientID).
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks v against its `validate` struct tags.
// Failures wrap ErrInvalid and name the first offending field.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrInvalid, fe.Field())
	case "max":
		return fmt.Errorf("%w: %s must be %s characters or less", ErrInvalid, fe.Field(), fe.Param())
	case "min":
		return fmt.Errorf("%w: %s must be at least %s", ErrInvalid, fe.Field(), fe.Param())
	case "oneof":
		return fmt.Errorf("%w: %s must be one of: %s", ErrInvalid, fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Errorf("%w: %s is invalid", ErrInvalid, fe.Field())
	}
}

// CreateInput is the payload of a direct create.
type CreateInput struct {
	Title       string   `json:"title" validate:"required,max=500"`
	Description string   `json:"description,omitempty"`
	Completed   bool     `json:"completed,omitempty"`
	Priority    Priority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	ClientID    string   `json:"clientId,omitempty"`

	// ID is only honoured on the sync path, where devices generate their own ids.
	ID string `json:"-"`
}

// Validate checks the create payload.
func (in *CreateInput) Validate() error {
	return Validate(in)
}

// Patch is a set of field assignments. Nil fields are left untouched.
type Patch struct {
	ClientID    *string
	Title       *string
	Description *string
	Priority    *Priority
	Completed   *bool
}

// IsEmpty reports whether the patch assigns no field.
func (p Patch) IsEmpty() bool {
	return p.ClientID == nil && p.Title == nil && p.Description == nil &&
		p.Priority == nil && p.Completed == nil
}

// Apply assigns the patch onto t in place.
func (p Patch) Apply(t *Task) {
	if p.ClientID != nil {
		t.ClientID = *p.ClientID
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
}

// UpdateInput is the payload of a direct update. Every field is optional;
// when Version is set it must equal the stored version.
type UpdateInput struct {
	Title       *string   `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Description *string   `json:"description,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
	Priority    *Priority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	ClientID    *string   `json:"clientId,omitempty"`
	Version     *int      `json:"version,omitempty" validate:"omitempty,min=1"`
}

// Validate checks the update payload.
func (in *UpdateInput) Validate() error {
	return Validate(in)
}

// Patch returns the field assignments carried by the update.
func (in *UpdateInput) Patch() Patch {
	return Patch{
		ClientID:    in.ClientID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		Completed:   in.Completed,
	}
}

// SyncTask is a partial task sent by a device inside a sync batch.
type SyncTask struct {
	ID          string    `json:"id,omitempty"`
	Title       *string   `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Description *string   `json:"description,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
	Priority    *Priority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	ClientID    *string   `json:"clientId,omitempty"`

	// Version is what the device last saw. Whether it is enforced depends on
	// the engine's update policy.
	Version *int `json:"version,omitempty" validate:"omitempty,min=1"`

	// Store-managed Task fields. A device may send back a record exactly as
	// it received it in serverChanges; these are accepted and never applied.
	CreatedAt  json.RawMessage `json:"createdAt,omitempty"`
	UpdatedAt  json.RawMessage `json:"updatedAt,omitempty"`
	LastSyncAt json.RawMessage `json:"lastSyncAt,omitempty"`
	DeletedAt  json.RawMessage `json:"deletedAt,omitempty"`
}

// ValidateCreated checks an item from changes.created.
func (s *SyncTask) ValidateCreated() error {
	if s.Title == nil {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	return Validate(s)
}

// ValidateUpdated checks an item from changes.updated.
func (s *SyncTask) ValidateUpdated() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	return Validate(s)
}

// Patch returns the field assignments carried by the item.
func (s *SyncTask) Patch() Patch {
	return Patch{
		ClientID:    s.ClientID,
		Title:       s.Title,
		Description: s.Description,
		Priority:    s.Priority,
		Completed:   s.Completed,
	}
}

// CreateInput converts a created item into a create payload owned by clientID.
func (s *SyncTask) CreateInput(clientID string) CreateInput {
	in := CreateInput{ID: s.ID, ClientID: clientID}
	if s.Title != nil {
		in.Title = *s.Title
	}
	if s.Description != nil {
		in.Description = *s.Description
	}
	if s.Completed != nil {
		in.Completed = *s.Completed
	}
	if s.Priority != nil {
		in.Priority = *s.Priority
	}
	return in
}
