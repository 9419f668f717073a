package guestsync

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks the input against its field rules.
func (in GuestInput) Validate() error {
	return getValidator().Struct(in)
}

// Validate checks the input against its field rules.
func (in GroupInput) Validate() error {
	return getValidator().Struct(in)
}

var errBlankName = errors.New("name must not be blank")

// Patch keys map to the input struct fields carrying their rules.
var (
	guestPatchFields = map[string]string{
		"name": "Name", "phone": "Phone", "email": "Email",
		"contact": "Contact", "invited": "Invited", "group": "Group",
	}
	groupPatchFields = map[string]string{"name": "Name", "description": "Description"}
)

// ValidateGuestPatch checks a guest patch the way the API does: every value
// must decode into its field, and every field the patch touches must pass
// the same rules as on create.
func ValidateGuestPatch(patch map[string]any) error {
	g, err := ApplyPatch(Guest{}, patch)
	if err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}
	in := GuestInput{
		Name:    g.Name,
		Phone:   g.Phone,
		Email:   g.Email,
		Contact: g.Contact,
		Invited: g.Invited,
		Group:   g.Group,
	}
	return validatePartial(in, in.Name, patch, guestPatchFields)
}

// ValidateGroupPatch is ValidateGuestPatch for groups.
func ValidateGroupPatch(patch map[string]any) error {
	g, err := ApplyPatch(GuestGroup{}, patch)
	if err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}
	in := GroupInput{Name: g.Name, Description: g.Description}
	return validatePartial(in, in.Name, patch, groupPatchFields)
}

func validatePartial(in any, name string, patch map[string]any, fields map[string]string) error {
	var touched []string
	for key := range patch {
		if f, ok := fields[key]; ok {
			touched = append(touched, f)
		}
	}
	if len(touched) == 0 {
		return nil
	}
	if _, ok := patch["name"]; ok && strings.TrimSpace(name) == "" {
		return errBlankName
	}
	return getValidator().StructPartial(in, touched...)
}

// ValidationMessages turns validator errors into field → message pairs
// suitable for an API error body. Field names use lower case.
func ValidationMessages(err error) map[string]string {
	if err == nil {
		return nil
	}
	out := make(map[string]string)

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["error"] = "Invalid request format"
		return out
	}
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			out[field] = "This field is required"
		case "email":
			out[field] = "Invalid email format"
		case "max":
			out[field] = fmt.Sprintf("Must be at most %s characters", e.Param())
		default:
			out[field] = "Invalid value"
		}
	}
	return out
}
