package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lavente-platform/iam-core/internal/validate"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		value string
		valid bool
	}{
		{"lowercase word", "viewer", true},
		{"with underscore and dash", "billing_admin-v2", true},
		{"single letter", "a", true},
		{"empty", "", false},
		{"uppercase start", "Viewer", false},
		{"leading digit", "1viewer", false},
		{"contains slash", "billing/viewer", false},
		{"contains space", "billing admin", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Identifier("role", tt.value)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			var verr *validate.Error
			assert.ErrorAs(t, err, &verr)
			assert.Equal(t, validate.InvalidInput, verr.Kind)
			assert.Equal(t, "role", verr.Field)
		})
	}
}

func TestID_AllowsPathLikeValues(t *testing.T) {
	assert.NoError(t, validate.ID("key", "billing/limits/default"))
	assert.NoError(t, validate.ID("key", "doc-42"))
}

func TestID_RejectsControlAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"leading space", " doc-42"},
		{"trailing space", "doc-42 "},
		{"embedded newline", "doc\n42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, validate.ID("subject_id", tt.value))
		})
	}
}

func TestNamespace(t *testing.T) {
	assert.NoError(t, validate.Namespace("namespace", "global"))
	assert.NoError(t, validate.Namespace("namespace", "acme-prod"))
	assert.Error(t, validate.Namespace("namespace", ""))
	assert.Error(t, validate.Namespace("namespace", "-acme"))
	assert.Error(t, validate.Namespace("namespace", "acme/prod"))
}

func TestEmail_NormalizesAndValidates(t *testing.T) {
	normalized, err := validate.Email("email", "  Person@Example.COM  ")
	assert.NoError(t, err)
	assert.Equal(t, "person@example.com", normalized)

	_, err = validate.Email("email", "not-an-email")
	assert.Error(t, err)

	_, err = validate.Email("email", "a@")
	assert.Error(t, err)

	_, err = validate.Email("email", "@b.com")
	assert.Error(t, err)

	_, err = validate.Email("email", "a@b@c.com")
	assert.Error(t, err)
}

func TestHash_AllowNull(t *testing.T) {
	assert.NoError(t, validate.Hash("password_hash", "", true))
	assert.Error(t, validate.Hash("password_hash", "", false))
	assert.NoError(t, validate.Hash("password_hash", "$2a$10$abcdefg", false))
}

func TestError_MessageIncludesField(t *testing.T) {
	err := validate.Invalid("email", "must not be empty")
	assert.Equal(t, "invalid_input: must not be empty (field=email)", err.Error())

	noField := &validate.Error{Kind: validate.NotFound, Message: "account not found"}
	assert.Equal(t, "not_found: account not found", noField.Error())
}
