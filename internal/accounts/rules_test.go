package accounts

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fixedRand(values ...int) func(int) int {
	i := 0
	return func(n int) int {
		v := values[i%len(values)] % n
		i++
		return v
	}
}

func TestValidateCreate(t *testing.T) {
	engine := NewEngineWithRand(fixedRand(23, 2))
	valid := Draft{Name: "Mariana Lopez", Email: "mariana@lib.org", Role: "READER"}

	tests := []struct {
		name  string
		draft Draft
		facts Facts
		want  error
	}{
		{"missing name", Draft{Email: "a@b.com", Role: "READER"}, Facts{}, ErrMissingFields},
		{"blank role", Draft{Name: "Ana", Email: "a@b.com", Role: "  "}, Facts{}, ErrMissingFields},
		{"bad email", Draft{Name: "Ana", Email: "ana@lib", Role: "READER"}, Facts{}, ErrInvalidEmail},
		{"unknown role", Draft{Name: "Ana", Email: "a@b.com", Role: "JANITOR"}, Facts{}, ErrInvalidRole},
		{"duplicate email", Draft{Name: "Ana", Email: "a@b.com", Role: "READER"}, Facts{EmailTaken: true}, ErrDuplicateEmail},
		{"third admin", Draft{Name: "Ana", Email: "a@b.com", Role: "ADMIN"}, Facts{ActiveAdmins: 2}, ErrAdminLimitReached},
		{"second admin", Draft{Name: "Ana", Email: "a@b.com", Role: "ADMIN"}, Facts{ActiveAdmins: 1}, nil},
		{"reader ignores admin count", valid, Facts{ActiveAdmins: 2}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pw, err := engine.ValidateCreate(tt.draft, tt.facts)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				assert.Empty(t, pw)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, pw)
		})
	}
}

func TestMissingFieldsListsEveryField(t *testing.T) {
	_, err := NewEngine().ValidateCreate(Draft{}, Facts{})
	require.ErrorIs(t, err, ErrMissingFields)
	assert.Contains(t, err.Error(), "name, email, role")
}

func TestTemporaryPassword(t *testing.T) {
	engine := NewEngineWithRand(fixedRand(23, 2))
	assert.Equal(t, "mari123#", engine.TemporaryPassword("Mariana Lopez"))
	assert.Equal(t, "al123#", engine.TemporaryPassword("Al"))
	assert.Equal(t, "ñand123#", engine.TemporaryPassword("Ñandú"))
}

var passwordShape = regexp.MustCompile(`^[^A-Z]{0,4}[1-9][0-9]{2}[!@#$%&*]$`)

func TestTemporaryPasswordShapeProperty(t *testing.T) {
	engine := NewEngine()
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z]{1,12}`).Draw(t, "name")
		pw := engine.TemporaryPassword(name)

		assert.Regexp(t, passwordShape, pw)
		prefix := len(name)
		if prefix > 4 {
			prefix = 4
		}
		assert.Len(t, pw, prefix+4)
	})
}

func TestAdminCeilingProperty(t *testing.T) {
	engine := NewEngine()
	rapid.Check(t, func(t *rapid.T) {
		admins := rapid.IntRange(0, 5).Draw(t, "admins")
		_, err := engine.ValidateCreate(Draft{Name: "Root", Email: "root@lib.org", Role: "ADMIN"}, Facts{ActiveAdmins: admins})
		if admins >= MaxActiveAdmins {
			assert.ErrorIs(t, err, ErrAdminLimitReached)
		} else {
			assert.NoError(t, err)
		}
	})
}

func TestValidateRoleChange(t *testing.T) {
	engine := NewEngine()
	reader := User{Role: RoleReader, Status: StatusActive}
	admin := User{Role: RoleAdmin, Status: StatusActive}

	assert.ErrorIs(t, engine.ValidateRoleChange(reader, RoleAdmin, 2), ErrAdminLimitReached)
	assert.NoError(t, engine.ValidateRoleChange(reader, RoleAdmin, 1))
	assert.NoError(t, engine.ValidateRoleChange(admin, RoleAdmin, 2), "already admin is not re-checked")
	assert.NoError(t, engine.ValidateRoleChange(reader, RoleLibrarian, 5))
}

func TestValidateStatusChange(t *testing.T) {
	engine := NewEngine()

	inactiveAdmin := User{Role: RoleAdmin, Status: StatusInactive}
	assert.ErrorIs(t, engine.ValidateStatusChange(inactiveAdmin, StatusActive, 2), ErrAdminLimitReached)
	assert.NoError(t, engine.ValidateStatusChange(inactiveAdmin, StatusActive, 1))
	assert.NoError(t, engine.ValidateStatusChange(inactiveAdmin, StatusBlocked, 2))

	blockedReader := User{Role: RoleReader, Status: StatusBlocked}
	assert.NoError(t, engine.ValidateStatusChange(blockedReader, StatusActive, 2))
	assert.NoError(t, engine.ValidateStatusChange(blockedReader, StatusInactive, 2))

	assert.ErrorIs(t, engine.ValidateStatusChange(blockedReader, Status("GONE"), 0), ErrInvalidStatus)
}

func TestValidateEmailChange(t *testing.T) {
	engine := NewEngine()
	u := User{Email: "old@lib.org"}

	assert.NoError(t, engine.ValidateEmailChange(u, "old@lib.org", true), "unchanged address is not checked")
	assert.NoError(t, engine.ValidateEmailChange(u, "", true))
	assert.ErrorIs(t, engine.ValidateEmailChange(u, "new@lib.org", true), ErrDuplicateEmail)
	assert.ErrorIs(t, engine.ValidateEmailChange(u, "new@lib", false), ErrInvalidEmail)
	assert.NoError(t, engine.ValidateEmailChange(u, "new@lib.org", false))
}

func TestParse(t *testing.T) {
	r, err := ParseRole(" reader ")
	require.NoError(t, err)
	assert.Equal(t, RoleReader, r)

	_, err = ParseRole("OWNER")
	assert.ErrorIs(t, err, ErrInvalidRole)

	s, err := ParseStatus("blocked")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, s)

	_, err = ParseStatus("SUSPENDED")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDefaultMembership(t *testing.T) {
	assert.False(t, DefaultMembership(RoleReader))
	assert.True(t, DefaultMembership(RoleLibrarian))
	assert.True(t, DefaultMembership(RoleAdmin))
}
