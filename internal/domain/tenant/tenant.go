// Package tenant holds the caller identity every data access is scoped to.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
)

// Role is the permission level of the caller.
type Role string

const (
	// RoleMerchant is a regular merchant user.
	RoleMerchant Role = "merchant"
	// RoleAdmin is a merchant administrator.
	RoleAdmin Role = "admin"
	// RoleReadOnly may only read its own merchant's data.
	RoleReadOnly Role = "readonly"
	// RoleSystem is an internal service identity, the only role allowed to run cross-tenant queries.
	RoleSystem Role = "system"
)

// IsolationLevel controls how strictly the escape hatches are locked down.
type IsolationLevel string

const (
	// IsolationStandard allows system-role cross-tenant queries.
	IsolationStandard IsolationLevel = "standard"
	// IsolationStrict forbids cross-tenant queries regardless of role.
	IsolationStrict IsolationLevel = "strict"
)

// SystemMerchantID identifies internal maintenance contexts.
const SystemMerchantID = "system"

var merchantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9-]{3,50}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("merchantid", func(fl validator.FieldLevel) bool {
		return merchantIDRegex.MatchString(fl.Field().String())
	})
	return v
}

type fields struct {
	MerchantID string `validate:"required,min=3,max=50,merchantid"`
	Role       string `validate:"required,oneof=merchant admin readonly system"`
	Isolation  string `validate:"required,oneof=standard strict"`
}

// Context is the immutable identity of a caller.
// It is built once per request by the authenticator, never from request-body fields.
type Context struct {
	merchantID string
	role       Role
	isolation  IsolationLevel
}

// New validates and creates a Context. An empty isolation level defaults to standard.
func New(merchantID string, role Role, isolation IsolationLevel) (Context, error) {
	if isolation == "" {
		isolation = IsolationStandard
	}
	c := Context{merchantID: merchantID, role: role, isolation: isolation}
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// System returns the context used by internal maintenance and health probes.
func System() Context {
	return Context{merchantID: SystemMerchantID, role: RoleSystem, isolation: IsolationStandard}
}

// MerchantID returns the tenant identifier.
func (c Context) MerchantID() string { return c.merchantID }

// Role returns the caller's permission level.
func (c Context) Role() Role { return c.role }

// Isolation returns the isolation level.
func (c Context) Isolation() IsolationLevel { return c.isolation }

// IsSystem reports whether the caller is an internal system identity.
func (c Context) IsSystem() bool { return c.role == RoleSystem }

// CanCrossTenant reports whether the caller may bypass merchant scoping.
func (c Context) CanCrossTenant() bool {
	return c.role == RoleSystem && c.isolation != IsolationStrict
}

// CanWrite reports whether the caller may modify documents.
func (c Context) CanWrite() bool { return c.role != RoleReadOnly }

// CanAdminister reports whether the caller may read operational data.
func (c Context) CanAdminister() bool { return c.role == RoleAdmin || c.role == RoleSystem }

// Validate checks the merchant id format and presence of role and isolation level.
func (c Context) Validate() error {
	err := validate.Struct(fields{
		MerchantID: c.merchantID,
		Role:       string(c.role),
		Isolation:  string(c.isolation),
	})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", domain.ErrInvalidTenantContext, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidTenantContext, strings.Join(msgs, ", "))
}

// ValidMerchantID reports whether id matches the merchant id format.
func ValidMerchantID(id string) bool {
	return merchantIDRegex.MatchString(id)
}
