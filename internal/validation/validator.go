package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
)

const (
	// Size limits
	MaxAddressSize  = 4096             // 4 KB
	MaxValueSize    = 10 * 1024 * 1024 // 10 MB
	MaxIdentitySize = 256
	MaxAccessIDs    = 1000
)

// Validator validates repository operations
type Validator struct {
	maxAddressSize  int
	maxValueSize    int
	maxIdentitySize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxAddressSize:  MaxAddressSize,
		maxValueSize:    MaxValueSize,
		maxIdentitySize: MaxIdentitySize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxAddressSize, maxValueSize, maxIdentitySize int) *Validator {
	return &Validator{
		maxAddressSize:  maxAddressSize,
		maxValueSize:    maxValueSize,
		maxIdentitySize: maxIdentitySize,
	}
}

// ValidateLock validates a lock request
func (v *Validator) ValidateLock(address, identity string, accessIDs []string) error {
	if err := v.ValidateAddress(address); err != nil {
		return err
	}
	if err := v.ValidateIdentity(identity); err != nil {
		return err
	}
	if len(accessIDs) > MaxAccessIDs {
		return errors.InvalidArgument(
			fmt.Sprintf("too many access IDs: %d > %d", len(accessIDs), MaxAccessIDs), nil)
	}
	for _, id := range accessIDs {
		if err := v.ValidateIdentity(id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWrite validates a staged value write
func (v *Validator) ValidateWrite(address, identity, value string) error {
	if err := v.ValidateAddress(address); err != nil {
		return err
	}
	if err := v.ValidateIdentity(identity); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateAddress validates a slash-delimited address
func (v *Validator) ValidateAddress(address string) error {
	if address == "" {
		return errors.InvalidAddress(address, "address cannot be empty")
	}
	if len(address) > v.maxAddressSize {
		shown := address
		if len(shown) > 32 {
			shown = shown[:32] + "..."
		}
		return errors.InvalidAddress(shown,
			fmt.Sprintf("address exceeds maximum size of %d bytes", v.maxAddressSize))
	}
	if !strings.HasPrefix(address, util.Separator) {
		return errors.InvalidAddress(address, "address must start with '/'")
	}
	if address == util.RootAddress {
		return nil
	}
	if strings.HasSuffix(address, util.Separator) {
		return errors.InvalidAddress(address, "address cannot end with '/'")
	}
	for _, segment := range strings.Split(address[1:], util.Separator) {
		if segment == "" {
			return errors.InvalidAddress(address, "address cannot contain empty segments")
		}
		if segment == "." || segment == ".." {
			return errors.InvalidAddress(address, "address cannot contain relative segments")
		}
	}
	for _, r := range address {
		if unicode.IsControl(r) {
			return errors.InvalidAddress(address, "address cannot contain control characters")
		}
	}
	return nil
}

// ValidateIdentity validates a caller identity or access ID
func (v *Validator) ValidateIdentity(identity string) error {
	if identity == "" {
		return errors.InvalidArgument("identity cannot be empty", nil)
	}
	if len(identity) > v.maxIdentitySize {
		return errors.InvalidArgument(
			fmt.Sprintf("identity exceeds maximum size of %d bytes", v.maxIdentitySize), nil)
	}
	if strings.ContainsFunc(identity, unicode.IsControl) {
		return errors.InvalidArgument("identity cannot contain control characters", nil)
	}
	return nil
}

// ValidateValue validates a node value
func (v *Validator) ValidateValue(value string) error {
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument(
			fmt.Sprintf("value size %d exceeds maximum %d", len(value), v.maxValueSize), nil).
			WithDetail("size", len(value))
	}
	return nil
}
