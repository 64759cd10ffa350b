package result

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
)

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryNotFound, CategoryOf(NoSuchObject("get", "uid=x")))
	assert.Equal(t, CategoryConnection, CategoryOf(Transient("send", errors.New("down"))))

	wireErr := ldap.NewError(ldap.LDAPResultBusy, errors.New("busy"))
	assert.Equal(t, CategoryConnection, CategoryOf(wireErr))
	assert.Equal(t, CategoryConnection, CategoryOf(fmt.Errorf("sending: %w", wireErr)))

	assert.Equal(t, CategoryUnknown, CategoryOf(errors.New("opaque")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient("send", errors.New("down"))))
	assert.False(t, Retryable(InvalidArgument("send", "bad change")))
	assert.False(t, Retryable(NoSuchObject("modify", "uid=x")))

	assert.True(t, Retryable(ldap.NewError(ldap.LDAPResultUnavailable, errors.New("restarting"))))
	assert.True(t, Retryable(ldap.NewError(ldap.ErrorNetwork, errors.New("reset"))))
	assert.False(t, Retryable(ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("refused"))))

	// Provenance unknown: give the retry loop a chance.
	assert.True(t, Retryable(errors.New("opaque")))
}
