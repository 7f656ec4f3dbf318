package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer("test-secret")

	tok, err := issuer.Issue("u1")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	sub, err := issuer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)
}

func TestIssueRequiresUserID(t *testing.T) {
	issuer := NewIssuer("test-secret")
	_, err := issuer.Issue("")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	tok, err := NewIssuer("key-a").Issue("u1")
	require.NoError(t, err)

	_, err = NewIssuer("key-b").Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewIssuer("k").Verify("not.a.token")
	assert.Error(t, err)
}
