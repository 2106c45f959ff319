package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/trlink/sdk/domain"
)

type fakeAuth struct {
	ensureErr error
	accept    string
	submitted []string
}

func (f *fakeAuth) EnsureAuthenticated(ctx context.Context) error { return f.ensureErr }

func (f *fakeAuth) SubmitTwoFactorCode(ctx context.Context, code string) (domain.CodeOutcome, error) {
	f.submitted = append(f.submitted, code)
	if code == f.accept {
		return domain.CodeOutcome{Status: domain.CodeAccepted, Message: "authenticated"}, nil
	}
	return domain.CodeOutcome{Status: domain.CodeRejected, Message: "wrong code"}, nil
}

func TestAuthenticatePromptsUntilAccepted(t *testing.T) {
	auth := &fakeAuth{ensureErr: domain.NewTwoFactorRequired("+49170***78"), accept: "4321"}
	var prompt bytes.Buffer

	err := authenticate(context.Background(), auth, strings.NewReader("0000\n4321\n"), &prompt)
	require.NoError(t, err)

	assert.Equal(t, []string{"0000", "4321"}, auth.submitted)
	assert.Contains(t, prompt.String(), "+49170***78")
	assert.Contains(t, prompt.String(), "wrong code")
}

func TestAuthenticateGivesUp(t *testing.T) {
	auth := &fakeAuth{ensureErr: domain.NewTwoFactorRequired("+49170***78"), accept: "never"}

	err := authenticate(context.Background(), auth, strings.NewReader("1\n2\n3\n4\n"), &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrAuthentication))
	assert.Len(t, auth.submitted, maxCodeAttempts)
}

func TestAuthenticateSkipsPromptWithSession(t *testing.T) {
	auth := &fakeAuth{}
	require.NoError(t, authenticate(context.Background(), auth, strings.NewReader(""), &bytes.Buffer{}))
	assert.Empty(t, auth.submitted)

	auth.ensureErr = domain.NewError(domain.ErrConnection, "login request failed")
	err := authenticate(context.Background(), auth, strings.NewReader(""), &bytes.Buffer{})
	assert.True(t, domain.IsCode(err, domain.ErrConnection))
}

func TestAuthenticateStopsOnEOF(t *testing.T) {
	auth := &fakeAuth{ensureErr: domain.NewTwoFactorRequired("+49170***78")}
	err := authenticate(context.Background(), auth, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, "reading code")
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parsePayload([]string{`{"id":"US0378331005.LSX"}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"US0378331005.LSX"}`, string(p))

	_, err = parsePayload([]string{`{broken`})
	assert.Error(t, err)
}

func TestPrintJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printJSON(&out, []byte(`{"bid":1}`)))
	assert.Equal(t, "{\n  \"bid\": 1\n}\n", out.String())
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	names := []string{}
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"login", "get", "stream"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("timeout"))
}
