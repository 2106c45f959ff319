package cookies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/trlink/sdk/domain"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	headers := []string{
		"tr_session=abc123; Domain=.traderepublic.com; Path=/; Max-Age=290; Secure; HttpOnly",
		"tr_refresh=r1; Expires=Wed, 04 Mar 2026 10:00:00 GMT",
		"=novalue",
		"tr_claims=c1; Max-Age=0",
	}

	got := Parse(headers, "api.traderepublic.com:443", now)
	require.Len(t, got, 3)

	assert.Equal(t, Cookie{
		Name:      "tr_session",
		Value:     "abc123",
		Domain:    "traderepublic.com",
		Path:      "/",
		ExpiresAt: now.Add(290 * time.Second),
	}, got[0])

	// Sin Domain ni Path: host de la request y "/"
	assert.Equal(t, "api.traderepublic.com", got[1].Domain)
	assert.Equal(t, "/", got[1].Path)
	assert.True(t, got[1].ExpiresAt.Equal(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)))

	// Max-Age=0 expira de inmediato
	assert.True(t, got[2].Expired(now))
}

func TestParseRequired(t *testing.T) {
	_, err := ParseRequired(nil, "api.traderepublic.com", now)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrAuthentication))

	got, err := ParseRequired([]string{"tr_session=x"}, "api.traderepublic.com", now)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestJarHeader(t *testing.T) {
	jar := NewJar()
	jar.now = func() time.Time { return now }
	jar.Replace([]Cookie{
		{Name: "tr_session", Value: "s1", Domain: "traderepublic.com", Path: "/"},
		{Name: "tr_refresh", Value: "r1", Domain: "api.traderepublic.com", Path: "/"},
		{Name: "tracker", Value: "t1", Domain: "example.com", Path: "/"},
		{Name: "old", Value: "o1", Domain: "traderepublic.com", Path: "/", ExpiresAt: now.Add(-time.Second)},
	})

	tests := []struct {
		name      string
		forDomain string
		want      string
	}{
		{name: "subdomain host matches parent cookie", forDomain: "api.traderepublic.com", want: "tr_session=s1; tr_refresh=r1"},
		{name: "url is reduced to host", forDomain: "wss://api.traderepublic.com:443/", want: "tr_session=s1; tr_refresh=r1"},
		{name: "parent domain matches subdomain cookie", forDomain: "traderepublic.com", want: "tr_session=s1; tr_refresh=r1"},
		{name: "foreign domain gets nothing", forDomain: "evil.com", want: ""},
		{name: "suffix without dot boundary does not match", forDomain: "nottraderepublic.com", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jar.Header(tt.forDomain))
		})
	}
}

func TestJarReplaceIsWholesale(t *testing.T) {
	jar := NewJar()
	jar.Replace([]Cookie{{Name: "a", Value: "1", Domain: "x.com"}, {Name: "b", Value: "2", Domain: "x.com"}})
	jar.Replace([]Cookie{{Name: "c", Value: "3", Domain: "x.com"}, {Name: "c", Value: "4", Domain: "x.com"}})

	assert.Equal(t, 1, jar.Len())
	assert.Equal(t, "c=4", jar.Header("x.com"))

	jar.Clear()
	assert.Equal(t, 0, jar.Len())
	assert.Empty(t, jar.Header("x.com"))
	assert.Empty(t, jar.Cookies())
}
