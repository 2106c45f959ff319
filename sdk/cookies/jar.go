// Package cookies parsea headers Set-Cookie y mantiene el jar de la sesión.
//
// El jar se reemplaza completo con cada respuesta relevante para autenticación
// y sólo envía cookies cuyo dominio coincide con el host del protocolo.
package cookies

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xKoRx/trlink/sdk/domain"
)

// Cookie registro de una cookie de sesión.
type Cookie struct {
	Name      string
	Value     string
	Domain    string
	Path      string
	ExpiresAt time.Time // zero: cookie de sesión sin expiración
}

// Expired indica si la cookie expiró en now.
func (c Cookie) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Parse convierte uno o más headers Set-Cookie en cookies.
//
// Domain y Path ausentes toman el host de la request y "/". Max-Age tiene
// prioridad sobre Expires. Líneas no parseables se descartan.
func Parse(headers []string, requestHost string, now time.Time) []Cookie {
	host := hostOnly(requestHost)
	out := make([]Cookie, 0, len(headers))
	for _, line := range headers {
		hc, err := http.ParseSetCookie(line)
		if err != nil || hc.Name == "" {
			continue
		}

		c := Cookie{
			Name:   hc.Name,
			Value:  hc.Value,
			Domain: strings.ToLower(strings.TrimPrefix(hc.Domain, ".")),
			Path:   hc.Path,
		}
		if c.Domain == "" {
			c.Domain = host
		}
		if c.Path == "" {
			c.Path = "/"
		}

		switch {
		case hc.MaxAge > 0:
			c.ExpiresAt = now.Add(time.Duration(hc.MaxAge) * time.Second)
		case hc.MaxAge < 0:
			// Max-Age<=0 en el header: expirar de inmediato
			c.ExpiresAt = now
		case !hc.Expires.IsZero():
			c.ExpiresAt = hc.Expires
		}
		out = append(out, c)
	}
	return out
}

// ParseRequired es Parse para respuestas que deben traer cookies
// (ej. la respuesta al código 2FA). Sin cookies retorna ErrAuthentication.
func ParseRequired(headers []string, requestHost string, now time.Time) ([]Cookie, error) {
	parsed := Parse(headers, requestHost, now)
	if len(parsed) == 0 {
		return nil, domain.NewError(domain.ErrAuthentication, "response did not set any session cookie")
	}
	return parsed, nil
}

// Jar mapeo nombre → cookie (last-write-wins).
type Jar struct {
	mu      sync.RWMutex
	cookies map[string]Cookie
	order   []string
	now     func() time.Time
}

// NewJar crea un jar vacío.
func NewJar() *Jar {
	return &Jar{cookies: make(map[string]Cookie), now: time.Now}
}

// Replace reemplaza el contenido completo del jar.
func (j *Jar) Replace(cookies []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.cookies = make(map[string]Cookie, len(cookies))
	j.order = j.order[:0]
	for _, c := range cookies {
		if _, seen := j.cookies[c.Name]; !seen {
			j.order = append(j.order, c.Name)
		}
		j.cookies[c.Name] = c
	}
}

// Clear vacía el jar (desconexión o refresh fallido).
func (j *Jar) Clear() {
	j.Replace(nil)
}

// Len cantidad de cookies guardadas.
func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.cookies)
}

// Cookies copia de las cookies en orden de inserción.
func (j *Jar) Cookies() []Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Cookie, 0, len(j.order))
	for _, name := range j.order {
		out = append(out, j.cookies[name])
	}
	return out
}

// Header renderiza `name=value; name2=value2` con las cookies vigentes cuyo
// dominio coincide con forDomain. Retorna "" si no hay ninguna.
func (j *Jar) Header(forDomain string) string {
	host := hostOnly(forDomain)
	now := j.now()

	j.mu.RLock()
	defer j.mu.RUnlock()

	parts := make([]string, 0, len(j.order))
	for _, name := range j.order {
		c := j.cookies[name]
		if c.Expired(now) || !domainMatch(c.Domain, host) {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// domainMatch acepta dominio exacto, host subdominio de la cookie o cookie
// subdominio del host pedido.
func domainMatch(cookieDomain, host string) bool {
	if cookieDomain == "" || host == "" {
		return false
	}
	if cookieDomain == host {
		return true
	}
	return strings.HasSuffix(host, "."+cookieDomain) || strings.HasSuffix(cookieDomain, "."+host)
}

// hostOnly normaliza un host o URL a hostname en minúsculas sin puerto.
func hostOnly(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "]") {
		s = s[:i]
	}
	return strings.TrimPrefix(s, ".")
}
