// Package httpx envuelve la primitiva "ejecutar un request HTTP" con
// decoradores independientes: rate limit global e intentos con backoff.
//
// Composición usada por Transport:
//
//	Retry(Throttle(Instrument(primitive)))
//
// Cada intento, incluidos los reintentos, pasa por el rate limiter.
package httpx

import "net/http"

// Doer primitiva inyectada para ejecutar un request (http.Client la satisface).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapta una función a Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

// Do implementa Doer.
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Middleware decora un Doer.
type Middleware func(next Doer) Doer

// Chain aplica los middlewares sobre d; el primero queda como el más externo.
//
//	Chain(primitive, Retry(cfg), Throttle(limiter)) == Retry(Throttle(primitive))
func Chain(d Doer, mws ...Middleware) Doer {
	for i := len(mws) - 1; i >= 0; i-- {
		d = mws[i](d)
	}
	return d
}
