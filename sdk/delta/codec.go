// Package delta reconstruye snapshots JSON a partir del snapshot previo de una
// suscripción y un string de instrucciones de diff.
//
// Formato de instrucciones (separadas por TAB):
//
//	+<texto>  agrega <texto> decodificado como URL (espacio como '+') y recortado
//	-<N>      avanza el cursor sobre el snapshot previo N caracteres sin emitirlos
//	=<N>      copia N caracteres del snapshot previo desde el cursor y avanza
//
// Los conteos son en caracteres Unicode, no en bytes.
//
// Cualquier otro carácter inicial se ignora (op-codes futuros).
//
// Example:
//
//	store := delta.NewStore()
//	_, _ = store.Answer(7, `{"bid":13.873,"ask":13.915}`)
//	next, err := store.Delta(7, "=7\t+64.895\t-6\t=14")
//	// next => {"bid":64.895,"ask":13.915}
package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/xKoRx/trlink/sdk/domain"
)

// sampleLimit largo máximo del texto incluido en errores de decodificación.
const sampleLimit = 120

// Apply reconstruye el siguiente snapshot a partir del previo y las instrucciones.
//
// Los conteos de -N y =N son caracteres (runas), no bytes. No valida que el
// resultado sea JSON; eso es responsabilidad del caller. Los conteos que
// exceden el snapshot previo se recortan a su largo.
func Apply(previous, instructions string) (string, error) {
	var b strings.Builder
	b.Grow(len(previous) + len(instructions))

	prev := []rune(previous)
	cursor := 0
	for _, op := range strings.Split(instructions, "\t") {
		if op == "" {
			continue
		}
		switch op[0] {
		case '+':
			b.WriteString(strings.TrimSpace(unquotePlus(op[1:])))
		case '-', '=':
			n, err := strconv.Atoi(op[1:])
			if err != nil || n < 0 {
				return "", domain.NewError(domain.ErrDecode,
					fmt.Sprintf("invalid count in delta instruction %q", truncate(op)))
			}
			end := cursor + n
			if end > len(prev) {
				end = len(prev)
			}
			if op[0] == '=' && cursor < end {
				b.WriteString(string(prev[cursor:end]))
			}
			cursor = end
		default:
			// op-code desconocido: se ignora
		}
	}
	return b.String(), nil
}

// unquotePlus decodifica un string URL-encoded (espacio como '+').
//
// Secuencias % inválidas se dejan tal cual en vez de fallar.
func unquotePlus(s string) string {
	if out, err := url.QueryUnescape(s); err == nil {
		return out
	}
	return strings.ReplaceAll(s, "+", " ")
}

// Store snapshots por id de suscripción (Pending Snapshot).
//
// Es seguro para uso concurrente; el orden por id lo garantiza el read loop.
type Store struct {
	mu        sync.Mutex
	snapshots map[int64]string
}

// NewStore crea un store vacío.
func NewStore() *Store {
	return &Store{snapshots: make(map[int64]string)}
}

// Answer registra un frame A: valida el JSON y lo guarda como snapshot.
func (s *Store) Answer(id int64, payload string) (json.RawMessage, error) {
	if !json.Valid([]byte(payload)) {
		return nil, invalidJSON(id, payload)
	}
	s.mu.Lock()
	s.snapshots[id] = payload
	s.mu.Unlock()
	return json.RawMessage(payload), nil
}

// Delta decodifica un frame D contra el snapshot guardado y lo reemplaza.
//
// Retorna ErrDecode si no hay snapshot previo para el id.
func (s *Store) Delta(id int64, instructions string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.snapshots[id]
	if !ok {
		return nil, domain.NewError(domain.ErrDecode,
			"delta received without a previous snapshot").ForSubscription(id)
	}

	next, err := Apply(previous, instructions)
	if err != nil {
		var de *domain.Error
		if !errors.As(err, &de) {
			de = domain.WrapError(domain.ErrDecode, "delta decode failed", err)
		}
		return nil, de.ForSubscription(id)
	}
	if !json.Valid([]byte(next)) {
		return nil, invalidJSON(id, next)
	}

	s.snapshots[id] = next
	return json.RawMessage(next), nil
}

// Get retorna el snapshot actual de una suscripción.
func (s *Store) Get(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.snapshots[id]
	return v, ok
}

// Delete elimina el snapshot (frame C o unsubscribe).
func (s *Store) Delete(id int64) {
	s.mu.Lock()
	delete(s.snapshots, id)
	s.mu.Unlock()
}

// Clear elimina todos los snapshots (los deltas no valen en una conexión nueva).
func (s *Store) Clear() {
	s.mu.Lock()
	s.snapshots = make(map[int64]string)
	s.mu.Unlock()
}

// Len cantidad de snapshots guardados.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func invalidJSON(id int64, text string) *domain.Error {
	return domain.NewError(domain.ErrDecode, "reconstructed payload is not valid JSON").
		ForSubscription(id).
		WithDetail("sample", truncate(text))
}

func truncate(s string) string {
	if len(s) <= sampleLimit {
		return s
	}
	cut := sampleLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
