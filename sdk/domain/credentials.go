package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Credentials par teléfono + PIN. Inmutable.
//
// Nunca se loggea sin máscara: String() retorna la forma enmascarada.
type Credentials struct {
	phoneNumber string
	pin         string
	masked      string
}

// NewCredentials valida y crea las credenciales.
//
// El teléfono debe estar en formato internacional (+<código país><número>).
func NewCredentials(phoneNumber, pin string) (Credentials, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	pin = strings.TrimSpace(pin)
	if !strings.HasPrefix(phoneNumber, "+") || len(phoneNumber) < 8 {
		return Credentials{}, NewError(ErrAuthentication, "phone number must be in international format (+<country><number>)")
	}
	if pin == "" {
		return Credentials{}, NewError(ErrAuthentication, "pin is required")
	}
	if _, err := strconv.Atoi(pin); err != nil {
		return Credentials{}, NewError(ErrAuthentication, "pin must be numeric")
	}
	return Credentials{
		phoneNumber: phoneNumber,
		pin:         pin,
		masked:      MaskPhoneNumber(phoneNumber),
	}, nil
}

// PhoneNumber retorna el teléfono sin máscara (sólo para el body de login).
func (c Credentials) PhoneNumber() string { return c.phoneNumber }

// PIN retorna el PIN (sólo para el body de login).
func (c Credentials) PIN() string { return c.pin }

// Masked retorna el teléfono enmascarado para diagnósticos.
func (c Credentials) Masked() string { return c.masked }

// IsZero indica si las credenciales no fueron inicializadas.
func (c Credentials) IsZero() bool { return c.phoneNumber == "" }

// String implementa fmt.Stringer sin exponer datos sensibles.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{phone=%s, pin=****}", c.masked)
}

// GoString evita que %#v filtre el PIN.
func (c Credentials) GoString() string { return c.String() }

// MaskPhoneNumber enmascara un teléfono: código de país + 3 primeros dígitos
// significativos + *** + 2 últimos dígitos.
//
// Example:
//
//	domain.MaskPhoneNumber("+4917012345678") // => "+49170***78"
func MaskPhoneNumber(raw string) string {
	num, err := phonenumbers.Parse(raw, "")
	if err == nil {
		national := phonenumbers.GetNationalSignificantNumber(num)
		if len(national) >= 5 {
			return fmt.Sprintf("+%d%s***%s", num.GetCountryCode(), national[:3], national[len(national)-2:])
		}
	}

	// Fallback sin metadata: conservar prefijo corto y últimos 2 dígitos
	digits := strings.TrimPrefix(raw, "+")
	if len(digits) < 7 {
		return "***"
	}
	return "+" + digits[:5] + "***" + digits[len(digits)-2:]
}
