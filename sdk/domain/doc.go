// Package domain contiene los tipos compartidos del cliente de protocolo.
//
// # Responsabilidades
//
//   - Credenciales (teléfono + PIN) con máscara para diagnósticos
//   - Estados de conexión, suscripciones y códigos de frame
//   - Resultado del envío de un código 2FA
//   - Sistema de errores del cliente
//
// # Errores
//
// Todos los errores del cliente son *Error con un ErrorCode:
//
//	if domain.IsTwoFactorRequired(err) {
//	    var e *domain.Error
//	    errors.As(err, &e)
//	    fmt.Println("código enviado a", e.MaskedPhone)
//	}
//
// Los errores de una suscripción llevan SubscriptionID; los globales
// (conexión, autenticación) usan NoSubscription.
//
// # Credenciales
//
//	creds, err := domain.NewCredentials("+4917012345678", "1234")
//	fmt.Println(creds)          // Credentials{phone=+49170***78, pin=****}
//	fmt.Println(creds.Masked()) // +49170***78
package domain
