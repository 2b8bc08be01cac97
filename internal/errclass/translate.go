package errclass

import "fmt"

// Supported user-message languages. Unknown codes fall back to English.
var languages = map[string]bool{"en": true, "it": true, "es": true, "fr": true}

var translations = map[Kind]map[string]string{
	KindRateLimit: {
		"en": "Rate limit exceeded. Please try again in a moment.",
		"it": "Limite di velocità superato. Riprova tra poco.",
		"es": "Límite de velocidad excedido. Intenta de nuevo en un momento.",
		"fr": "Limite de vitesse dépassée. Réessayez dans un moment.",
	},
	KindAuthError: {
		"en": "Authentication failed. Check your API key.",
		"it": "Autenticazione fallita. Controlla la tua chiave API.",
		"es": "Falló la autenticación. Verifica tu clave de API.",
		"fr": "L'authentification a échoué. Vérifiez votre clé API.",
	},
	KindQuotaExceeded: {
		"en": "Usage limit exceeded. Upgrade your plan or try later.",
		"it": "Limite di utilizzo superato. Aggiorna il tuo piano o riprova più tardi.",
		"es": "Límite de uso excedido. Actualiza tu plan o intenta más tarde.",
		"fr": "Limite d'utilisation dépassée. Mettez à niveau votre plan ou réessayez plus tard.",
	},
	KindInvalidRequest: {
		"en": "Invalid request. Please check your input.",
		"it": "Richiesta non valida. Controlla il tuo input.",
		"es": "Solicitud inválida. Por favor, verifica tu entrada.",
		"fr": "Demande invalide. Veuillez vérifier votre saisie.",
	},
	KindServerError: {
		"en": "Server error. Please try again.",
		"it": "Errore del server. Riprova.",
		"es": "Error del servidor. Por favor, intenta de nuevo.",
		"fr": "Erreur du serveur. Veuillez réessayer.",
	},
	KindNetworkError: {
		"en": "Network error. Check your connection and try again.",
		"it": "Errore di rete. Controlla la tua connessione e riprova.",
		"es": "Error de red. Verifica tu conexión e intenta de nuevo.",
		"fr": "Erreur réseau. Vérifiez votre connexion et réessayez.",
	},
	KindUnknown: {
		"en": "An error occurred. Please try again.",
		"it": "Si è verificato un errore. Riprova.",
		"es": "Ocurrió un error. Por favor intenta de nuevo.",
		"fr": "Une erreur s'est produite. Veuillez réessayer.",
	},
}

var mitigations = map[Kind]string{
	KindRateLimit:     "Consider switching to a different provider or waiting before retrying.",
	KindQuotaExceeded: "Upgrade your API plan or increase available credits.",
	KindAuthError:     "Verify your API key is correct and has required permissions.",
	KindServerError:   "The provider's service is experiencing issues. Try again in a moment.",
	KindNetworkError:  "Check your internet connection and try again.",
}

// UserMessage translates a raw provider error into a user-facing message
// in the given language, prefixed with the provider name when one is
// known.
func UserMessage(errMsg, provider, language string) string {
	if !languages[language] {
		language = "en"
	}
	c := Classify(errMsg, provider)
	msgs := translations[c.Kind]
	msg, ok := msgs[language]
	if !ok {
		msg = msgs["en"]
	}
	if provider == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", provider, msg)
}

// Mitigation returns a suggested recovery action for an error kind,
// or "" when there is nothing actionable.
func Mitigation(kind Kind) string {
	return mitigations[kind]
}
