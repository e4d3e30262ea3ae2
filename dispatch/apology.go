package dispatch

// Canned degraded-path replies by session language. Raw error strings must
// never reach the user, so these are the only texts the fallback and error
// paths may produce.
var fallbackReplies = map[string]string{
	"en": "I'm sorry, I don't have an expert available for that request right now. Could you rephrase it or ask something else?",
	"de": "Entschuldigung, dafür steht mir gerade kein passender Experte zur Verfügung. Kannst du die Frage anders formulieren?",
	"es": "Lo siento, ahora mismo no tengo un experto disponible para esa consulta. ¿Puedes formularla de otra manera?",
	"fr": "Désolé, je n'ai pas d'expert disponible pour cette demande pour le moment. Peux-tu la reformuler ?",
}

var errorReplies = map[string]string{
	"en": "I'm sorry, something went wrong while preparing your answer. Please try again in a moment.",
	"de": "Entschuldigung, bei der Erstellung deiner Antwort ist etwas schiefgelaufen. Bitte versuche es gleich noch einmal.",
	"es": "Lo siento, algo salió mal al preparar tu respuesta. Inténtalo de nuevo en un momento.",
	"fr": "Désolé, une erreur s'est produite lors de la préparation de ta réponse. Réessaie dans un instant.",
}

func fallbackReply(language string) string {
	if reply, ok := fallbackReplies[language]; ok {
		return reply
	}
	return fallbackReplies["en"]
}

func errorReply(language string) string {
	if reply, ok := errorReplies[language]; ok {
		return reply
	}
	return errorReplies["en"]
}
