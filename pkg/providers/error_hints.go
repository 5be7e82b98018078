package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	switch {
	case status == http.StatusUnauthorized:
		return msg + " Hint: check generation.api_key or DOTRAG_GENERATION_API_KEY for provider " + providerName + "."
	case status == http.StatusNotFound && strings.Contains(strings.ToLower(msg), "model"):
		return msg + " Hint: generation.model must name a model served by " + providerName + "."
	case status == http.StatusTooManyRequests:
		return msg + " Hint: the provider is rate limiting; lower conversation.workers or raise the account quota."
	}
	return msg
}
