// Package i18n supplies human-readable error text for wire responses.
// The core consumes it read-only; codes stay stable, only the text is
// localized.
package i18n

import (
	"golang.org/x/text/language"

	"github.com/avolkov/parley/internal/core"
)

var supported = []language.Tag{
	language.English, // fallback
	language.Russian,
	language.German,
}

var catalog = map[language.Tag]map[core.ErrorCode]string{
	language.English: {
		core.CodeAuth:         "authentication failed",
		core.CodeRoom:         "room operation rejected",
		core.CodeMedia:        "local media unavailable",
		core.CodeNegotiation:  "call negotiation failed",
		core.CodeDelivery:     "peer unreachable",
		core.CodeNoActiveCall: "no active call with this peer",
	},
	language.Russian: {
		core.CodeAuth:         "ошибка аутентификации",
		core.CodeRoom:         "операция с комнатой отклонена",
		core.CodeMedia:        "локальные медиа недоступны",
		core.CodeNegotiation:  "не удалось согласовать звонок",
		core.CodeDelivery:     "собеседник недоступен",
		core.CodeNoActiveCall: "нет активного звонка с этим собеседником",
	},
	language.German: {
		core.CodeAuth:         "Authentifizierung fehlgeschlagen",
		core.CodeRoom:         "Raumoperation abgelehnt",
		core.CodeMedia:        "lokale Medien nicht verfügbar",
		core.CodeNegotiation:  "Anrufaushandlung fehlgeschlagen",
		core.CodeDelivery:     "Gegenstelle nicht erreichbar",
		core.CodeNoActiveCall: "kein aktiver Anruf mit dieser Gegenstelle",
	},
}

type Messages struct {
	tag language.Tag
}

// New picks the best supported locale for the configured value.
// Unknown or empty locales fall back to English.
func New(locale string) *Messages {
	matcher := language.NewMatcher(supported)
	tag, _ := language.MatchStrings(matcher, locale)
	// Matcher may return a refined tag (e.g. ru-RU); collapse to the
	// catalog key.
	base, _ := tag.Base()
	for _, s := range supported {
		if sb, _ := s.Base(); sb == base {
			return &Messages{tag: s}
		}
	}
	return &Messages{tag: language.English}
}

// Text returns the localized message for a wire code.
func (m *Messages) Text(code core.ErrorCode) string {
	if s, ok := catalog[m.tag][code]; ok {
		return s
	}
	if s, ok := catalog[language.English][code]; ok {
		return s
	}
	return string(code)
}
