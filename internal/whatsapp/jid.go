package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ChatID normalizes a raw phone number into the canonical chat ID used
// as the conversation key: digits only, suffixed with the user server.
func ChatID(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + "@" + types.DefaultUserServer
}

// ToJID converts a chat ID (or bare phone number) into a whatsmeow JID.
func ToJID(chatID string) types.JID {
	if user, server, ok := strings.Cut(chatID, "@"); ok {
		return types.NewJID(user, server)
	}
	return types.NewJID(chatID, types.DefaultUserServer)
}
