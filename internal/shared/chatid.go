package shared

import (
	"fmt"
	"regexp"
	"strings"
)

// Chat identifiers cross every module boundary as "<provider>:<native-id>".
// Legacy rows written before providers existed carry a bare numeric id and
// are treated as Telegram.

var groupFolderRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ChatIDFor builds a canonical chat id from a provider name and native id.
func ChatIDFor(provider, nativeID string) string {
	return provider + ":" + nativeID
}

// SplitChatID returns the provider and native id of a canonical chat id.
// A legacy unprefixed id is reported as provider "telegram".
func SplitChatID(chatID string) (provider, nativeID string) {
	if i := strings.Index(chatID, ":"); i > 0 {
		return chatID[:i], chatID[i+1:]
	}
	return "telegram", chatID
}

// CanonicalChatID migrates a legacy unprefixed id to "telegram:<id>".
// Already-prefixed ids pass through unchanged.
func CanonicalChatID(chatID string) string {
	if strings.Contains(chatID, ":") {
		return chatID
	}
	return "telegram:" + chatID
}

// ValidGroupFolder reports whether folder is filesystem-safe per the
// workspace naming contract.
func ValidGroupFolder(folder string) bool {
	return groupFolderRe.MatchString(folder)
}

// ValidateGroupFolder returns a descriptive error for invalid folders.
func ValidateGroupFolder(folder string) error {
	if !ValidGroupFolder(folder) {
		return fmt.Errorf("invalid group folder %q: must match %s", folder, groupFolderRe.String())
	}
	return nil
}
