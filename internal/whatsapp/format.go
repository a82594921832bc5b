package whatsapp

import (
	"regexp"
	"strings"
)

var (
	// ![alt](url) -> url
	reImage = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	// [text](url) -> text (url)
	reLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	// ## Heading -> *Heading*
	reHeader = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	// **bold** -> *bold*
	reBold = regexp.MustCompile(`\*\*(.+?)\*\*`)
	// ~~strike~~ -> ~strike~
	reStrike = regexp.MustCompile(`~~(.+?)~~`)
	// Strip HTML tags
	reHTMLTag = regexp.MustCompile(`<[^>]+>`)
)

// FormatOutgoing converts model-produced markdown into WhatsApp's
// formatting dialect (*bold*, _italic_, ~strike~). Bare URLs are left
// untouched; code fences and inline code work natively.
func FormatOutgoing(text string) string {
	if text == "" {
		return ""
	}

	text = reImage.ReplaceAllString(text, "$2")
	text = reLink.ReplaceAllString(text, "$1 ($2)")
	text = reHeader.ReplaceAllString(text, "*$1*")
	text = reBold.ReplaceAllString(text, "*$1*")
	text = reStrike.ReplaceAllString(text, "~$1~")
	text = reHTMLTag.ReplaceAllString(text, "")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}
