// Package meeting handles the join link the host page hands over: links
// arrive percent-encoded, and the chat thread id is embedded in the link
// path rather than delivered separately.
package meeting

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// chatIDPattern matches the thread id segment of a join link, the path
// element between a slash and the trailing "/0".
var chatIDPattern = regexp.MustCompile(`/([^/]+)/0`)

// DecodeLink percent-decodes a join link as received from the host page.
func DecodeLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("meeting: empty link")
	}
	link, err := url.QueryUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("meeting: decode link: %w", err)
	}
	return link, nil
}

// ExtractChatID pulls the chat thread id out of a decoded join link.
func ExtractChatID(link string) (string, error) {
	m := chatIDPattern.FindStringSubmatch(link)
	if m == nil {
		return "", fmt.Errorf("meeting: no chat id in link")
	}
	return m[1], nil
}
