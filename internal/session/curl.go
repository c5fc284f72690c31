package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	curlCookiePattern = regexp.MustCompile(`(?i)-H\s*['"]cookie:\s*([^'"]+)['"]`)
	curlURLPattern    = regexp.MustCompile(`(?i)curl\s+['"]?(https?://[^'"\s]+)['"]?`)
)

// CredentialFromCurl builds a credential from a browser "Copy as cURL" paste.
// The operator may also paste a bare cookie value or a "Cookie: ..." header;
// in that case the returned credential has no descriptor and the caller keeps
// the one it already holds.
func CredentialFromCurl(text string) (*Credential, error) {
	cookie := extractCookie(text)
	if cookie == "" {
		return nil, fmt.Errorf("session: no cookie found in pasted input")
	}

	cred := &Credential{
		CookieHeader: cookie,
		IssuedAt:     time.Now(),
	}

	if m := curlURLPattern.FindStringSubmatch(text); m != nil {
		desc, err := ParseDescriptor(m[1])
		if err != nil {
			return nil, fmt.Errorf("session: pasted curl has an unusable url: %w", err)
		}

		cred.Descriptor = desc
	}

	return cred, nil
}

// extractCookie pulls the cookie value out of a curl command, a raw header
// line, or a bare cookie string. Multi-line pastes (curl with backslash
// continuations) are accepted as-is since the patterns span whitespace.
func extractCookie(text string) string {
	text = strings.ReplaceAll(text, "\\\n", " ")

	if m := curlCookiePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 7 && strings.EqualFold(trimmed[:7], "cookie:") {
		return strings.TrimSpace(trimmed[7:])
	}

	// A curl paste without a cookie header is not a credential.
	if strings.HasPrefix(trimmed, "curl ") {
		return ""
	}

	trimmed = strings.Trim(trimmed, `'"`)

	return trimmed
}
