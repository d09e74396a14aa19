package srv

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// queryPair matches one key with an optional "=value". Keys cannot contain '&'
// or '='; values run to the next '&'.
var queryPair = regexp.MustCompile(`([^&=]+)=?([^&]*)`)

// ParseQuery extracts the query parameters from a handshake target such as
// "/ws?name=Jo+Ann&room=2". A target without '?' yields an empty map. Later
// duplicate keys win. Tokens that fail percent-decoding are kept as sent.
func ParseQuery(target string) map[string]string {
	params := make(map[string]string)

	i := strings.IndexByte(target, '?')
	if i < 0 {
		return params
	}

	for _, m := range queryPair.FindAllStringSubmatch(target[i+1:], -1) {
		params[decodeQueryToken(m[1])] = decodeQueryToken(m[2])
	}
	return params
}

// decodeQueryToken applies form encoding rules: '+' is a space, then
// percent-escapes are decoded. Escapes that do not form valid UTF-8 count as
// a decode failure.
func decodeQueryToken(s string) string {
	decoded, err := url.PathUnescape(strings.ReplaceAll(s, "+", " "))
	if err != nil || !utf8.ValidString(decoded) {
		return s
	}
	return decoded
}
