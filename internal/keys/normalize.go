// Package keys implements the pure normalization and key-derivation
// functions every identity comparison in the kernel flows through: no
// *sql.DB, no context.Context, no I/O -- deterministic string/byte
// functions only.
package keys

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// nfkc folds s to Unicode Normalization Form KC.
func nfkc(s string) string {
	return norm.NFKC.String(s)
}

var emailTokenPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// EmailNorm folds, lowercases, and extracts the first local@domain token
// from raw. If no token matches, the folded lowercase string is returned
// as-is.
func EmailNorm(raw string) string {
	folded := strings.ToLower(nfkc(raw))
	if m := emailTokenPattern.FindString(folded); m != "" {
		return m
	}
	return folded
}

// MakerCodeNorm folds, trims, and lowercases raw.
func MakerCodeNorm(raw string) string {
	return strings.ToLower(strings.TrimSpace(nfkc(raw)))
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// SubjectNorm folds, trims, and collapses whitespace runs to one space.
func SubjectNorm(raw string) string {
	folded := strings.TrimSpace(nfkc(raw))
	return whitespaceRun.ReplaceAllString(folded, " ")
}

// QuantityNorm folds and trims raw; if parseable as a decimal it is
// canonicalized (integers become "N", fractions drop trailing zeros),
// otherwise the folded/trimmed string is lowercased.
func QuantityNorm(raw string) string {
	folded := strings.TrimSpace(nfkc(raw))
	if folded == "" {
		return folded
	}
	v, err := strconv.ParseFloat(folded, 64)
	if err != nil {
		return strings.ToLower(folded)
	}
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"_ga":     true,
	"_gl":     true,
	"yclid":   true,
}

func isTrackingParam(key string) bool {
	lk := strings.ToLower(key)
	return trackingParams[lk] || strings.HasPrefix(lk, "utm_")
}

// CanonicalInputURL implements the canonical_input_url normalizer: lowercase
// scheme/host, strip default ports, percent-normalize the path, drop
// tracking query parameters, sort remaining pairs by (key, value), and drop
// the fragment.
func CanonicalInputURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("keys: parse url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if h, port, splitErr := net.SplitHostPort(host); splitErr == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = h
		}
	}
	path := normalizePath(u.EscapedPath())

	type pair struct{ key, value string }
	var pairs []pair
	for key, values := range u.Query() {
		if isTrackingParam(key) {
			continue
		}
		for _, v := range values {
			pairs = append(pairs, pair{key, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(host)
	b.WriteString(path)
	if len(pairs) > 0 {
		b.WriteByte('?')
		for i, p := range pairs {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(p.key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(p.value))
		}
	}
	return b.String(), nil
}

func normalizePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			decoded = seg
		}
		segments[i] = url.PathEscape(decoded)
	}
	return strings.Join(segments, "/")
}
