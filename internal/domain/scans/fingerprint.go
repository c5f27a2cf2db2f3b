package scans

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"path"
	"strconv"
	"strings"
	"unicode"
)

// abbreviations folded into their long form before hashing so that tools
// phrasing the same finding differently collide.
var abbreviations = map[string]string{
	"var":    "variable",
	"vars":   "variables",
	"func":   "function",
	"fn":     "function",
	"param":  "parameter",
	"params": "parameters",
	"arg":    "argument",
	"args":   "arguments",
	"attr":   "attribute",
	"attrs":  "attributes",
	"ret":    "return",
	"val":    "value",
	"str":    "string",
	"int":    "integer",
	"obj":    "object",
	"def":    "definition",
	"decl":   "declaration",
	"msg":    "message",
	"pkg":    "package",
	"dup":    "duplicate",
	"impl":   "implementation",
	"init":   "initialization",
}

// NormalizeMessage lowercases, strips punctuation, collapses whitespace and
// expands common abbreviations. Quotes around identifiers are dropped too.
func NormalizeMessage(msg string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '_':
			return r
		default:
			return ' '
		}
	}, msg)
	words := strings.Fields(mapped)
	for i, w := range words {
		if long, ok := abbreviations[w]; ok {
			words[i] = long
		}
	}
	return strings.Join(words, " ")
}

// NormalizePath returns a clean slash-separated relative path.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return strings.TrimPrefix(p, "/")
}

// Fingerprint hashes rule id, normalized location and normalized message.
// Every field is length-prefixed so adjacent fields cannot run together.
func Fingerprint(is Issue) string {
	h := sha256.New()
	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(strings.ToLower(strings.TrimSpace(is.RuleID)))
	write(NormalizePath(is.Path))
	write(strconv.Itoa(is.StartLine))
	write(NormalizeMessage(is.Message))
	return hex.EncodeToString(h.Sum(nil))
}
