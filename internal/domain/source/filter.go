package source

import (
	"regexp"
	"strings"
)

// PathFilter selects paths by shell-style patterns. '*' matches any run of
// characters including '/', '?' matches one character and [...] a class.
// An empty include list accepts everything not excluded.
type PathFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`

	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func NewPathFilter(include, exclude []string) (*PathFilter, error) {
	f := &PathFilter{Include: include, Exclude: exclude}
	for _, p := range include {
		rx, err := globToRegexp(p)
		if err != nil {
			return nil, err
		}
		f.include = append(f.include, rx)
	}
	for _, p := range exclude {
		rx, err := globToRegexp(p)
		if err != nil {
			return nil, err
		}
		f.exclude = append(f.exclude, rx)
	}
	return f, nil
}

// Match reports whether path is in scope. A nil filter matches everything.
func (f *PathFilter) Match(path string) bool {
	if f == nil {
		return true
	}
	for _, rx := range f.exclude {
		if rx.MatchString(path) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, rx := range f.include {
		if rx.MatchString(path) {
			return true
		}
	}
	return false
}

// MatchAny reports whether path matches one of the glob patterns.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		rx, err := globToRegexp(p)
		if err != nil {
			continue
		}
		if rx.MatchString(path) {
			return true
		}
	}
	return false
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := strings.IndexByte(pattern[i:], ']')
			if j < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
