package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sieveproxy/sieve/internal/httpmsg"
)

// Match selects which messages a filter sees. All set criteria are
// conjunctive. Zero values take the documented defaults.
type Match struct {
	// MIME is a glob matched against the response Content-Type: "type/sub"
	// or "type/*", "*" for any, or a pointer to "" to match only responses
	// without a Content-Type. nil defaults to "text/*". Request-side
	// stacks ignore it.
	MIME *string

	// Method is a comma-separated list of methods; the request method must
	// be listed. Empty defaults to "GET, POST, HEAD".
	Method string

	// Scheme is a comma-separated list of URI schemes, each of which must
	// be supported by the upstream client. Empty defaults to "http".
	Scheme string

	// Host is a regexp matched case-insensitively against the URI
	// authority. Empty matches any.
	Host string

	// Path is a regexp matched against the URI path. Empty matches any.
	Path string

	// Query is a regexp matched against the URI query, which is the empty
	// string when absent. Empty matches any.
	Query string
}

// MIME returns a pointer for Match.MIME.
func MIME(glob string) *string { return &glob }

// knownMethods is the full HTTP/1.1 method set a predicate may name.
var knownMethods = map[string]bool{
	"OPTIONS": true, "GET": true, "HEAD": true, "POST": true,
	"PUT": true, "DELETE": true, "TRACE": true, "CONNECT": true,
}

// Rule is a compiled Match. Construction errors surface at registration,
// never while serving.
type Rule struct {
	mimeAny bool
	mime    string // lower-case glob; "" matches absent Content-Type
	methods map[string]bool
	schemes map[string]bool
	host    *regexp.Regexp
	path    *regexp.Regexp
	query   *regexp.Regexp
}

// Compile validates m and compiles its regular expressions. schemeOK
// reports whether the upstream client can dispatch a given scheme.
func (m Match) Compile(schemeOK func(string) bool) (*Rule, error) {
	r := &Rule{}

	switch {
	case m.MIME == nil:
		r.mime = "text/*"
	case *m.MIME == "" || *m.MIME == "*":
		r.mimeAny = *m.MIME == "*"
		r.mime = ""
	default:
		glob := strings.ToLower(strings.TrimSpace(*m.MIME))
		if !strings.Contains(glob, "/") {
			return nil, fmt.Errorf("invalid mime glob %q", *m.MIME)
		}
		r.mime = glob
	}

	methods := m.Method
	if methods == "" {
		methods = "GET, POST, HEAD"
	}
	r.methods = make(map[string]bool)
	for _, tok := range strings.Split(methods, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if !knownMethods[tok] {
			return nil, fmt.Errorf("unknown method %q", tok)
		}
		r.methods[tok] = true
	}

	schemes := m.Scheme
	if schemes == "" {
		schemes = "http"
	}
	r.schemes = make(map[string]bool)
	for _, tok := range strings.Split(schemes, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if schemeOK != nil && !schemeOK(tok) {
			return nil, fmt.Errorf("unsupported scheme %q", tok)
		}
		r.schemes[tok] = true
	}

	var err error
	if m.Host != "" {
		if r.host, err = regexp.Compile("(?i)" + m.Host); err != nil {
			return nil, fmt.Errorf("host regexp: %w", err)
		}
	}
	if m.Path != "" {
		if r.path, err = regexp.Compile(m.Path); err != nil {
			return nil, fmt.Errorf("path regexp: %w", err)
		}
	}
	if m.Query != "" {
		if r.query, err = regexp.Compile(m.Query); err != nil {
			return nil, fmt.Errorf("query regexp: %w", err)
		}
	}

	return r, nil
}

// MustCompile is Compile for statically known matches; it panics on error.
func (m Match) MustCompile(schemeOK func(string) bool) *Rule {
	r, err := m.Compile(schemeOK)
	if err != nil {
		panic(err)
	}
	return r
}

// Matches evaluates the rule against the current request and, when on a
// response stack, the current response.
func (r *Rule) Matches(req *httpmsg.Request, resp *httpmsg.Response) bool {
	if req == nil {
		return false
	}
	if !r.methods[req.Method] {
		return false
	}
	if req.URL != nil && req.URL.Scheme != "" && !r.schemes[strings.ToLower(req.URL.Scheme)] {
		return false
	}
	if r.host != nil && !r.host.MatchString(req.Authority()) {
		return false
	}
	if req.URL != nil {
		if r.path != nil && !r.path.MatchString(req.URL.Path) {
			return false
		}
		if r.query != nil && !r.query.MatchString(req.URL.RawQuery) {
			return false
		}
	}
	if resp != nil && !r.matchMIME(resp) {
		return false
	}
	return true
}

func (r *Rule) matchMIME(resp *httpmsg.Response) bool {
	if r.mimeAny {
		return true
	}
	ct := resp.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	if r.mime == "" {
		return ct == ""
	}
	if ct == "" {
		return false
	}
	if sub, ok := strings.CutSuffix(r.mime, "/*"); ok {
		return strings.HasPrefix(ct, sub+"/")
	}
	return ct == r.mime
}
