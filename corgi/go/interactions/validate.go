package interactions

import (
	"regexp"
	"strings"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

const maxPostIDLen = 128

// contextKeyDenylist blocks prototype-pollution vectors and admin-scoped
// fields in client-supplied context objects. Keys are compared lowercased.
var contextKeyDenylist = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
	"admin":       true,
	"admin_token": true,
	"sudo":        true,
}

// sqlSignatures match common SQL injection probes in free-text fields. All
// store access is parameterized; matching text is rejected rather than
// escaped.
var sqlSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\b(select\s.+\sfrom|insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table|update\s+\w+\s+set)\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?\w+'?\s*=\s*'?\w+`),
	regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|truncate)\b`),
}

// validate normalizes and checks a request, returning the canonical action
// and parsed post key.
func (p *Pipeline) validate(req Request) (types.Action, types.PostKey, error) {
	action, ok := types.NormalizeAction(req.Action)
	if !ok {
		return "", types.PostKey{}, cerr.Newf(cerr.Validation, "unsupported action %q", req.Action).WithDetails("action")
	}
	key, err := types.ParsePostKey(req.PostKey)
	if err != nil {
		return "", types.PostKey{}, cerr.Wrap(cerr.Validation, err, "malformed post_key").WithDetails("post_key")
	}
	if err := validatePostKey(key); err != nil {
		return "", types.PostKey{}, err
	}
	if req.Context != nil {
		if err := p.walkContext(req.Context, 1); err != nil {
			return "", types.PostKey{}, err
		}
	}
	return action, key, nil
}

// validatePostKey accepts upstream-shaped keys (hostname plus post ID) and
// this service's synthetic keys.
func validatePostKey(key types.PostKey) error {
	if key.Instance != types.SyntheticInstance && !looksLikeHost(key.Instance) {
		return cerr.Newf(cerr.Validation, "instance %q is not a hostname", key.Instance).WithDetails("post_key")
	}
	if len(key.PostID) > maxPostIDLen || strings.ContainsAny(key.PostID, " \t\n") {
		return cerr.New(cerr.Validation, "malformed post id").WithDetails("post_key")
	}
	return nil
}

// looksLikeHost is a loose hostname check. host:port passes for development
// instances.
func looksLikeHost(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	if !strings.Contains(s, ".") && !strings.Contains(s, ":") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == ':':
		default:
			return false
		}
	}
	return true
}

// walkContext enforces the nesting limit and the key denylist, and sanitizes
// every string it finds. depth is 1 for the top-level object.
func (p *Pipeline) walkContext(obj map[string]interface{}, depth int) error {
	if depth > p.maxDepth {
		return cerr.Newf(cerr.Validation, "context nests deeper than %d levels", p.maxDepth).WithDetails("context")
	}
	for k, v := range obj {
		if contextKeyDenylist[strings.ToLower(k)] {
			return cerr.Newf(cerr.Validation, "context key %q is not allowed", k).WithDetails("context")
		}
		if err := checkRawText("context key", k, p.maxTextLen); err != nil {
			return err
		}
		if err := p.walkValue("context."+k, v, depth); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) walkValue(field string, v interface{}, depth int) error {
	switch t := v.(type) {
	case map[string]interface{}:
		return p.walkContext(t, depth+1)
	case []interface{}:
		for _, e := range t {
			if err := p.walkValue(field, e, depth+1); err != nil {
				return err
			}
		}
	case string:
		return validateText(field, t, p.maxTextLen)
	}
	return nil
}

// checkRawText rejects null bytes, control characters outside tab, and
// overlength strings. Length is measured pre-normalization, in bytes.
func checkRawText(field, s string, maxLen int) error {
	for _, r := range s {
		if (r < 0x20 && r != '\t') || r == 0x7f {
			return cerr.New(cerr.Validation, "text contains control characters").WithDetails(field)
		}
	}
	if len(s) > maxLen {
		return cerr.Newf(cerr.Validation, "text exceeds %d bytes", maxLen).WithDetails(field)
	}
	return nil
}

// validateText applies the full free-text policy: raw byte checks, SQL
// injection signatures, and collision with action tokens.
func validateText(field, s string, maxLen int) error {
	if err := checkRawText(field, s, maxLen); err != nil {
		return err
	}
	for _, sig := range sqlSignatures {
		if sig.MatchString(s) {
			return cerr.New(cerr.Validation, "text matches a disallowed pattern").WithDetails(field)
		}
	}
	if collidesWithAction(s) {
		return cerr.New(cerr.Validation, "text collides with an action token").WithDetails(field)
	}
	return nil
}

// collidesWithAction reports whether s, lowercased with all whitespace
// removed, spells an action verb or one of its synonyms.
func collidesWithAction(s string) bool {
	squashed := strings.Join(strings.Fields(strings.ToLower(s)), "")
	if squashed == "" {
		return false
	}
	_, known := types.NormalizeAction(squashed)
	return known
}
