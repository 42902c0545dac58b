package reddit

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidThread is returned by ParseThreadID for input that names no submission.
var ErrInvalidThread = errors.New("reddit: not a thread url or id")

var base36ID = regexp.MustCompile(`^[a-z0-9]{1,12}$`)

// ParseThreadID extracts the base36 submission id from a thread reference.
// Accepted forms: full reddit.com permalinks (any subdomain such as www, old
// or np), redd.it short links, "t3_<id>" fullnames and bare ids.
func ParseThreadID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidThread
	}
	lower := strings.ToLower(ref)
	if id, ok := strings.CutPrefix(lower, "t3_"); ok {
		return checkID(id, ref)
	}
	if base36ID.MatchString(lower) {
		return lower, nil
	}

	raw := ref
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidThread, ref)
	}
	host := strings.ToLower(u.Hostname())
	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })

	switch {
	case host == "redd.it":
		if len(segs) == 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidThread, ref)
		}
		return checkID(strings.ToLower(segs[0]), ref)
	case host == "reddit.com" || strings.HasSuffix(host, ".reddit.com"):
		for i, s := range segs {
			if s == "comments" && i+1 < len(segs) {
				return checkID(strings.ToLower(segs[i+1]), ref)
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidThread, ref)
}

func checkID(id, ref string) (string, error) {
	if !base36ID.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidThread, ref)
	}
	return id, nil
}
