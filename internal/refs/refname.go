package refs

import "strings"

// CheckRefnameFormat reports whether name is a well-formed reference name:
// slash-separated components that are non-empty, do not begin with '.',
// do not end with ".lock", and contain no "..", "@{", control characters,
// spaces or any of ~^:?*[\. The name may not end with '.' or be "@".
// Unless allowOneLevel is set, at least two components are required.
func CheckRefnameFormat(name string, allowOneLevel bool) error {
	if name == "" {
		return &RefnameError{Name: name, Reason: "empty name"}
	}
	if name == "@" {
		return &RefnameError{Name: name, Reason: "'@' is not a valid name"}
	}
	components := strings.Split(name, "/")
	for _, c := range components {
		if reason := checkComponent(c); reason != "" {
			return &RefnameError{Name: name, Reason: reason}
		}
	}
	if strings.HasSuffix(name, ".") {
		return &RefnameError{Name: name, Reason: "ends with '.'"}
	}
	if len(components) < 2 && !allowOneLevel {
		return &RefnameError{Name: name, Reason: "must contain at least one '/'"}
	}
	return nil
}

func checkComponent(c string) string {
	if c == "" {
		return "empty path component"
	}
	if c[0] == '.' {
		return "component begins with '.'"
	}
	if strings.HasSuffix(c, ".lock") {
		return "component ends with '.lock'"
	}
	var last byte
	for i := 0; i < len(c); i++ {
		ch := c[i]
		switch {
		case ch < 0x20 || ch == 0x7f:
			return "contains a control character"
		case strings.IndexByte(" ~^:?*[\\", ch) >= 0:
			return "contains '" + string(ch) + "'"
		case ch == '.' && last == '.':
			return "contains '..'"
		case ch == '{' && last == '@':
			return "contains '@{'"
		}
		last = ch
	}
	return ""
}

// refnameIsSafe reports whether a name, even if malformed, cannot escape
// the reference namespace: names under "refs/" must not climb with ".."
// or be absolute, and anything else must look like "HEAD" or "FETCH_HEAD".
func refnameIsSafe(name string) bool {
	if rest, ok := strings.CutPrefix(name, "refs/"); ok {
		if rest == "" || rest[0] == '/' {
			return false
		}
		for _, c := range strings.Split(rest, "/") {
			if c == ".." {
				return false
			}
		}
		return true
	}
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if (name[i] < 'A' || name[i] > 'Z') && name[i] != '_' {
			return false
		}
	}
	return true
}

var perWorktreePrefixes = []string{"refs/bisect/", "refs/rewritten/", "refs/worktree/"}

func isPerWorktree(name string) bool {
	for _, p := range perWorktreePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
