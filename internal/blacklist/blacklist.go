// Package blacklist implements the glob-style pattern matching used to
// reject uploads by name, title, description, author, upload address,
// or email (spec.md §4.4 step 7). Grounded on the original's
// server::blacklist, which matches each field against a list of
// wildcard patterns loaded from a config file.
package blacklist

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/n-r-w/addonsrv/internal/apperr"
)

// List holds the patterns for one matched field.
type List struct {
	patterns []string
}

// Match reports whether s matches any pattern in the list. Patterns use
// path/filepath.Match glob syntax (*, ?, [...]), the closest stdlib
// equivalent to the original's own ad hoc wildcard matcher; there is no
// blacklist CIDR support here, only the same textual wildcarding the
// original uses for every field including addresses (see SPEC_FULL.md
// §6(a) — an address like "1.2.3.*" is matched as text, not as a
// subnet).
func (l *List) Match(s string) bool {
	for _, p := range l.patterns {
		if ok, _ := filepath.Match(p, s); ok {
			return true
		}
		// Also allow a plain substring pattern with no glob metacharacters
		// to match case-insensitively, mirroring the original's
		// utils::wildcard_string_match used for name/title/description.
		if !strings.ContainsAny(p, "*?[") && strings.Contains(strings.ToLower(s), strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Empty reports whether the list has no patterns.
func (l *List) Empty() bool { return len(l.patterns) == 0 }

// Blacklist groups the per-field pattern lists loaded from one
// blacklist file, mirroring the original's [blacklist] section with
// its name/author/email wildcard lists plus address entries.
type Blacklist struct {
	Names        List
	Titles       List
	Descriptions List
	Authors      List
	Addresses    List
	Emails       List
}

// Load reads a blacklist file: one "field:pattern" entry per line,
// blank lines and lines starting with "#" ignored. field is one of
// name, title, description, author, address, email.
func Load(path string) (*Blacklist, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Blacklist{}, nil
		}
		return nil, apperr.E("blacklist.Load", apperr.ConfigError, err)
	}
	defer f.Close()

	bl := &Blacklist{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, pattern, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.TrimSpace(field)
		pattern = strings.TrimSpace(pattern)
		switch field {
		case "name":
			bl.Names.patterns = append(bl.Names.patterns, pattern)
		case "title":
			bl.Titles.patterns = append(bl.Titles.patterns, pattern)
		case "description":
			bl.Descriptions.patterns = append(bl.Descriptions.patterns, pattern)
		case "author":
			bl.Authors.patterns = append(bl.Authors.patterns, pattern)
		case "address":
			bl.Addresses.patterns = append(bl.Addresses.patterns, pattern)
		case "email":
			bl.Emails.patterns = append(bl.Emails.patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.E("blacklist.Load", apperr.ConfigError, err)
	}
	return bl, nil
}
