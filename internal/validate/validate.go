// Package validate implements the upload validator (spec.md §4.4), a
// direct, order-preserving port of the original's validate_addon: the
// same checks fire in the same sequence, since clients match specific
// error codes to specific user-facing messages and a reordering would
// change which check wins when several would otherwise fail at once.
package validate

import (
	"strings"
	"unicode/utf8"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/blacklist"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/addonsrv/internal/secrets"
)

// knownTypes mirrors the original's ADDON_TYPE enumeration.
var knownTypes = map[string]bool{
	"unknown": false, // explicitly not a valid declared type
	"core": true, "campaign": true, "scenario": true, "campaign_sp_mp": true,
	"scenario_mp": true, "campaign_mp": true, "map_pack": true, "era": true,
	"faction": true, "mod_mp": true, "media": true, "other": true,
	"resources": true, "theme": true, "tool": true, "achievements": true,
}

// markupChars are the leading characters the original treats as WML
// text-formatting markup, disallowed at the start of a name or title.
// The original's exact set lives in addon/validation.cpp, which isn't
// part of this pack; this set covers Wesnoth's well-known inline
// markup introducers (color codes, bold/italic) and is deliberately
// conservative.
const markupChars = "#@<*~"

func isTextMarkupChar(b byte) bool {
	return strings.IndexByte(markupChars, b) >= 0
}

// addonNameLegal reports whether name uses only the characters the
// on-disk layout can safely use as a directory name: letters, digits,
// underscore, hyphen, and period.
func addonNameLegal(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}

// Request is everything the validator needs about one upload attempt.
type Request struct {
	Upload       *doc.Node // the uploaded "name"/"title"/... attributes
	Data         *doc.Node // full-pack content, if this is a full upload
	AddList      *doc.Node // added/changed files, if this is a delta upload
	RemoveList   *doc.Node // removed paths, if this is a delta upload
	RemoteAddr   string
	Blacklist    *blacklist.Blacklist
	ReadOnly     bool
	FindExisting func(name string) (*entity.AddonRecord, bool)
}

// Result is the validator's verdict: a Status plus, for the two status
// codes that carry extra detail, the offending names joined by "\n"
// (matching the original's error_data out-parameter).
type Result struct {
	Status      apperr.Status
	ErrorData   string
	Existing    *entity.AddonRecord
	IsDeltaPack bool
}

func haveChildren(n *doc.Node) bool {
	return n != nil && !n.Empty()
}

// Validate runs the full check sequence and returns the first failure,
// or apperr.Success if the upload is acceptable.
func Validate(req Request) Result {
	if req.ReadOnly {
		return Result{Status: apperr.ServerReadOnly}
	}

	isDeltaPack := haveChildren(req.RemoveList) || haveChildren(req.AddList)
	name := req.Upload.Get("name").AsString("")

	if !utf8.ValidString(name) {
		return Result{Status: apperr.InvalidUtf8Name}
	}

	// FindExisting is expected to match case-insensitively, the way the
	// original scans every add-on comparing utf8::lowercase(name).
	var existing *entity.AddonRecord
	if req.FindExisting != nil {
		if rec, ok := req.FindExisting(name); ok {
			existing = rec
		}
	}

	passphrase := req.Upload.Get("passphrase").AsString("")
	if passphrase == "" {
		return Result{Status: apperr.NoPassphrase, Existing: existing}
	}

	if existing != nil && !secrets.VerifyPassphrase(passphrase, existing.PassSalt, existing.PassHash) {
		return Result{Status: apperr.StatusUnauthorized, Existing: existing}
	}

	if existing != nil && existing.Hidden {
		return Result{Status: apperr.StatusDenied, Existing: existing}
	}

	title := req.Upload.Get("title").AsString("")
	desc := req.Upload.Get("description").AsString("")
	author := req.Upload.Get("author").AsString("")
	email := req.Upload.Get("email").AsString("")
	for _, s := range []string{name, title, desc, author, email} {
		if !utf8.ValidString(s) {
			return Result{Status: apperr.InvalidUtf8Attribute, Existing: existing}
		}
	}

	if req.Blacklist != nil {
		if req.Blacklist.Names.Match(name) || req.Blacklist.Titles.Match(title) ||
			req.Blacklist.Descriptions.Match(desc) || req.Blacklist.Authors.Match(author) ||
			req.Blacklist.Addresses.Match(req.RemoteAddr) || req.Blacklist.Emails.Match(email) {
			return Result{Status: apperr.StatusDenied, Existing: existing}
		}
	}

	if !isDeltaPack && !haveChildren(req.Data) {
		return Result{Status: apperr.EmptyPack, Existing: existing}
	}
	if isDeltaPack && !haveChildren(req.RemoveList) && !haveChildren(req.AddList) {
		return Result{Status: apperr.EmptyPack, Existing: existing}
	}

	if !addonNameLegal(name) {
		return Result{Status: apperr.BadName, Existing: existing}
	}
	if isTextMarkupChar(name[0]) {
		return Result{Status: apperr.NameHasMarkup, Existing: existing}
	}

	if title == "" {
		return Result{Status: apperr.NoTitle, Existing: existing}
	}
	if isTextMarkupChar(title[0]) {
		return Result{Status: apperr.TitleHasMarkup, Existing: existing}
	}

	addonType := req.Upload.Get("type").AsString("")
	if !knownTypes[addonType] {
		return Result{Status: apperr.BadType, Existing: existing}
	}

	if req.Upload.Get("author").AsString("") == "" {
		return Result{Status: apperr.NoAuthor, Existing: existing}
	}
	if req.Upload.Get("version").AsString("") == "" {
		return Result{Status: apperr.NoVersion, Existing: existing}
	}
	if req.Upload.Get("description").AsString("") == "" {
		return Result{Status: apperr.NoDescription, Existing: existing}
	}
	if req.Upload.Get("email").AsString("") == "" {
		return Result{Status: apperr.NoEmail, Existing: existing}
	}

	if bad := findIllegalNames(req.Data, req.AddList, req.RemoveList); len(bad) > 0 {
		return Result{Status: apperr.IllegalFilename, ErrorData: strings.Join(bad, "\n"), Existing: existing}
	}
	if bad := findCaseConflicts(req.Data, req.AddList, req.RemoveList); len(bad) > 0 {
		return Result{Status: apperr.FilenameCaseConflict, ErrorData: strings.Join(bad, "\n"), Existing: existing}
	}

	if isDeltaPack && existing == nil {
		return Result{Status: apperr.StatusUnexpectedDelta}
	}

	return Result{Status: apperr.Success, Existing: existing, IsDeltaPack: isDeltaPack}
}

// filePaths collects the "path"/"file"-tagged path values out of every
// non-nil tree passed in, the Go equivalent of scanning a "data",
// "addlist", or "removelist" tree for its file entries.
func filePaths(trees ...*doc.Node) []string {
	var out []string
	for _, t := range trees {
		if t == nil {
			continue
		}
		for _, f := range t.ChildRange("file") {
			out = append(out, f.Get("path").AsString(""))
		}
		for _, f := range t.ChildRange("add") {
			out = append(out, f.Get("path").AsString(""))
		}
		for _, f := range t.ChildRange("remove") {
			out = append(out, f.Get("path").AsString(""))
		}
	}
	return out
}

// pathIsIllegal reports whether a packaged file's path is empty or
// contains directory traversal or an absolute-path introducer.
func pathIsIllegal(p string) bool {
	if p == "" || strings.Contains(p, "..") {
		return true
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return true
	}
	return false
}

func findIllegalNames(trees ...*doc.Node) []string {
	var bad []string
	for _, p := range filePaths(trees...) {
		if pathIsIllegal(p) {
			bad = append(bad, p)
		}
	}
	return bad
}

func findCaseConflicts(trees ...*doc.Node) []string {
	seen := map[string]string{}
	flagged := map[string]bool{}
	var bad []string
	for _, p := range filePaths(trees...) {
		lc := strings.ToLower(p)
		prev, ok := seen[lc]
		if !ok {
			seen[lc] = p
			continue
		}
		if prev == p {
			continue
		}
		if !flagged[lc] {
			bad = append(bad, prev)
			flagged[lc] = true
		}
		bad = append(bad, p)
	}
	return bad
}
