// Package entity defines the data model of spec.md §3: AddonRecord,
// VersionEntry, UpdatePackEntry, Pack, and IndexFile, plus their
// conversion to/from the on-disk/wire tree (internal/doc).
package entity

import (
	"time"

	"github.com/n-r-w/addonsrv/internal/doc"
)

// Translation is a declared localization of an add-on's metadata.
type Translation struct {
	Language    string
	Title       string
	Description string
	Supported   bool
}

// VersionEntry records that an add-on has a given version, and names
// the full-pack file holding its content.
type VersionEntry struct {
	Version  string
	Filename string
}

// UpdatePackEntry is a persisted delta from From to To.
type UpdatePackEntry struct {
	From     string
	To       string
	Filename string
	Expire   time.Time
}

// AddonRecord is the in-memory metadata for one add-on (spec.md §3).
type AddonRecord struct {
	Name        string
	Title       string
	Author      string
	Description string
	Email       string
	Type        string
	Tags        string // free-form tag text, as declared; dependencies are not stored
	Icon        string
	Version     string // most recently uploaded version string
	UploadIP    string
	Downloads   int64
	Uploads     int64
	Created     time.Time
	Timestamp   time.Time
	Hidden      bool
	PassSalt    string
	PassHash    string
	Size        int64
	Path        string // filesystem directory for this add-on's files

	Translations      []Translation
	VersionEntries    []VersionEntry
	UpdatePackEntries []UpdatePackEntry

	// FeedbackParams holds the raw [feedback] attribute set used to
	// build feedback_url on list responses (spec.md §6).
	FeedbackParams map[string]string
}

// settableAttrs are the scalar attributes setattr is allowed to touch,
// mirroring has_attribute's role of rejecting typos in an admin's
// command without hardcoding every legal key to a single giant switch.
// name/version/passphrase/passhash/passsalt are deliberately absent:
// callers must reject those before ever reaching SetAttr.
var settableAttrs = map[string]bool{
	"title": true, "author": true, "description": true, "email": true,
	"type": true, "tags": true, "icon": true, "upload_ip": true,
	"hidden": true,
}

// HasAttr reports whether key names a scalar attribute setattr may set.
func (a *AddonRecord) HasAttr(key string) bool {
	return settableAttrs[key]
}

// SetAttr assigns value to the named scalar attribute. Callers must
// check HasAttr first; SetAttr on an unknown key is a no-op.
func (a *AddonRecord) SetAttr(key, value string) {
	switch key {
	case "title":
		a.Title = value
	case "author":
		a.Author = value
	case "description":
		a.Description = value
	case "email":
		a.Email = value
	case "type":
		a.Type = value
	case "tags":
		a.Tags = value
	case "icon":
		a.Icon = value
	case "upload_ip":
		a.UploadIP = value
	case "hidden":
		a.Hidden = value == "yes" || value == "true" || value == "1"
	}
}

// ToNode serializes the record into the canonical on-disk tree.
func (a *AddonRecord) ToNode() *doc.Node {
	n := doc.NewNode()
	n.Set("name", doc.Text(a.Name))
	n.Set("title", doc.Text(a.Title))
	n.Set("author", doc.Text(a.Author))
	n.Set("description", doc.Text(a.Description))
	n.Set("email", doc.Text(a.Email))
	n.Set("type", doc.Text(a.Type))
	n.Set("tags", doc.Text(a.Tags))
	n.Set("icon", doc.Text(a.Icon))
	n.Set("version", doc.Text(a.Version))
	n.Set("upload_ip", doc.Text(a.UploadIP))
	n.Set("downloads", doc.Int(a.Downloads))
	n.Set("uploads", doc.Int(a.Uploads))
	n.Set("original_timestamp", doc.TimestampValue(a.Created))
	n.Set("timestamp", doc.TimestampValue(a.Timestamp))
	n.Set("hidden", doc.Bool(a.Hidden))
	n.Set("passsalt", doc.Text(a.PassSalt))
	n.Set("passhash", doc.Text(a.PassHash))
	n.Set("size", doc.Int(a.Size))
	n.Set("filename", doc.Text(a.Path))

	for _, v := range a.VersionEntries {
		vn := n.AddChild("version")
		vn.Set("version", doc.Text(v.Version))
		vn.Set("filename", doc.Text(v.Filename))
	}
	for _, u := range a.UpdatePackEntries {
		un := n.AddChild("update_pack")
		un.Set("from", doc.Text(u.From))
		un.Set("to", doc.Text(u.To))
		un.Set("filename", doc.Text(u.Filename))
		un.Set("expire", doc.TimestampValue(u.Expire))
	}
	for _, t := range a.Translations {
		tn := n.AddChild("translation")
		tn.Set("language", doc.Text(t.Language))
		tn.Set("title", doc.Text(t.Title))
		tn.Set("description", doc.Text(t.Description))
		tn.Set("supported", doc.Bool(t.Supported))
	}
	if len(a.FeedbackParams) > 0 {
		fn := n.AddChild("feedback")
		for k, v := range a.FeedbackParams {
			fn.Set(k, doc.Text(v))
		}
	}
	return n
}

// FromNode rebuilds an AddonRecord from its canonical tree form.
func FromNode(n *doc.Node) *AddonRecord {
	a := &AddonRecord{
		Name:        n.Get("name").AsString(""),
		Title:       n.Get("title").AsString(""),
		Author:      n.Get("author").AsString(""),
		Description: n.Get("description").AsString(""),
		Email:       n.Get("email").AsString(""),
		Type:        n.Get("type").AsString(""),
		Tags:        n.Get("tags").AsString(""),
		Icon:        n.Get("icon").AsString(""),
		Version:     n.Get("version").AsString(""),
		UploadIP:    n.Get("upload_ip").AsString(""),
		Downloads:   n.Get("downloads").AsInt(0),
		Uploads:     n.Get("uploads").AsInt(0),
		Created:     n.Get("original_timestamp").AsTimestamp(time.Time{}),
		Timestamp:   n.Get("timestamp").AsTimestamp(time.Time{}),
		Hidden:      n.Get("hidden").AsBool(false),
		PassSalt:    n.Get("passsalt").AsString(""),
		PassHash:    n.Get("passhash").AsString(""),
		Size:        n.Get("size").AsInt(0),
		Path:        n.Get("filename").AsString(""),
	}
	for _, v := range n.ChildRange("version") {
		a.VersionEntries = append(a.VersionEntries, VersionEntry{
			Version:  v.Get("version").AsString(""),
			Filename: v.Get("filename").AsString(""),
		})
	}
	for _, u := range n.ChildRange("update_pack") {
		a.UpdatePackEntries = append(a.UpdatePackEntries, UpdatePackEntry{
			From:     u.Get("from").AsString(""),
			To:       u.Get("to").AsString(""),
			Filename: u.Get("filename").AsString(""),
			Expire:   u.Get("expire").AsTimestamp(time.Time{}),
		})
	}
	for _, t := range n.ChildRange("translation") {
		a.Translations = append(a.Translations, Translation{
			Language:    t.Get("language").AsString(""),
			Title:       t.Get("title").AsString(""),
			Description: t.Get("description").AsString(""),
			Supported:   t.Get("supported").AsBool(false),
		})
	}
	if fb := n.Child("feedback"); fb != nil && !fb.Empty() {
		a.FeedbackParams = map[string]string{}
		for k, v := range fb.Attributes {
			a.FeedbackParams[k] = v.AsString("")
		}
	}
	return a
}
