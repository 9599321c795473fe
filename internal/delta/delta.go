// Package delta implements the upload pipeline (spec.md §4.5): turning
// a validated full or delta upload into a new full pack plus its index,
// generating or refreshing the update packs between consecutive
// versions, and expiring stale ones. Grounded on the original's
// handle_upload, preserving its exact sequence of operations.
package delta

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/addonsrv/internal/pack"
	"github.com/n-r-w/addonsrv/internal/secrets"
	"github.com/n-r-w/addonsrv/internal/versionmap"
	"github.com/n-r-w/lg"
)

// copiedAttrs are the metadata attributes read from an upload for the
// add-on record, matching the original's addon.copy_attributes call
// list (minus "name", handled separately). setRecordAttr has no record
// field for "translate" or "dependencies", so those two are not kept.
var copiedAttrs = []string{
	"title", "author", "description", "version", "icon",
	"translate", "dependencies", "type", "tags", "email",
}

// defaultLicenseText is stamped into a pack that ships no license file
// of its own, the Go equivalent of the original's add_license.
const defaultLicenseText = `This add-on is distributed without an explicit license file. Unless
otherwise stated by its author, it is assumed to be available under
the terms of the GNU General Public License version 2 or later, the
same license covering the game engine itself.
`

// Engine performs uploads against one data root.
type Engine struct {
	log           lg.Logger
	root          string
	compressLevel int
	packLifespan  time.Duration
}

// New constructs an upload engine.
func New(log lg.Logger, root string, compressLevel int, packLifespan time.Duration) *Engine {
	return &Engine{log: log, root: root, compressLevel: compressLevel, packLifespan: packLifespan}
}

// Request carries a single validated upload.
type Request struct {
	Name       string
	Upload     *doc.Node // metadata attributes: title, author, ..., passphrase, from
	Data       *doc.Node // full-pack file listing, for a full upload
	AddList    *doc.Node // added/changed files, for a delta upload
	RemoveList *doc.Node // removed paths, for a delta upload
	RemoteAddr string
	Existing   *entity.AddonRecord // nil for a new add-on
}

func parseFiles(n *doc.Node) []entity.PackFile {
	if n == nil {
		return nil
	}
	var out []entity.PackFile
	for _, f := range n.ChildRange("file") {
		out = append(out, entity.PackFile{
			Path:    f.Get("path").AsString(""),
			Content: f.Get("content").AsBytes(nil),
		})
	}
	return out
}

func parsePaths(n *doc.Node) []string {
	if n == nil {
		return nil
	}
	var out []string
	for _, f := range n.ChildRange("file") {
		out = append(out, f.Get("path").AsString(""))
	}
	return out
}

func (e *Engine) pathstem(name string) string { return filepath.Join(e.root, name) }

func fullPackFilename(version string) string {
	return "full_pack_" + secrets.FilenameDigest(version) + ".gz"
}

func indexFilename(version string) string {
	return "full_pack_" + secrets.FilenameDigest(version) + ".hash.gz"
}

func updatePackFilename(from, to string) string {
	return "update_pack_" + secrets.FilenameDigest(from, to) + ".gz"
}

// Upload runs the full upload pipeline and returns the updated
// add-on record, ready for the caller to hand to catalogue.Store.Put.
// Validation is assumed to have already passed (internal/validate).
func (e *Engine) Upload(req Request) (*entity.AddonRecord, error) {
	now := time.Now()
	isDeltaUpload := !req.AddList.Empty() || !req.RemoveList.Empty()

	rec := req.Existing
	isExisting := rec != nil
	if !isExisting {
		rec = &entity.AddonRecord{Name: req.Name, Created: now}
	}

	for _, attr := range copiedAttrs {
		if v := req.Upload.Get(attr); !v.IsNull() {
			setRecordAttr(rec, attr, v.AsString(""))
		}
	}
	rec.Name = req.Name
	rec.Path = e.pathstem(req.Name)
	rec.UploadIP = req.RemoteAddr

	if !isExisting {
		saltHex, hashHex, err := secrets.SetPassphrase(req.Upload.Get("passphrase").AsString(""))
		if err != nil {
			return nil, err
		}
		rec.PassSalt = saltHex
		rec.PassHash = hashHex
	}

	rec.Timestamp = now
	rec.Uploads++

	rec.FeedbackParams = nil
	if fb := req.Upload.Child("feedback"); fb != nil && !fb.Empty() {
		rec.FeedbackParams = map[string]string{}
		for k, v := range fb.Attributes {
			rec.FeedbackParams[k] = v.AsString("")
		}
	}

	rec.Translations = nil
	for _, t := range req.Upload.ChildRange("translation") {
		lang := t.Get("language").AsString("")
		if lang == "" {
			continue
		}
		rec.Translations = append(rec.Translations, entity.Translation{
			Language:    lang,
			Title:       t.Get("title").AsString(""),
			Description: t.Get("description").AsString(""),
			Supported:   false,
		})
	}

	newVersion := rec.Version
	vmap := versionEntryMap(rec)

	var fullPack *entity.FullPack

	if isDeltaUpload {
		if vmap.Empty() {
			return nil, apperr.E("delta.Upload", apperr.NoVersions,
				fmt.Errorf("add-on %q has an empty version table", req.Name))
		}

		prevVersion := req.Upload.Get("from").AsString("")
		if prevVersion == "" {
			newest, _ := vmap.Newest()
			prevVersion = newest.Key.String()
		} else if _, ok := vmap.Find(versionmap.Parse(prevVersion)); !ok {
			older, ok := vmap.NewestOlderThan(versionmap.Parse(prevVersion))
			if !ok {
				return nil, apperr.E("delta.Upload", apperr.UnknownVersion,
					fmt.Errorf("no version older than %q for add-on %q", prevVersion, req.Name))
			}
			e.log.Warn("delta: requested from-version %q not found for %q, falling back to %q", prevVersion, req.Name, older.Key.String())
			prevVersion = older.Key.String()
		}

		e.removeUpdatePacksTo(rec, newVersion)

		packFn := updatePackFilename(prevVersion, newVersion)
		deltaOut := &entity.DeltaPack{
			From:      prevVersion,
			To:        newVersion,
			Removals:  parsePaths(req.RemoveList),
			Additions: parseFiles(req.AddList),
		}
		if err := pack.WriteDeltaPack(filepath.Join(rec.Path, packFn), deltaOut, e.compressLevel); err != nil {
			return nil, err
		}
		rec.UpdatePackEntries = append(rec.UpdatePackEntries, entity.UpdatePackEntry{
			From:     prevVersion,
			To:       newVersion,
			Filename: packFn,
			Expire:   now.Add(e.packLifespan),
		})

		prevEntry, ok := vmap.Find(versionmap.Parse(prevVersion))
		if !ok {
			return nil, apperr.E("delta.Upload", apperr.Other,
				fmt.Errorf("previous version %q disappeared from version map", prevVersion))
		}
		base, err := pack.ReadFullPack(filepath.Join(rec.Path, prevEntry.Filename))
		if err != nil {
			return nil, err
		}
		fullPack = pack.Apply(base, deltaOut)
	} else {
		fullPack = &entity.FullPack{Files: parseFiles(req.Data)}
	}

	detectTranslations(rec, fullPack)
	applyDefaultLicense(fullPack)

	// Replace any existing version entry for newVersion, then record it.
	filtered := rec.VersionEntries[:0]
	for _, v := range rec.VersionEntries {
		if v.Version != newVersion {
			filtered = append(filtered, v)
		}
	}
	rec.VersionEntries = filtered
	newPackFn := fullPackFilename(newVersion)
	rec.VersionEntries = append(rec.VersionEntries, entity.VersionEntry{Version: newVersion, Filename: newPackFn})

	fullPackPath := filepath.Join(rec.Path, newPackFn)
	if err := pack.WriteFullPack(fullPackPath, fullPack, e.compressLevel); err != nil {
		return nil, err
	}
	idx, err := pack.BuildIndex(fullPack)
	if err != nil {
		return nil, err
	}
	if err := pack.WriteIndex(filepath.Join(rec.Path, indexFilename(newVersion)), idx, e.compressLevel); err != nil {
		return nil, err
	}

	if st, err := os.Stat(fullPackPath); err == nil {
		rec.Size = st.Size()
	}

	e.expireUpdatePacks(rec, now, newVersion, isDeltaUpload)

	if err := e.autoGenerateMissingPacks(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// setRecordAttr applies one copied metadata attribute by name.
func setRecordAttr(rec *entity.AddonRecord, attr, v string) {
	switch attr {
	case "title":
		rec.Title = v
	case "author":
		rec.Author = v
	case "description":
		rec.Description = v
	case "version":
		rec.Version = v
	case "icon":
		rec.Icon = v
	case "type":
		rec.Type = v
	case "tags":
		rec.Tags = v
	case "email":
		rec.Email = v
	}
}

func versionEntryMap(rec *entity.AddonRecord) *versionmap.Map[entity.VersionEntry] {
	entries := make([]versionmap.Entry[entity.VersionEntry], 0, len(rec.VersionEntries))
	for _, v := range rec.VersionEntries {
		entries = append(entries, versionmap.Entry[entity.VersionEntry]{Key: versionmap.Parse(v.Version), Value: v})
	}
	return versionmap.Build(entries)
}

// removeUpdatePacksTo deletes any update pack already targeting
// newVersion, needed only when an add-on is re-uploaded at the same
// version number more than once.
func (e *Engine) removeUpdatePacksTo(rec *entity.AddonRecord, newVersion string) {
	kept := rec.UpdatePackEntries[:0]
	for _, p := range rec.UpdatePackEntries {
		if p.To == newVersion {
			os.Remove(filepath.Join(rec.Path, p.Filename))
			continue
		}
		kept = append(kept, p)
	}
	rec.UpdatePackEntries = kept
}

// expireUpdatePacks drops update packs that have aged out, that
// target a version the add-on is discarding in favor of newVersion, or
// that originate from newVersion itself (since nothing should ever
// need to patch forward from the just-uploaded version backward).
func (e *Engine) expireUpdatePacks(rec *entity.AddonRecord, now time.Time, newVersion string, isDeltaUpload bool) {
	kept := rec.UpdatePackEntries[:0]
	for _, p := range rec.UpdatePackEntries {
		expired := !now.Before(p.Expire) || p.From == newVersion || (!isDeltaUpload && p.To == newVersion)
		if expired {
			e.log.Info("delta: expiring update pack %s -> %s for %q", p.From, p.To, rec.Name)
			os.Remove(filepath.Join(rec.Path, p.Filename))
			continue
		}
		kept = append(kept, p)
	}
	rec.UpdatePackEntries = kept
}

// autoGenerateMissingPacks fills in update packs between every pair of
// consecutive versions that doesn't already have one, covering clients
// that uploaded a full pack instead of a delta.
func (e *Engine) autoGenerateMissingPacks(rec *entity.AddonRecord) error {
	vmap := versionEntryMap(rec)
	all := vmap.All()
	for i := 0; i+1 < len(all); i++ {
		prev := all[i].Value
		next := all[i+1].Value

		found := false
		for _, p := range rec.UpdatePackEntries {
			if p.From == prev.Version && p.To == next.Version {
				found = true
				break
			}
		}
		if found {
			continue
		}

		prevPath := filepath.Join(rec.Path, prev.Filename)
		nextPath := filepath.Join(rec.Path, next.Filename)
		prevStat, err1 := os.Stat(prevPath)
		nextStat, err2 := os.Stat(nextPath)
		if err1 != nil || err2 != nil || prevStat.Size() <= 0 || nextStat.Size() <= 0 {
			e.log.Error("delta: unable to auto-generate update pack for %q %s -> %s", rec.Name, prev.Version, next.Version)
			continue
		}

		e.log.Info("delta: auto-generating update pack for %q %s -> %s", rec.Name, prev.Version, next.Version)

		fromPack, err := pack.ReadFullPack(prevPath)
		if err != nil {
			return err
		}
		toPack, err := pack.ReadFullPack(nextPath)
		if err != nil {
			return err
		}
		d, err := pack.Diff(fromPack, toPack, prev.Version, next.Version)
		if err != nil {
			return err
		}
		fn := updatePackFilename(prev.Version, next.Version)
		if err := pack.WriteDeltaPack(filepath.Join(rec.Path, fn), d, e.compressLevel); err != nil {
			return err
		}
		rec.UpdatePackEntries = append(rec.UpdatePackEntries, entity.UpdatePackEntry{
			From:     prev.Version,
			To:       next.Version,
			Filename: fn,
			Expire:   time.Now().Add(e.packLifespan),
		})
	}
	return nil
}

// detectTranslations marks a declared translation as supported once
// the pack ships any file whose path contains "translations/<language>/"
// (Wesnoth add-ons keep gettext catalogues under
// data/translations/<language>/LC_MESSAGES). The file itself is not
// checked to be a catalogue.
func detectTranslations(rec *entity.AddonRecord, p *entity.FullPack) {
	for i := range rec.Translations {
		prefix := "translations/" + rec.Translations[i].Language + "/"
		for _, f := range p.Files {
			if containsPath(f.Path, prefix) {
				rec.Translations[i].Supported = true
				break
			}
		}
	}
}

func containsPath(path, sub string) bool {
	for i := 0; i+len(sub) <= len(path); i++ {
		if path[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// applyDefaultLicense stamps a default license notice into the pack if
// it doesn't already ship its own COPYING.txt.
func applyDefaultLicense(p *entity.FullPack) {
	for _, f := range p.Files {
		if f.Path == "COPYING.txt" {
			return
		}
	}
	p.Files = append(p.Files, entity.PackFile{Path: "COPYING.txt", Content: []byte(defaultLicenseText)})
}
