// Package catalogue implements the in-memory add-on index, its
// dirty-set-tracked flush to disk, and the one-time legacy migration
// of add-ons still stored in the pre-1.12 embedded "campaigns" form
// (spec.md §4.3). Grounded on the original's load_config/write_config
// and its legacy campaigns migration block in server.cpp.
package catalogue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/commit"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/addonsrv/internal/pack"
	"github.com/n-r-w/addonsrv/internal/secrets"
	"github.com/n-r-w/lg"
)

// legacyStrippedAttrs are removed from a legacy campaign's content
// document once it's split out into its own full-pack file, matching
// the original's exact remove_attributes call in its migration block.
var legacyStrippedAttrs = []string{
	"title", "campaign_name", "author", "description", "version",
	"timestamp", "original_timestamp", "icon", "type", "tags",
}

// Store holds every known add-on in memory, keyed by name, and tracks
// which ones have metadata changes pending a flush to disk.
type Store struct {
	mu    sync.Mutex
	log   lg.Logger
	root  string // data root directory ("data" in the original)
	level int    // gzip compression level for rewritten legacy packs

	addons map[string]*entity.AddonRecord
	dirty  map[string]bool
}

// New constructs an empty store rooted at root. Call Load to populate
// it from disk.
func New(log lg.Logger, root string, compressLevel int) *Store {
	return &Store{
		log:    log,
		root:   root,
		level:  compressLevel,
		addons: map[string]*entity.AddonRecord{},
		dirty:  map[string]bool{},
	}
}

func (s *Store) addonDir(name string) string {
	return filepath.Join(s.root, name)
}

// Load reads every add-on's addon.cfg from root, then migrates any
// legacy campaigns found in legacyNode (the top-level config's
// "campaigns" child, if present — callers pass nil when there is
// none).
func (s *Store) Load(legacyNode *doc.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.E("catalogue.Load", apperr.IOFault, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfgPath := filepath.Join(s.root, e.Name(), "addon.cfg")
		raw, err := os.ReadFile(cfgPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return apperr.E("catalogue.Load", apperr.IOFault, err)
		}
		n, err := doc.Unmarshal(raw)
		if err != nil {
			return apperr.E("catalogue.Load", apperr.CorruptPack, err)
		}
		if n.Empty() {
			return apperr.E("catalogue.Load", apperr.IOFault,
				fmt.Errorf("failed to load addon from dir %q", e.Name()))
		}
		rec := entity.FromNode(n)
		rec.Path = s.addonDir(e.Name())
		s.addons[foldName(rec.Name)] = rec
	}

	if legacyNode != nil && legacyNode.HasChild("campaign") {
		if err := s.migrateLegacy(legacyNode); err != nil {
			return err
		}
	}

	s.log.Info("catalogue: loaded %d add-ons from %s", len(s.addons), s.root)
	return nil
}

// migrateLegacy converts embedded pre-1.12 "campaign" children into
// the one-directory-per-add-on layout, exactly mirroring the
// original's migration block: the legacy content document is split
// into a full pack (stripped of the attributes that now live on the
// metadata record) plus its hash index, and the campaign's metadata
// is adopted as today's AddonRecord.
func (s *Store) migrateLegacy(campaigns *doc.Node) error {
	entries := campaigns.ChildRange("campaign")
	s.log.Warn("catalogue: %d legacy add-on entries found, converting to current format", len(entries))

	for _, campaign := range entries {
		id := campaign.Get("name").AsString("")
		addonFile := campaign.Get("filename").AsString("")
		if _, exists := s.addons[foldName(id)]; exists {
			return apperr.E("catalogue.migrateLegacy", apperr.IOFault,
				fmt.Errorf("add-on %q already exists in the new form", id))
		}

		raw, err := os.ReadFile(addonFile)
		if err != nil {
			return apperr.E("catalogue.migrateLegacy", apperr.IOFault, err)
		}
		data, err := doc.Unmarshal(raw)
		if err != nil {
			return apperr.E("catalogue.migrateLegacy", apperr.CorruptPack, err)
		}

		version := campaign.Get("version").AsString("")
		fullPackName := "full_pack_" + secrets.FilenameDigest(version) + ".gz"
		indexName := "full_pack_" + secrets.FilenameDigest(version) + ".hash.gz"
		versionNode := campaign.AddChild("version")
		versionNode.Set("version", doc.Text(version))
		versionNode.Set("filename", doc.Text(fullPackName))

		data.RemoveAttributes(legacyStrippedAttrs...)

		dir := s.addonDir(id)
		fp := &entity.FullPack{Metadata: data}
		if err := pack.WriteFullPack(filepath.Join(dir, fullPackName), fp, s.level); err != nil {
			return err
		}
		idx, err := pack.BuildIndex(fp)
		if err != nil {
			return err
		}
		if err := pack.WriteIndex(filepath.Join(dir, indexName), idx, s.level); err != nil {
			return err
		}

		rec := entity.FromNode(campaign)
		rec.Name = id
		rec.Path = dir
		s.addons[foldName(id)] = rec
		s.dirty[foldName(id)] = true
	}

	campaigns.ClearChildren("campaign")
	s.log.Info("catalogue: legacy add-ons processing finished")
	return nil
}

// foldName is the case-fold used for add-on name lookups throughout the
// store, matching the original's utf8::lowercase name comparisons: two
// add-ons that differ only in case are the same add-on.
func foldName(name string) string {
	return strings.ToLower(name)
}

// Get returns the named add-on, if known. The lookup is case-insensitive.
func (s *Store) Get(name string) (*entity.AddonRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.addons[foldName(name)]
	return rec, ok
}

// List returns every add-on, including hidden ones; callers filter as
// needed for a given request (spec.md §4.6/§4.7).
func (s *Store) List() []*entity.AddonRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.AddonRecord, 0, len(s.addons))
	for _, rec := range s.addons {
		out = append(out, rec)
	}
	return out
}

// Put inserts or replaces an add-on record and marks it dirty.
func (s *Store) Put(rec *entity.AddonRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addons[foldName(rec.Name)] = rec
	s.dirty[foldName(rec.Name)] = true
}

// MarkDirty flags an already-stored add-on as needing a flush, for
// callers that mutate a record returned by Get in place.
func (s *Store) MarkDirty(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addons[foldName(name)]; ok {
		s.dirty[foldName(name)] = true
	}
}

// Delete removes an add-on from the index and its directory from
// disk, matching the original's erase semantics (spec.md §4.7's
// delete request).
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := foldName(name)
	rec, ok := s.addons[key]
	if !ok {
		return apperr.E("catalogue.Delete", apperr.NotFound, fmt.Errorf("no such add-on %q", name))
	}
	if err := os.RemoveAll(rec.Path); err != nil {
		return apperr.E("catalogue.Delete", apperr.IOFault, err)
	}
	delete(s.addons, key)
	delete(s.dirty, key)
	return nil
}

// Flush writes every dirty add-on's addon.cfg to disk, atomically, and
// clears the dirty set. Matches the original's write_config (minus the
// single top-level cfg_file_, which the caller's config layer owns).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.dirty {
		rec, ok := s.addons[name]
		if !ok {
			continue
		}
		raw, err := doc.Marshal(rec.ToNode())
		if err != nil {
			return apperr.E("catalogue.Flush", apperr.Other, err)
		}
		dest := filepath.Join(rec.Path, "addon.cfg")
		if err := commit.WriteFile(dest, raw); err != nil {
			return err
		}
	}
	s.dirty = map[string]bool{}
	return nil
}

// StartFlushLoop periodically calls Flush every interval until stop is
// closed, matching the original's flush_cfg/handle_flush 10-minute
// timer (spec.md §5).
func (s *Store) StartFlushLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.Err(err)
			}
		case <-stop:
			return
		}
	}
}
