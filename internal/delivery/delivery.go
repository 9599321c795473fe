// Package delivery implements the delivery planner (spec.md §4.6):
// deciding whether a request_campaign answers with a chained sequence
// of update packs or falls back to the full pack, and resolving the
// hash index path for request_campaign_hash. Grounded on the
// original's handle_request_campaign / handle_request_campaign_hash.
package delivery

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/addonsrv/internal/pack"
	"github.com/n-r-w/addonsrv/internal/secrets"
	"github.com/n-r-w/addonsrv/internal/versionmap"
)

// Kind distinguishes the two response shapes a delivery plan can take.
type Kind int

const (
	KindDelta Kind = iota
	KindFull
)

// Plan is the outcome of planning a request_campaign response.
type Plan struct {
	Kind         Kind
	Delta        *entity.DeltaPack // set when Kind == KindDelta
	FullPackPath string            // set when Kind == KindFull
	FullPackSize int64             // set when Kind == KindFull
	ToVersion    string
}

func versionEntryMap(rec *entity.AddonRecord) *versionmap.Map[entity.VersionEntry] {
	entries := make([]versionmap.Entry[entity.VersionEntry], 0, len(rec.VersionEntries))
	for _, v := range rec.VersionEntries {
		entries = append(entries, versionmap.Entry[entity.VersionEntry]{Key: versionmap.Parse(v.Version), Value: v})
	}
	return versionmap.Build(entries)
}

// PlanCampaign decides how to answer a request_campaign for rec, given
// the client's current version (from, may be empty) and the version it
// wants (to, empty meaning "latest").
func PlanCampaign(rec *entity.AddonRecord, from, to string) (*Plan, error) {
	vmap := versionEntryMap(rec)
	if vmap.Empty() {
		return nil, apperr.E("delivery.PlanCampaign", apperr.NoVersions,
			fmt.Errorf("no versions of add-on %q are available", rec.Name))
	}

	toVersion := to
	if toVersion == "" {
		newest, _ := vmap.Newest()
		toVersion = newest.Key.String()
	}
	toEntry, ok := vmap.Find(versionmap.Parse(toVersion))
	if !ok {
		return nil, apperr.E("delivery.PlanCampaign", apperr.UnknownVersion,
			fmt.Errorf("could not find requested version %q of add-on %q", toVersion, rec.Name))
	}

	fullPath := filepath.Join(rec.Path, toEntry.Value.Filename)
	fullSize := fileSizeOrNegative(fullPath)

	if from == "" {
		return &Plan{Kind: KindFull, FullPackPath: fullPath, FullPackSize: fullSize, ToVersion: toVersion}, nil
	}

	fromEntry, ok := vmap.Find(versionmap.Parse(from))
	if !ok {
		// Client's version is unknown to the server; fall back to full.
		return &Plan{Kind: KindFull, FullPackPath: fullPath, FullPackSize: fullSize, ToVersion: toVersion}, nil
	}

	// from_version == target: the boundary case decided in SPEC_FULL.md
	// §6(c). There is nothing to deliver, so hand back an empty delta
	// rather than a full pack or an error.
	if fromEntry.Key.Compare(toEntry.Key) == 0 {
		return &Plan{Kind: KindDelta, Delta: &entity.DeltaPack{From: from, To: toVersion}, ToVersion: toVersion}, nil
	}

	chain, deliverySize, ok := buildChain(rec, vmap, fromEntry.Key, toEntry.Key)
	if ok && deliverySize > 0 && (fullSize <= 0 || deliverySize <= fullSize) {
		return &Plan{Kind: KindDelta, Delta: chain, ToVersion: toVersion}, nil
	}

	return &Plan{Kind: KindFull, FullPackPath: fullPath, FullPackSize: fullSize, ToVersion: toVersion}, nil
}

// buildChain concatenates the update packs covering every consecutive
// version step from "from" to "to", in order, the way the original
// appends each step_delta onto a running delta document. ok is false
// if any step is missing or broken, signaling the caller to fall back
// to a full pack.
func buildChain(rec *entity.AddonRecord, vmap *versionmap.Map[entity.VersionEntry], from, to versionmap.Key) (*entity.DeltaPack, int64, bool) {
	all := vmap.All()
	startIdx, endIdx := -1, -1
	for i, e := range all {
		if e.Key.Compare(from) == 0 {
			startIdx = i
		}
		if e.Key.Compare(to) == 0 {
			endIdx = i
		}
	}
	if startIdx < 0 || endIdx < 0 || endIdx-startIdx < 1 {
		return nil, 0, false
	}

	combined := &entity.DeltaPack{From: from.String(), To: to.String()}
	var total int64

	for i := startIdx; i < endIdx; i++ {
		prevVersion := all[i].Value.Version
		nextVersion := all[i+1].Value.Version

		var step *entity.UpdatePackEntry
		for j := range rec.UpdatePackEntries {
			p := &rec.UpdatePackEntries[j]
			if p.From == prevVersion && p.To == nextVersion {
				step = p
				break
			}
		}
		if step == nil {
			return nil, 0, false
		}

		stepPath := filepath.Join(rec.Path, step.Filename)
		stepPack, err := pack.ReadDeltaPack(stepPath)
		if err != nil || (len(stepPack.Removals) == 0 && len(stepPack.Additions) == 0) {
			return nil, 0, false
		}

		combined.Removals = append(combined.Removals, stepPack.Removals...)
		combined.Additions = append(combined.Additions, stepPack.Additions...)
		total += fileSizeOrZero(stepPath)
	}

	return combined, total, true
}

// ResolveHashIndexPath resolves the hash index path for a
// request_campaign_hash against rec's currently-uploaded version (or
// the newest older version, if that exact one has been superseded).
func ResolveHashIndexPath(rec *entity.AddonRecord) (string, error) {
	vmap := versionEntryMap(rec)
	if vmap.Empty() {
		return "", apperr.E("delivery.ResolveHashIndexPath", apperr.NoVersions,
			fmt.Errorf("no versions of add-on %q are available", rec.Name))
	}

	var entry entity.VersionEntry
	if rec.Version == "" {
		newest, _ := vmap.Newest()
		entry = newest.Value
	} else if found, ok := vmap.Find(versionmap.Parse(rec.Version)); ok {
		entry = found
	} else if older, ok := vmap.NewestOlderThan(versionmap.Parse(rec.Version)); ok {
		entry = older.Value
	} else {
		newest, _ := vmap.Newest()
		entry = newest.Value
	}

	path := filepath.Join(rec.Path, "full_pack_"+secrets.FilenameDigest(entry.Version)+".hash.gz")
	if fileSizeOrNegative(path) < 0 {
		return "", apperr.E("delivery.ResolveHashIndexPath", apperr.NotFound,
			fmt.Errorf("missing index file for add-on %q", rec.Name))
	}
	return path, nil
}

func fileSizeOrNegative(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return st.Size()
}

func fileSizeOrZero(path string) int64 {
	if s := fileSizeOrNegative(path); s > 0 {
		return s
	}
	return 0
}
