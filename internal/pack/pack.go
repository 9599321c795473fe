// Package pack implements the on-disk pack codec: gzip-compressed,
// atomically-committed serialization of full packs, delta packs, and
// hash indexes (spec.md §4.2), plus applying a delta pack against a
// base full pack. Grounded on the original's campaign_modifications /
// read_package / write_package, generalized from a single blob to the
// tree-shaped FullPack/DeltaPack/IndexFile types in internal/entity.
package pack

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/commit"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/addonsrv/internal/secrets"
)

// DefaultCompression matches gzip's own default; callers may override
// via the level parameter on Write* to trade CPU for size, the Go
// analogue of the original's configurable compress_level.
const DefaultCompression = gzip.DefaultCompression

func writeNode(path string, n *doc.Node, level int) error {
	raw, err := doc.Marshal(n)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return apperr.E("pack.writeNode", apperr.Other, err)
	}
	if _, err := gw.Write(raw); err != nil {
		gw.Close()
		return apperr.E("pack.writeNode", apperr.IOFault, err)
	}
	if err := gw.Close(); err != nil {
		return apperr.E("pack.writeNode", apperr.IOFault, err)
	}
	return commit.WriteFile(path, buf.Bytes())
}

func readNode(path string) (*doc.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.E("pack.readNode", apperr.IOFault, err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, apperr.E("pack.readNode", apperr.CorruptPack, err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, apperr.E("pack.readNode", apperr.CorruptPack, err)
	}
	n, err := doc.Unmarshal(raw)
	if err != nil {
		return nil, apperr.E("pack.readNode", apperr.CorruptPack, err)
	}
	return n, nil
}

// WriteFullPack gzip-compresses and atomically commits a full pack to
// path, at the given gzip compression level.
func WriteFullPack(path string, p *entity.FullPack, level int) error {
	return writeNode(path, p.ToNode(), level)
}

// ReadFullPack reads and decompresses a full pack from path.
func ReadFullPack(path string) (*entity.FullPack, error) {
	n, err := readNode(path)
	if err != nil {
		return nil, err
	}
	return entity.FullPackFromNode(n), nil
}

// WriteDeltaPack gzip-compresses and atomically commits a delta pack.
func WriteDeltaPack(path string, d *entity.DeltaPack, level int) error {
	return writeNode(path, d.ToNode(), level)
}

// ReadDeltaPack reads and decompresses a delta pack from path.
func ReadDeltaPack(path string) (*entity.DeltaPack, error) {
	n, err := readNode(path)
	if err != nil {
		return nil, err
	}
	return entity.DeltaPackFromNode(n), nil
}

// BuildIndex computes the per-file content hash index of a full pack,
// the artifact handed back on request_campaign_hash.
func BuildIndex(p *entity.FullPack) (*entity.IndexFile, error) {
	idx := &entity.IndexFile{}
	for _, f := range p.Files {
		h, err := secrets.ContentHash(f.Content)
		if err != nil {
			return nil, err
		}
		idx.Files = append(idx.Files, entity.FileEntry{
			Path: f.Path,
			Hash: h,
			Size: int64(len(f.Content)),
		})
	}
	return idx, nil
}

// WriteIndex gzip-compresses and atomically commits a hash index.
func WriteIndex(path string, idx *entity.IndexFile, level int) error {
	return writeNode(path, idx.ToNode(), level)
}

// ReadIndex reads and decompresses a hash index from path.
func ReadIndex(path string) (*entity.IndexFile, error) {
	n, err := readNode(path)
	if err != nil {
		return nil, err
	}
	return entity.IndexFromNode(n), nil
}

// Diff computes the delta pack that transforms base into target,
// comparing file content hashes, the generalization of the teacher's
// createDiff (cache.go) from a flat file list to a full pack's files.
func Diff(base, target *entity.FullPack, fromVersion, toVersion string) (*entity.DeltaPack, error) {
	baseHash := map[string]string{}
	for _, f := range base.Files {
		h, err := secrets.ContentHash(f.Content)
		if err != nil {
			return nil, err
		}
		baseHash[f.Path] = h
	}

	delta := &entity.DeltaPack{From: fromVersion, To: toVersion}
	targetPaths := map[string]bool{}
	for _, f := range target.Files {
		targetPaths[f.Path] = true
		h, err := secrets.ContentHash(f.Content)
		if err != nil {
			return nil, err
		}
		if oldHash, ok := baseHash[f.Path]; !ok || oldHash != h {
			delta.Additions = append(delta.Additions, f)
		}
	}
	for path := range baseHash {
		if !targetPaths[path] {
			delta.Removals = append(delta.Removals, path)
		}
	}
	return delta, nil
}

// Apply applies a delta pack to a base full pack, returning the
// resulting full pack. The base is left untouched.
func Apply(base *entity.FullPack, delta *entity.DeltaPack) *entity.FullPack {
	removed := map[string]bool{}
	for _, p := range delta.Removals {
		removed[p] = true
	}
	added := map[string]entity.PackFile{}
	for _, f := range delta.Additions {
		added[f.Path] = f
	}

	out := &entity.FullPack{Metadata: base.Metadata}
	seen := map[string]bool{}
	for _, f := range base.Files {
		if removed[f.Path] {
			continue
		}
		if repl, ok := added[f.Path]; ok {
			out.Files = append(out.Files, repl)
		} else {
			out.Files = append(out.Files, f)
		}
		seen[f.Path] = true
	}
	for _, f := range delta.Additions {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		out.Files = append(out.Files, added[f.Path])
	}
	return out
}
