package entity

import "github.com/n-r-w/addonsrv/internal/doc"

// FileEntry is one file inside a pack or index: its path relative to
// the add-on's root, its content hash, and its size in bytes.
type FileEntry struct {
	Path string
	Hash string
	Size int64
}

// IndexFile is the per-file hash index of a full pack (spec.md §3),
// built once at upload time and handed back verbatim on a
// request_campaign_hash so a client can diff locally without
// downloading content it already has.
type IndexFile struct {
	Files []FileEntry
}

// ToNode serializes the index as a flat list of "file" children.
func (idx *IndexFile) ToNode() *doc.Node {
	n := doc.NewNode()
	for _, f := range idx.Files {
		fn := n.AddChild("file")
		fn.Set("path", doc.Text(f.Path))
		fn.Set("hash", doc.Text(f.Hash))
		fn.Set("size", doc.Int(f.Size))
	}
	return n
}

// IndexFromNode rebuilds an IndexFile from its tree form.
func IndexFromNode(n *doc.Node) *IndexFile {
	idx := &IndexFile{}
	for _, f := range n.ChildRange("file") {
		idx.Files = append(idx.Files, FileEntry{
			Path: f.Get("path").AsString(""),
			Hash: f.Get("hash").AsString(""),
			Size: f.Get("size").AsInt(0),
		})
	}
	return idx
}

// PackFile is one file's path and raw content, as carried inside a
// FullPack or as an addition inside a DeltaPack.
type PackFile struct {
	Path    string
	Content []byte
}

// FullPack is the complete, self-contained content of one add-on
// version: every file it ships, plus the metadata tree the add-on was
// uploaded with (spec.md §3's "pack" concept in its full form).
type FullPack struct {
	Metadata *doc.Node
	Files    []PackFile
}

// ToNode serializes a full pack: a "main" child holding the metadata
// tree, and one "file" child per shipped file.
func (p *FullPack) ToNode() *doc.Node {
	n := doc.NewNode()
	if p.Metadata != nil {
		n.AddChildNode("main", p.Metadata)
	}
	for _, f := range p.Files {
		fn := n.AddChild("file")
		fn.Set("path", doc.Text(f.Path))
		fn.Set("content", doc.Bytes(f.Content))
	}
	return n
}

// FullPackFromNode rebuilds a FullPack from its tree form.
func FullPackFromNode(n *doc.Node) *FullPack {
	p := &FullPack{Metadata: n.ChildOrEmpty("main")}
	for _, f := range n.ChildRange("file") {
		p.Files = append(p.Files, PackFile{
			Path:    f.Get("path").AsString(""),
			Content: f.Get("content").AsBytes(nil),
		})
	}
	return p
}

// DeltaPack is the difference between two full packs: paths removed
// outright, plus files added or changed (carried with their new
// content), matching the original's WML delta format (spec.md §4.5).
type DeltaPack struct {
	From      string
	To        string
	Removals  []string
	Additions []PackFile
}

// ToNode serializes a delta pack: "from"/"to" attributes, a "remove"
// child per removed path, and an "add" child per added/changed file.
func (d *DeltaPack) ToNode() *doc.Node {
	n := doc.NewNode()
	n.Set("from", doc.Text(d.From))
	n.Set("to", doc.Text(d.To))
	for _, path := range d.Removals {
		rn := n.AddChild("remove")
		rn.Set("path", doc.Text(path))
	}
	for _, f := range d.Additions {
		an := n.AddChild("add")
		an.Set("path", doc.Text(f.Path))
		an.Set("content", doc.Bytes(f.Content))
	}
	return n
}

// DeltaPackFromNode rebuilds a DeltaPack from its tree form.
func DeltaPackFromNode(n *doc.Node) *DeltaPack {
	d := &DeltaPack{
		From: n.Get("from").AsString(""),
		To:   n.Get("to").AsString(""),
	}
	for _, r := range n.ChildRange("remove") {
		d.Removals = append(d.Removals, r.Get("path").AsString(""))
	}
	for _, a := range n.ChildRange("add") {
		d.Additions = append(d.Additions, PackFile{
			Path:    a.Get("path").AsString(""),
			Content: a.Get("content").AsBytes(nil),
		})
	}
	return d
}

// Empty reports whether the delta carries no changes at all, the
// boundary case for a request whose from_version equals its target
// (decided in SPEC_FULL.md §6(c): an empty delta, not a full-pack
// fallback or an error).
func (d *DeltaPack) Empty() bool {
	return len(d.Removals) == 0 && len(d.Additions) == 0
}
