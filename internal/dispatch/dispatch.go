// Package dispatch implements the request router and per-request
// handlers (spec.md §4.7): request_campaign_list, request_campaign,
// request_campaign_hash, request_terms, upload, delete, and
// change_passphrase. Grounded on the original's handlers_ table
// (register_handlers/handle_request) and each handle_* method, and on
// the teacher's presenter.New route-registration style.
package dispatch

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/blacklist"
	"github.com/n-r-w/addonsrv/internal/catalogue"
	"github.com/n-r-w/addonsrv/internal/delivery"
	"github.com/n-r-w/addonsrv/internal/delta"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/addonsrv/internal/secrets"
	"github.com/n-r-w/addonsrv/internal/transport"
	"github.com/n-r-w/addonsrv/internal/urltemplate"
	"github.com/n-r-w/addonsrv/internal/validate"
	"github.com/n-r-w/lg"
)

// hiddenListAttrs are the AddonRecord attributes clients never need to
// see, stripped from every list entry, the Go equivalent of the
// original's j.remove_attributes("passphrase", "passhash", "passsalt",
// "upload_ip", "email") in handle_request_campaign_list.
var hiddenListAttrs = []string{"passphrase", "passhash", "passsalt", "upload_ip", "email"}

// TermsText is sent verbatim in response to request_terms, matching
// the original's embedded GPL/CC notice.
const TermsText = `All add-ons uploaded to this server are subject to the terms and
conditions of the GNU General Public License, version 2 or later, or
a Creative Commons license of similar or greater permissiveness at
the add-on author's discretion, unless otherwise noted. By uploading
content to this server, you agree to grant any present or future
users of the add-on the right to be able to download, play, and
redistribute your content under the applicable license's terms.
`

// Dispatcher routes incoming documents to the appropriate handler.
type Dispatcher struct {
	Log            lg.Logger
	Catalogue      *catalogue.Store
	Delta          *delta.Engine
	Blacklist      **blacklist.Blacklist // shared with the admin channel's "reload blacklist"
	ReadOnly       *bool                 // shared with the admin channel's "readonly" toggle
	FeedbackURLFmt string
	StatsExempt    []string
	HookPostUpload string
	HookPostErase  string

	// Mu, if set, is shared with the admin channel and serializes every
	// request and every admin command against the single-threaded
	// cooperative model spec.md §5 requires: no handler ever runs
	// concurrently with another, so AddonRecord fields mutated in place
	// (Downloads, Hidden, PassHash, ...) never need their own locking.
	Mu *sync.Mutex
}

// Handle reads one request document off conn, dispatches it, and
// writes back the response, mirroring handle_new_client /
// handle_request's "read one document, handle its first child" shape.
// It holds Mu for the request's full lifetime, the Go analogue of the
// original's single io_service thread never running two handlers'
// code at once.
func (d *Dispatcher) Handle(conn *transport.Conn, remoteAddr string) error {
	if d.Mu != nil {
		d.Mu.Lock()
		defer d.Mu.Unlock()
	}

	req, err := conn.ReadDoc()
	if err != nil {
		return err
	}

	tag, body := firstChild(req)
	if tag == "" {
		return d.sendError(conn, "Empty request.", "", 0)
	}

	reqID := uuid.New().String()
	d.Log.Info("req %s [%s] %s", reqID, remoteAddr, tag)

	switch tag {
	case "request_campaign_list":
		return d.handleCampaignList(conn, body)
	case "request_campaign":
		return d.handleCampaign(conn, body, remoteAddr)
	case "request_campaign_hash":
		return d.handleCampaignHash(conn, body)
	case "request_terms":
		return d.handleTerms(conn)
	case "upload":
		return d.handleUpload(conn, body, remoteAddr)
	case "delete":
		return d.handleDelete(conn, body)
	case "change_passphrase":
		return d.handleChangePassphrase(conn, body)
	default:
		return d.sendError(conn, "Unrecognized ["+tag+"] request.", "", 0)
	}
}

func firstChild(n *doc.Node) (string, *doc.Node) {
	if n == nil || len(n.Children) == 0 {
		return "", nil
	}
	c := n.Children[0]
	return c.Tag, c.Node
}

func (d *Dispatcher) sendMessage(conn *transport.Conn, msg string) error {
	out := doc.NewNode()
	out.AddChild("message").Set("message", doc.Text(msg))
	return conn.WriteDoc(out)
}

func (d *Dispatcher) sendError(conn *transport.Conn, msg, extraData string, statusCode apperr.Status) error {
	d.Log.Error("dispatch: (0x%08X) %s", int(statusCode), msg)
	out := doc.NewNode()
	errNode := out.AddChild("error")
	errNode.Set("message", doc.Text(msg))
	errNode.Set("extra_data", doc.Text(extraData))
	errNode.Set("status_code", doc.Text(strconv.Itoa(int(statusCode))))
	return conn.WriteDoc(out)
}

// statusForKind maps an internal error Kind to the closed wire status
// enum for cases the validator never produces itself, namely the
// delivery planner's own failure modes.
func statusForKind(k apperr.Kind) apperr.Status {
	switch k {
	case apperr.NoVersions:
		return apperr.ServerDeltaNoVersions
	case apperr.UnknownVersion, apperr.NotFound:
		return apperr.ServerAddonsList
	default:
		return apperr.ServerUnspecified
	}
}

func (d *Dispatcher) isReadOnly() bool {
	return d.ReadOnly != nil && *d.ReadOnly
}

func (d *Dispatcher) handleCampaignList(conn *transport.Conn, body *doc.Node) error {
	now := time.Now()
	epoch := now.Unix()
	if body.Get("times_relative_to").AsString("") != "now" {
		epoch = 0
	}

	var before, after int64
	hasBefore, hasAfter := false, false
	if v := body.Get("before"); !v.IsNull() {
		before = epoch + v.AsInt(0)
		hasBefore = true
	}
	if v := body.Get("after"); !v.IsNull() {
		after = epoch + v.AsInt(0)
		hasAfter = true
	}

	nameFilter := body.Get("name").AsString("")
	langFilter := body.Get("language").AsString("")

	list := doc.NewNode()
	list.Set("timestamp", doc.Int(now.Unix()))

	for _, rec := range d.Catalogue.List() {
		if nameFilter != "" && nameFilter != rec.Name {
			continue
		}
		if rec.Hidden {
			continue
		}
		ts := rec.Timestamp.Unix()
		if hasBefore && ts >= before {
			continue
		}
		if hasAfter && ts <= after {
			continue
		}
		if langFilter != "" && !hasSupportedTranslation(rec, langFilter) {
			continue
		}

		entry := rec.ToNode()
		entry.RemoveAttributes(hiddenListAttrs...)
		entry.ClearChildren("update_pack")

		feedbackURL := ""
		if len(rec.FeedbackParams) > 0 && d.FeedbackURLFmt != "" {
			feedbackURL = urltemplate.Expand(d.FeedbackURLFmt, rec.FeedbackParams)
		}
		entry.Set("feedback_url", doc.Text(feedbackURL))
		entry.ClearChildren("feedback")

		list.AddChildNode("campaign", entry)
	}

	out := doc.NewNode()
	out.AddChildNode("campaigns", list)
	return conn.WriteDoc(out)
}

func hasSupportedTranslation(rec *entity.AddonRecord, lang string) bool {
	for _, t := range rec.Translations {
		if t.Language == lang && t.Supported {
			return true
		}
	}
	return false
}

// ignoreStats reports whether addr matches a stats-exempt pattern.
// Patterns are matched as filepath.Match globs, not CIDR ranges — see
// SPEC_FULL.md §6(a) for why that ambiguity was resolved this way.
func (d *Dispatcher) ignoreStats(addr string) bool {
	for _, p := range d.StatsExempt {
		if ok, _ := filepath.Match(p, addr); ok {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleCampaign(conn *transport.Conn, body *doc.Node, remoteAddr string) error {
	name := body.Get("name").AsString("")
	rec, ok := d.Catalogue.Get(name)
	if !ok || rec.Hidden {
		return d.sendError(conn, "Add-on '"+name+"' not found.", "", 0)
	}

	from := body.Get("from_version").AsString("")
	to := body.Get("version").AsString("")

	plan, err := delivery.PlanCampaign(rec, from, to)
	if err != nil {
		return d.sendError(conn, err.Error(), "", statusForKind(apperr.KindOf(err)))
	}

	switch plan.Kind {
	case delivery.KindDelta:
		if err := conn.WriteDoc(plan.Delta.ToNode()); err != nil {
			return err
		}
	default:
		// The full pack already sits on disk gzip-compressed exactly as
		// WriteDoc would have produced it, so it is streamed straight
		// onto the wire instead of being decompressed and re-serialized.
		if err := conn.WriteFile(plan.FullPackPath, transport.OpenOSFile); err != nil {
			return d.sendError(conn, "Add-on '"+name+"' could not be read by the server.", "", 0)
		}
	}

	if from == "" && body.Get("increase_downloads").AsBool(true) && !d.ignoreStats(remoteAddr) {
		rec.Downloads++
		d.Catalogue.MarkDirty(name)
	}
	return nil
}

func (d *Dispatcher) handleCampaignHash(conn *transport.Conn, body *doc.Node) error {
	name := body.Get("name").AsString("")
	rec, ok := d.Catalogue.Get(name)
	if !ok || rec.Hidden {
		return d.sendError(conn, "Add-on '"+name+"' not found.", "", 0)
	}

	path, err := delivery.ResolveHashIndexPath(rec)
	if err != nil {
		return d.sendError(conn, err.Error(), "", statusForKind(apperr.KindOf(err)))
	}

	if err := conn.WriteFile(path, transport.OpenOSFile); err != nil {
		return d.sendError(conn, "Missing index file for the add-on '"+name+"'.", "", 0)
	}
	return nil
}

func (d *Dispatcher) handleTerms(conn *transport.Conn) error {
	if d.isReadOnly() {
		return d.sendError(conn, "The server is currently in read-only mode, add-on uploads are disabled.", "", 0)
	}
	return d.sendMessage(conn, TermsText)
}

func (d *Dispatcher) handleUpload(conn *transport.Conn, body *doc.Node, remoteAddr string) error {
	name := body.Get("name").AsString("")
	existing, _ := d.Catalogue.Get(name)

	var bl *blacklist.Blacklist
	if d.Blacklist != nil {
		bl = *d.Blacklist
	}

	vres := validate.Validate(validate.Request{
		Upload:     body,
		Data:       body.Child("data"),
		AddList:    body.Child("addlist"),
		RemoveList: body.Child("removelist"),
		RemoteAddr: remoteAddr,
		Blacklist:  bl,
		ReadOnly:   d.isReadOnly(),
		FindExisting: func(n string) (*entity.AddonRecord, bool) {
			return d.Catalogue.Get(n)
		},
	})
	if vres.Status != apperr.Success {
		return d.sendError(conn, "Add-on rejected: "+vres.Status.Desc(), vres.ErrorData, vres.Status)
	}

	rec, err := d.Delta.Upload(buildUploadRequest(name, body, remoteAddr, existing))
	if err != nil {
		if k := apperr.KindOf(err); k == apperr.NoVersions {
			return d.sendError(conn, "Server error: Cannot process update pack with an empty version table.", "", apperr.ServerDeltaNoVersions)
		}
		return d.sendError(conn, "Server error: "+err.Error(), "", apperr.ServerUnspecified)
	}

	d.Catalogue.Put(rec)
	if err := d.Catalogue.Flush(); err != nil {
		return err
	}

	if err := d.sendMessage(conn, "Add-on accepted."); err != nil {
		return err
	}
	fireHook(d.HookPostUpload, name)
	return nil
}

func buildUploadRequest(name string, body *doc.Node, remoteAddr string, existing *entity.AddonRecord) delta.Request {
	return delta.Request{
		Name:       name,
		Upload:     body,
		Data:       body.Child("data"),
		AddList:    body.Child("addlist"),
		RemoveList: body.Child("removelist"),
		RemoteAddr: remoteAddr,
		Existing:   existing,
	}
}

func (d *Dispatcher) handleDelete(conn *transport.Conn, body *doc.Node) error {
	if d.isReadOnly() {
		return d.sendError(conn, "Cannot delete add-on: The server is currently in read-only mode.", "", 0)
	}

	id := body.Get("name").AsString("")
	rec, ok := d.Catalogue.Get(id)
	if !ok {
		return d.sendError(conn, "The add-on does not exist.", "", 0)
	}

	pass := body.Get("passphrase").AsString("")
	if pass == "" {
		return d.sendError(conn, "No passphrase was specified.", "", 0)
	}
	if !secrets.VerifyPassphrase(pass, rec.PassSalt, rec.PassHash) {
		return d.sendError(conn, "The passphrase is incorrect.", "", 0)
	}
	if rec.Hidden {
		return d.sendError(conn, "Add-on deletion denied. Please contact the server administration for assistance.", "", 0)
	}

	if err := d.Catalogue.Delete(id); err != nil {
		return err
	}
	if err := d.Catalogue.Flush(); err != nil {
		return err
	}
	if err := d.sendMessage(conn, "Add-on deleted."); err != nil {
		return err
	}
	fireHook(d.HookPostErase, id)
	return nil
}

func (d *Dispatcher) handleChangePassphrase(conn *transport.Conn, body *doc.Node) error {
	if d.isReadOnly() {
		return d.sendError(conn, "Cannot change passphrase: The server is currently in read-only mode.", "", 0)
	}

	name := body.Get("name").AsString("")
	rec, ok := d.Catalogue.Get(name)
	switch {
	case !ok:
		return d.sendError(conn, "No add-on with that name exists.", "", 0)
	case !secrets.VerifyPassphrase(body.Get("passphrase").AsString(""), rec.PassSalt, rec.PassHash):
		return d.sendError(conn, "Your old passphrase was incorrect.", "", 0)
	case rec.Hidden:
		return d.sendError(conn, "Add-on passphrase change denied. Please contact the server administration for assistance.", "", 0)
	}

	newPass := body.Get("new_passphrase").AsString("")
	if newPass == "" {
		return d.sendError(conn, "No new passphrase was supplied.", "", 0)
	}

	saltHex, hashHex, err := secrets.SetPassphrase(newPass)
	if err != nil {
		return err
	}
	rec.PassSalt = saltHex
	rec.PassHash = hashHex
	d.Catalogue.MarkDirty(name)
	if err := d.Catalogue.Flush(); err != nil {
		return err
	}
	return d.sendMessage(conn, "Passphrase changed.")
}

// fireHook runs a configured hook script in the background, ignoring
// its outcome — the original's fire() forks and forgets, logging the
// exit status but never blocking or aborting the request over it.
func fireHook(script, addon string) {
	if script == "" {
		return
	}
	go func() {
		_ = exec.Command(script, addon).Run()
	}()
}
