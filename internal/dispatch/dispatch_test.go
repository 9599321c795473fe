package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/n-r-w/addonsrv/internal/catalogue"
	"github.com/n-r-w/addonsrv/internal/delta"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/transport"
	"github.com/n-r-w/lg"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	log := lg.New()
	cat := catalogue.New(log, dir, 6)
	require.NoError(t, cat.Load(nil))
	eng := delta.New(log, dir, 6, 24*time.Hour)
	readOnly := false
	return &Dispatcher{
		Log:       log,
		Catalogue: cat,
		Delta:     eng,
		ReadOnly:  &readOnly,
	}
}

// roundTrip sends req through d.Handle over an in-memory pipe and
// returns the response document.
func roundTrip(t *testing.T, d *Dispatcher, req *doc.Node) *doc.Node {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan error, 1)
	go func() {
		done <- d.Handle(transport.New(serverSide, 0), "203.0.113.5:12345")
	}()

	cc := transport.New(clientSide, 0)
	require.NoError(t, cc.WriteDoc(req))

	resp, err := cc.ReadDoc()
	require.NoError(t, err)
	require.NoError(t, <-done)
	return resp
}

func TestHandleRequestTermsReturnsMessage(t *testing.T) {
	d := newTestDispatcher(t)
	req := doc.NewNode()
	req.AddChild("request_terms")

	resp := roundTrip(t, d, req)
	require.Contains(t, resp.Child("message").Get("message").AsString(""), "General Public License")
}

func TestHandleRequestTermsDeniedWhenReadOnly(t *testing.T) {
	d := newTestDispatcher(t)
	*d.ReadOnly = true
	req := doc.NewNode()
	req.AddChild("request_terms")

	resp := roundTrip(t, d, req)
	require.NotNil(t, resp.Child("error"))
}

func TestHandleCampaignListOnEmptyCatalogueReturnsEmptyList(t *testing.T) {
	d := newTestDispatcher(t)
	req := doc.NewNode()
	req.AddChild("request_campaign_list")

	resp := roundTrip(t, d, req)
	campaigns := resp.Child("campaigns")
	require.NotNil(t, campaigns)
	require.Equal(t, 0, campaigns.ChildCount("campaign"))
}

func TestHandleUploadAcceptsValidNewAddon(t *testing.T) {
	d := newTestDispatcher(t)

	req := doc.NewNode()
	up := req.AddChild("upload")
	up.Set("name", doc.Text("era_of_towers"))
	up.Set("title", doc.Text("Era of Towers"))
	up.Set("author", doc.Text("someone"))
	up.Set("description", doc.Text("a multiplayer era"))
	up.Set("version", doc.Text("1.0.0"))
	up.Set("email", doc.Text("someone@example.com"))
	up.Set("type", doc.Text("era"))
	up.Set("passphrase", doc.Text("secret"))
	data := up.AddChild("data")
	f := data.AddChild("file")
	f.Set("path", doc.Text("_main.cfg"))
	f.Set("content", doc.Bytes([]byte("main config")))

	resp := roundTrip(t, d, req)
	require.Nil(t, resp.Child("error"))
	require.Equal(t, "Add-on accepted.", resp.Child("message").Get("message").AsString(""))

	rec, ok := d.Catalogue.Get("era_of_towers")
	require.True(t, ok)
	require.Equal(t, "1.0.0", rec.Version)
}

func TestHandleUploadRejectedWhenServerReadOnly(t *testing.T) {
	d := newTestDispatcher(t)
	*d.ReadOnly = true

	req := doc.NewNode()
	up := req.AddChild("upload")
	up.Set("name", doc.Text("era_of_towers"))
	up.Set("passphrase", doc.Text("secret"))

	resp := roundTrip(t, d, req)
	require.NotNil(t, resp.Child("error"))

	_, ok := d.Catalogue.Get("era_of_towers")
	require.False(t, ok)
}

func TestHandleDeleteRemovesAddonWithCorrectPassphrase(t *testing.T) {
	d := newTestDispatcher(t)

	uploadReq := doc.NewNode()
	up := uploadReq.AddChild("upload")
	up.Set("name", doc.Text("era_of_towers"))
	up.Set("title", doc.Text("Era of Towers"))
	up.Set("author", doc.Text("someone"))
	up.Set("description", doc.Text("a multiplayer era"))
	up.Set("version", doc.Text("1.0.0"))
	up.Set("email", doc.Text("someone@example.com"))
	up.Set("type", doc.Text("era"))
	up.Set("passphrase", doc.Text("secret"))
	data := up.AddChild("data")
	f := data.AddChild("file")
	f.Set("path", doc.Text("_main.cfg"))
	f.Set("content", doc.Bytes([]byte("main config")))
	roundTrip(t, d, uploadReq)

	delReq := doc.NewNode()
	del := delReq.AddChild("delete")
	del.Set("name", doc.Text("era_of_towers"))
	del.Set("passphrase", doc.Text("secret"))

	resp := roundTrip(t, d, delReq)
	require.Nil(t, resp.Child("error"))

	_, ok := d.Catalogue.Get("era_of_towers")
	require.False(t, ok)
}

func TestHandleRequestCampaignStreamsFullPack(t *testing.T) {
	d := newTestDispatcher(t)

	uploadReq := doc.NewNode()
	up := uploadReq.AddChild("upload")
	up.Set("name", doc.Text("era_of_towers"))
	up.Set("title", doc.Text("Era of Towers"))
	up.Set("author", doc.Text("someone"))
	up.Set("description", doc.Text("a multiplayer era"))
	up.Set("version", doc.Text("1.0.0"))
	up.Set("email", doc.Text("someone@example.com"))
	up.Set("type", doc.Text("era"))
	up.Set("passphrase", doc.Text("secret"))
	data := up.AddChild("data")
	f := data.AddChild("file")
	f.Set("path", doc.Text("_main.cfg"))
	f.Set("content", doc.Bytes([]byte("main config")))
	roundTrip(t, d, uploadReq)

	campaignReq := doc.NewNode()
	cr := campaignReq.AddChild("request_campaign")
	cr.Set("name", doc.Text("era_of_towers"))

	resp := roundTrip(t, d, campaignReq)
	require.Nil(t, resp.Child("error"))
	// _main.cfg plus the COPYING.txt stamped in at upload.
	require.Equal(t, 2, resp.ChildCount("file"))
	require.Equal(t, "_main.cfg", resp.Child("file").Get("path").AsString(""))
}

func TestHandleRequestCampaignHashStreamsIndex(t *testing.T) {
	d := newTestDispatcher(t)

	uploadReq := doc.NewNode()
	up := uploadReq.AddChild("upload")
	up.Set("name", doc.Text("era_of_towers"))
	up.Set("title", doc.Text("Era of Towers"))
	up.Set("author", doc.Text("someone"))
	up.Set("description", doc.Text("a multiplayer era"))
	up.Set("version", doc.Text("1.0.0"))
	up.Set("email", doc.Text("someone@example.com"))
	up.Set("type", doc.Text("era"))
	up.Set("passphrase", doc.Text("secret"))
	data := up.AddChild("data")
	f := data.AddChild("file")
	f.Set("path", doc.Text("_main.cfg"))
	f.Set("content", doc.Bytes([]byte("main config")))
	roundTrip(t, d, uploadReq)

	hashReq := doc.NewNode()
	hr := hashReq.AddChild("request_campaign_hash")
	hr.Set("name", doc.Text("era_of_towers"))

	resp := roundTrip(t, d, hashReq)
	require.Nil(t, resp.Child("error"))
	// One index entry each for _main.cfg and the stamped COPYING.txt.
	require.Equal(t, 2, resp.ChildCount("file"))
}

func TestHandleDeleteRejectsWrongPassphrase(t *testing.T) {
	d := newTestDispatcher(t)

	uploadReq := doc.NewNode()
	up := uploadReq.AddChild("upload")
	up.Set("name", doc.Text("era_of_towers"))
	up.Set("title", doc.Text("Era of Towers"))
	up.Set("author", doc.Text("someone"))
	up.Set("description", doc.Text("a multiplayer era"))
	up.Set("version", doc.Text("1.0.0"))
	up.Set("email", doc.Text("someone@example.com"))
	up.Set("type", doc.Text("era"))
	up.Set("passphrase", doc.Text("secret"))
	data := up.AddChild("data")
	f := data.AddChild("file")
	f.Set("path", doc.Text("_main.cfg"))
	f.Set("content", doc.Bytes([]byte("main config")))
	roundTrip(t, d, uploadReq)

	delReq := doc.NewNode()
	del := delReq.AddChild("delete")
	del.Set("name", doc.Text("era_of_towers"))
	del.Set("passphrase", doc.Text("wrong"))

	resp := roundTrip(t, d, delReq)
	require.NotNil(t, resp.Child("error"))

	_, ok := d.Catalogue.Get("era_of_towers")
	require.True(t, ok)
}
