package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/blacklist"
	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/addonsrv/internal/secrets"
	"github.com/stretchr/testify/require"
)

func validUpload() *doc.Node {
	n := doc.NewNode()
	n.Set("name", doc.Text("era_of_towers"))
	n.Set("title", doc.Text("Era of Towers"))
	n.Set("author", doc.Text("someone"))
	n.Set("version", doc.Text("1.0.0"))
	n.Set("description", doc.Text("a multiplayer era"))
	n.Set("email", doc.Text("someone@example.com"))
	n.Set("type", doc.Text("era"))
	n.Set("passphrase", doc.Text("secret"))
	return n
}

func dataWithFile(path string) *doc.Node {
	n := doc.NewNode()
	f := n.AddChild("file")
	f.Set("path", doc.Text(path))
	f.Set("content", doc.Bytes([]byte("x")))
	return n
}

func TestValidateAcceptsWellFormedFullUpload(t *testing.T) {
	res := Validate(Request{
		Upload: validUpload(),
		Data:   dataWithFile("_main.cfg"),
	})
	require.Equal(t, apperr.Success, res.Status)
	require.False(t, res.IsDeltaPack)
}

func TestValidateRejectsWhenServerReadOnly(t *testing.T) {
	res := Validate(Request{Upload: validUpload(), Data: dataWithFile("_main.cfg"), ReadOnly: true})
	require.Equal(t, apperr.ServerReadOnly, res.Status)
}

func TestValidateRejectsMissingPassphrase(t *testing.T) {
	u := validUpload()
	u.RemoveAttributes("passphrase")
	res := Validate(Request{Upload: u, Data: dataWithFile("_main.cfg")})
	require.Equal(t, apperr.NoPassphrase, res.Status)
}

func TestValidateRejectsWrongPassphraseAgainstExisting(t *testing.T) {
	existing := &entity.AddonRecord{Name: "era_of_towers", PassSalt: "salt", PassHash: "hash-of-correct"}
	res := Validate(Request{
		Upload: validUpload(),
		Data:   dataWithFile("_main.cfg"),
		FindExisting: func(name string) (*entity.AddonRecord, bool) {
			return existing, true
		},
	})
	require.Equal(t, apperr.StatusUnauthorized, res.Status)
}

func TestValidateRejectsHiddenExistingAddonAfterPassphraseChecksOut(t *testing.T) {
	salt, hash, err := secrets.SetPassphrase("secret")
	require.NoError(t, err)
	existing := &entity.AddonRecord{Name: "era_of_towers", Hidden: true, PassSalt: salt, PassHash: hash}
	res := Validate(Request{
		Upload: validUpload(),
		Data:   dataWithFile("_main.cfg"),
		FindExisting: func(name string) (*entity.AddonRecord, bool) {
			return existing, true
		},
	})
	require.Equal(t, apperr.StatusDenied, res.Status)
}

func TestValidateRejectsBlacklistedName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("name:era_of_towers\n"), 0o644))
	bl, err := blacklist.Load(path)
	require.NoError(t, err)

	res := Validate(Request{
		Upload:    validUpload(),
		Data:      dataWithFile("_main.cfg"),
		Blacklist: bl,
	})
	require.Equal(t, apperr.StatusDenied, res.Status)
}

func TestValidateRejectsInvalidUtf8AttributeEvenWithNoBlacklistConfigured(t *testing.T) {
	up := validUpload()
	up.Set("title", doc.Text(string([]byte{0xff, 0xfe})))

	res := Validate(Request{
		Upload: up,
		Data:   dataWithFile("_main.cfg"),
	})
	require.Equal(t, apperr.InvalidUtf8Attribute, res.Status)
}

func TestValidateRejectsIllegalDirectoryName(t *testing.T) {
	u := validUpload()
	u.RemoveAttributes("name")
	u.Set("name", doc.Text("../escape"))
	res := Validate(Request{Upload: u, Data: dataWithFile("_main.cfg")})
	require.Equal(t, apperr.BadName, res.Status)
}

func TestValidateRejectsEmptyPack(t *testing.T) {
	res := Validate(Request{Upload: validUpload(), Data: doc.NewNode()})
	require.Equal(t, apperr.EmptyPack, res.Status)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	u := validUpload()
	u.RemoveAttributes("type")
	u.Set("type", doc.Text("not_a_real_type"))
	res := Validate(Request{Upload: u, Data: dataWithFile("_main.cfg")})
	require.Equal(t, apperr.BadType, res.Status)
}

func TestValidateRejectsIllegalFilePaths(t *testing.T) {
	res := Validate(Request{Upload: validUpload(), Data: dataWithFile("../escape.cfg")})
	require.Equal(t, apperr.IllegalFilename, res.Status)
	require.Contains(t, res.ErrorData, "../escape.cfg")
}

func TestValidateRejectsCaseConflictingFilePaths(t *testing.T) {
	n := doc.NewNode()
	f1 := n.AddChild("file")
	f1.Set("path", doc.Text("README.txt"))
	f2 := n.AddChild("file")
	f2.Set("path", doc.Text("readme.txt"))

	res := Validate(Request{Upload: validUpload(), Data: n})
	require.Equal(t, apperr.FilenameCaseConflict, res.Status)
	require.Equal(t, "README.txt\nreadme.txt", res.ErrorData)
}

func TestValidateRejectsDeltaPackForUnknownAddon(t *testing.T) {
	n := doc.NewNode()
	addlist := n.AddChild("add")
	addlist.Set("path", doc.Text("changed.cfg"))
	res := Validate(Request{Upload: validUpload(), AddList: n})
	require.Equal(t, apperr.StatusUnexpectedDelta, res.Status)
}

func TestValidateAcceptsDeltaPackForKnownAddon(t *testing.T) {
	existing := &entity.AddonRecord{Name: "era_of_towers"}
	n := doc.NewNode()
	add := n.AddChild("add")
	add.Set("path", doc.Text("changed.cfg"))
	res := Validate(Request{
		Upload:  validUpload(),
		AddList: n,
		FindExisting: func(name string) (*entity.AddonRecord, bool) {
			return existing, true
		},
	})
	require.Equal(t, apperr.Success, res.Status)
	require.True(t, res.IsDeltaPack)
}
