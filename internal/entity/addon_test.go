package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddonRecordRoundTripsThroughNode(t *testing.T) {
	created := time.Unix(1700000000, 0)
	a := &AddonRecord{
		Name:        "era_of_towers",
		Title:       "Era of Towers",
		Author:      "someone",
		Description: "a multiplayer era",
		Email:       "someone@example.com",
		Type:        "era",
		Tags:        "multiplayer",
		Icon:        "icon.png",
		Version:     "1.2.0",
		UploadIP:    "203.0.113.5",
		Downloads:   10,
		Uploads:     3,
		Created:     created,
		Timestamp:   created,
		Hidden:      false,
		PassSalt:    "salt",
		PassHash:    "hash",
		Size:        4096,
		Path:        "era_of_towers",
		VersionEntries: []VersionEntry{
			{Version: "1.0.0", Filename: "era_of_towers-1.0.0.pbl"},
			{Version: "1.2.0", Filename: "era_of_towers-1.2.0.pbl"},
		},
		UpdatePackEntries: []UpdatePackEntry{
			{From: "1.0.0", To: "1.2.0", Filename: "era_of_towers-1.0.0-1.2.0.pbl", Expire: created.Add(24 * time.Hour)},
		},
		Translations: []Translation{
			{Language: "de", Title: "Ära der Türme", Supported: true},
		},
		FeedbackParams: map[string]string{"category": "multiplayer"},
	}

	back := FromNode(a.ToNode())

	require.Equal(t, a.Name, back.Name)
	require.Equal(t, a.Title, back.Title)
	require.Equal(t, a.Downloads, back.Downloads)
	require.Equal(t, a.Created.Unix(), back.Created.Unix())
	require.Len(t, back.VersionEntries, 2)
	require.Equal(t, a.VersionEntries[1].Filename, back.VersionEntries[1].Filename)
	require.Len(t, back.UpdatePackEntries, 1)
	require.Equal(t, a.UpdatePackEntries[0].To, back.UpdatePackEntries[0].To)
	require.Len(t, back.Translations, 1)
	require.Equal(t, "de", back.Translations[0].Language)
	require.Equal(t, "multiplayer", back.FeedbackParams["category"])
}

func TestAddonRecordWithNoFeedbackParamsOmitsChild(t *testing.T) {
	a := &AddonRecord{Name: "x"}
	back := FromNode(a.ToNode())
	require.Nil(t, back.FeedbackParams)
}

func TestSettableAttrsExcludeProtectedKeys(t *testing.T) {
	a := &AddonRecord{}
	for _, protected := range []string{"name", "version", "passphrase", "passhash", "passsalt"} {
		require.False(t, a.HasAttr(protected), "must not allow setattr on %q", protected)
	}
	require.True(t, a.HasAttr("title"))
	require.True(t, a.HasAttr("hidden"))
}

func TestSetAttrAssignsScalarFields(t *testing.T) {
	a := &AddonRecord{}
	a.SetAttr("title", "New Title")
	a.SetAttr("hidden", "yes")
	a.SetAttr("unknown_key", "ignored")

	require.Equal(t, "New Title", a.Title)
	require.True(t, a.Hidden)
}
