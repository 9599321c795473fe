// Package secrets implements the three hashing primitives the core
// consumes (spec.md §1): salted passphrase hashing, per-file content
// hashing for the index/delta machinery, and the filename digest used
// to name packs on disk.
package secrets

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/tools"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	hashSize   = 32
	pbkdf2Iter = 100_000
)

// GenerateSalt returns a fresh random salt for a new passphrase.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperr.E("secrets.GenerateSalt", apperr.IOFault, err)
	}
	return salt, nil
}

// HashPassphrase derives a hash for passphrase using salt, following
// the original's auth::generate_hash separation of salt and hash into
// distinct stored attributes.
func HashPassphrase(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iter, hashSize, sha256.New)
}

// SetPassphrase generates a new salt and returns the hex-encoded
// salt/hash pair ready to store in an AddonRecord's passsalt/passhash
// attributes.
func SetPassphrase(passphrase string) (saltHex, hashHex string, err error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", "", err
	}
	hash := HashPassphrase(passphrase, salt)
	return hex.EncodeToString(salt), hex.EncodeToString(hash), nil
}

// VerifyPassphrase checks passphrase against a stored hex salt/hash
// pair, the Go equivalent of the original's auth::verify_passphrase.
func VerifyPassphrase(passphrase, saltHex, hashHex string) bool {
	if saltHex == "" || hashHex == "" {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := HashPassphrase(passphrase, salt)
	return constantTimeEqual(got, want)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ContentHash computes the per-file content hash used by the pack
// index and by delta comparison, via the teacher's own helper.
func ContentHash(data []byte) (string, error) {
	sum, err := tools.Sha256sum(data)
	if err != nil {
		return "", apperr.E("secrets.ContentHash", apperr.IOFault, err)
	}
	return sum, nil
}

// FilenameDigest returns the hex MD5 digest spec.md §6 mandates for
// pack/update-pack filenames. MD5 is used here purely for filename
// uniqueness, not for any security property, exactly as the original
// does with utils::md5.
func FilenameDigest(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		fmt.Fprint(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
