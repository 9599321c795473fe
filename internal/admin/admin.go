// Package admin implements the administrative control channel
// (spec.md §4.8): a named pipe an operator's shell can write
// one-line commands into, grounded on the original's
// handle_read_from_fifo and its control_line command parser.
package admin

import (
	"bufio"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/n-r-w/addonsrv/internal/blacklist"
	"github.com/n-r-w/addonsrv/internal/catalogue"
	"github.com/n-r-w/addonsrv/internal/secrets"
	"github.com/n-r-w/lg"
)

// mkfifo creates the POSIX named pipe backing the channel.
func mkfifo(path string) error {
	return syscall.Mkfifo(path, 0600)
}

// ErrShutDown is returned by Run when "shut_down" is received on the
// channel, telling the caller to stop the whole server rather than
// just this loop.
var ErrShutDown = errors.New("admin: shut down requested")

// Channel is the admin FIFO and the server state it's allowed to touch.
type Channel struct {
	Log       lg.Logger
	Path      string
	Catalogue *catalogue.Store
	ReadOnly  *bool // shared with the dispatcher; admin toggles it in place

	// Blacklist is a pointer to the dispatcher's *blacklist.Blacklist
	// field; "reload blacklist" replaces it in place with a freshly
	// reloaded one read from BlacklistPath.
	Blacklist     **blacklist.Blacklist
	BlacklistPath string
	ReloadConfig  func() error

	// Mu, shared with the dispatcher, serializes admin commands against
	// in-flight request handling (spec.md §5): without it, "hide"/
	// "setpass"/"delete" could flip an AddonRecord's fields while a
	// concurrently-running request reads or writes the same record.
	Mu *sync.Mutex
}

// New constructs a Channel. Callers must call Open once before Run.
func New(log lg.Logger, path string, cat *catalogue.Store, readOnly *bool) *Channel {
	return &Channel{Log: log, Path: path, Catalogue: cat, ReadOnly: readOnly}
}

// Open creates the named pipe at Path if it doesn't already exist,
// matching the original's mkfifo call in load_config.
func Open(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return mkfifo(path)
}

// Run reads and executes commands from the FIFO until it's closed from
// the outside or a "shut_down" command arrives, in which case it
// returns ErrShutDown. The original reopens its async read after every
// command; this loop does the same by reopening the pipe whenever the
// writing end goes away (EOF), so a second administrator session can
// still reach it.
func (c *Channel) Run() error {
	if c.Path == "" {
		return nil
	}
	for {
		f, err := os.OpenFile(c.Path, os.O_RDONLY, os.ModeNamedPipe)
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if err := c.handleLine(sc.Text()); err != nil {
				f.Close()
				return err
			}
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return err
		}
	}
}

func (c *Channel) handleLine(line string) error {
	if c.Mu != nil {
		c.Mu.Lock()
		defer c.Mu.Unlock()
	}

	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "shut_down":
		c.Log.Info("admin: shut down requested")
		return ErrShutDown

	case "readonly":
		if len(rest) > 0 {
			*c.ReadOnly = parseBool(rest[0], true)
		}
		c.Log.Info("admin: read only mode: %v", *c.ReadOnly)

	case "flush":
		c.Log.Info("admin: flushing catalogue to disk")
		if err := c.Catalogue.Flush(); err != nil {
			c.Log.Err(err)
		}

	case "reload":
		c.reload(rest)

	case "delete":
		if len(rest) != 1 {
			c.Log.Error("admin: incorrect number of arguments for 'delete'")
			return nil
		}
		c.Log.Info("admin: deleting add-on %q requested from control channel", rest[0])
		if err := c.Catalogue.Delete(rest[0]); err != nil {
			c.Log.Err(err)
			return nil
		}
		if err := c.Catalogue.Flush(); err != nil {
			c.Log.Err(err)
		}

	case "hide", "unhide":
		c.setHidden(cmd, rest)

	case "setpass":
		c.setPass(rest)

	case "setattr":
		c.setAttr(rest)

	default:
		c.Log.Error("admin: unrecognized admin command: %s", line)
	}
	return nil
}

func (c *Channel) reload(args []string) {
	if len(args) > 0 {
		if args[0] != "blacklist" {
			c.Log.Error("admin: unrecognized admin reload argument: %s", args[0])
			return
		}
		c.Log.Info("admin: reloading blacklist...")
		if c.Blacklist == nil || c.BlacklistPath == "" {
			return
		}
		bl, err := blacklist.Load(c.BlacklistPath)
		if err != nil {
			c.Log.Err(err)
			return
		}
		*c.Blacklist = bl
		return
	}

	c.Log.Info("admin: reloading all configuration...")
	if c.ReloadConfig != nil {
		if err := c.ReloadConfig(); err != nil {
			c.Log.Err(err)
			return
		}
	}
	c.Log.Info("admin: reloaded configuration")
}

func (c *Channel) setHidden(cmd string, args []string) {
	if len(args) != 1 {
		c.Log.Error("admin: incorrect number of arguments for '%s'", cmd)
		return
	}
	id := args[0]
	rec, ok := c.Catalogue.Get(id)
	if !ok {
		c.Log.Error("admin: add-on %q not found, cannot %s", id, cmd)
		return
	}
	rec.Hidden = cmd == "hide"
	c.Catalogue.MarkDirty(id)
	if err := c.Catalogue.Flush(); err != nil {
		c.Log.Err(err)
		return
	}
	state := "unhidden"
	if rec.Hidden {
		state = "hidden"
	}
	c.Log.Info("admin: add-on %q is now %s", id, state)
}

func (c *Channel) setPass(args []string) {
	if len(args) != 2 {
		c.Log.Error("admin: incorrect number of arguments for 'setpass'")
		return
	}
	id, newpass := args[0], args[1]
	rec, ok := c.Catalogue.Get(id)
	if !ok {
		c.Log.Error("admin: add-on %q not found, cannot set passphrase", id)
		return
	}
	if newpass == "" {
		c.Log.Error("admin: add-on passphrases may not be empty")
		return
	}
	salt, hash, err := secrets.SetPassphrase(newpass)
	if err != nil {
		c.Log.Err(err)
		return
	}
	rec.PassSalt, rec.PassHash = salt, hash
	c.Catalogue.MarkDirty(id)
	if err := c.Catalogue.Flush(); err != nil {
		c.Log.Err(err)
		return
	}
	c.Log.Info("admin: new passphrase set for %q", id)
}

func (c *Channel) setAttr(args []string) {
	if len(args) != 3 {
		c.Log.Error("admin: incorrect number of arguments for 'setattr'")
		return
	}
	id, key, value := args[0], args[1], args[2]
	rec, ok := c.Catalogue.Get(id)
	if !ok {
		c.Log.Error("admin: add-on %q not found, cannot set attribute", id)
		return
	}
	switch {
	case key == "name" || key == "version":
		c.Log.Error("admin: setattr cannot be used to rename add-ons or change their version")
		return
	case key == "passphrase" || key == "passhash" || key == "passsalt":
		c.Log.Error("admin: setattr cannot be used to set auth data -- use setpass instead")
		return
	case !rec.HasAttr(key):
		c.Log.Error("admin: %q is not a recognized add-on attribute", key)
		return
	}
	rec.SetAttr(key, value)
	c.Catalogue.MarkDirty(id)
	if err := c.Catalogue.Flush(); err != nil {
		c.Log.Err(err)
		return
	}
	c.Log.Info("admin: set attribute on add-on %q: %s=%q", id, key, value)
}

// parseBool mirrors the original's utils::string_bool: recognized
// words map to their obvious truth value, anything else yields def.
func parseBool(s string, def bool) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "on", "1":
		return true
	case "no", "false", "off", "0":
		return false
	default:
		return def
	}
}
