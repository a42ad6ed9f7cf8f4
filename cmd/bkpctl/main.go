// Command bkpctl manages the backup versions of a file under a bkpfs
// mount: list, view, delete and restore, over the daemon's control
// socket.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/bkpfs/bkpfs/internal/config"
	"github.com/bkpfs/bkpfs/internal/control"
	"github.com/bkpfs/bkpfs/internal/engine"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

const usage = `usage: bkpctl [-s SOCKET] [-l] [-d ARG | -v ARG | -r ARG] FILE

  -l          list backup versions of FILE
  -d ARG      delete versions; ARG is "newest", "oldest" or "all"
  -v ARG      view a version; ARG is "newest", "oldest" or a number N
  -r ARG      restore a version; ARG is "newest" or a number N
  -s SOCKET   control socket path (default $BKPFS_SOCKET or ` + config.DefaultSocketPath + `)
  -h          show this help

Exactly one of -d, -v, -r may be given; -l may accompany any of them.
Version numbers count from the oldest retained version, starting at 1.`

func main() {
	var (
		listFlag    bool
		deleteArg   string
		viewArg     string
		restoreArg  string
		socketPath  string
		helpFlag    bool
	)

	flags := flag.NewFlagSet("bkpctl", flag.ContinueOnError)
	flags.BoolVarP(&listFlag, "list", "l", false, "")
	flags.StringVarP(&deleteArg, "delete", "d", "", "")
	flags.StringVarP(&viewArg, "view", "v", "", "")
	flags.StringVarP(&restoreArg, "restore", "r", "", "")
	flags.StringVarP(&socketPath, "socket", "s", "", "")
	flags.BoolVarP(&helpFlag, "help", "h", false, "")
	flags.Usage = func() { fmt.Fprintln(os.Stderr, usage) }

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	if helpFlag {
		fmt.Println(usage)
		return
	}

	actions := 0
	for _, set := range []bool{deleteArg != "", viewArg != "", restoreArg != ""} {
		if set {
			actions++
		}
	}
	if actions > 1 || (actions == 0 && !listFlag) || flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	file, err := filepath.Abs(flags.Arg(0))
	if err != nil {
		fail("resolve", err)
	}

	if socketPath == "" {
		socketPath = os.Getenv("BKPFS_SOCKET")
	}
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}

	client, err := control.Dial(socketPath)
	if err != nil {
		fail("connect", err)
	}
	defer client.Close()

	if listFlag {
		if err := list(client, file); err != nil {
			fail("list", err)
		}
	}
	switch {
	case deleteArg != "":
		sel, err := parseSelector(deleteArg, true, true)
		if err != nil {
			fail("delete", err)
		}
		if err := client.Delete(file, sel); err != nil {
			fail("delete", err)
		}
	case viewArg != "":
		sel, err := parseSelector(viewArg, false, true)
		if err != nil {
			fail("view", err)
		}
		if err := view(client, file, sel); err != nil {
			fail("view", err)
		}
	case restoreArg != "":
		sel, err := parseSelector(restoreArg, false, false)
		if err != nil {
			fail("restore", err)
		}
		if err := client.Restore(file, sel); err != nil {
			fail("restore", err)
		}
	}
}

// parseSelector maps the command-line spelling onto a selector.
func parseSelector(arg string, allowAll, allowOldest bool) (engine.Selector, error) {
	switch arg {
	case "newest":
		return engine.Newest(), nil
	case "oldest":
		if !allowOldest {
			break
		}
		return engine.Oldest(), nil
	case "all":
		if !allowAll {
			break
		}
		return engine.All(), nil
	default:
		if allowAll {
			// delete takes symbolic arguments only
			break
		}
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil || n == 0 {
			break
		}
		return engine.Nth(uint32(n)), nil
	}
	return engine.Selector{}, errors.New(errors.KindInvalidArgument, "", arg)
}

// list renders the retained window from the version count plus per-slot
// size queries; the server keeps no listing op.
func list(client *control.Client, file string) error {
	max, err := client.GetMaxVersions(file)
	if err != nil {
		return err
	}
	count, err := client.GetNumVersions(file)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d backup version(s), retention window %d\n",
		filepath.Base(file), count, max)
	for i := uint32(1); i <= count; i++ {
		size, err := client.GetSize(file, engine.Nth(i))
		if err != nil {
			return err
		}
		tag := ""
		if i == 1 {
			tag = " (oldest)"
		}
		if i == count {
			tag = " (newest)"
		}
		fmt.Printf("  #%d  %d bytes%s\n", i, size, tag)
	}
	return nil
}

// view streams the selected backup to stdout, one page per request, the
// final page sized exactly from the reported size.
func view(client *control.Client, file string, sel engine.Selector) error {
	size, err := client.GetSize(file, sel)
	if err != nil {
		return err
	}
	var offset uint64
	for offset < size {
		chunk := uint32(control.MaxViewChunk)
		if rest := size - offset; rest < uint64(chunk) {
			chunk = uint32(rest)
		}
		data, err := client.View(file, sel, offset, chunk)
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
		offset += uint64(chunk)
	}
	return nil
}

// fail prints the human-readable error class prefix and exits non-zero.
func fail(op string, err error) {
	fmt.Fprintf(os.Stderr, "bkpctl: %s: %s\n", op, errors.KindOf(err))
	os.Exit(1)
}
