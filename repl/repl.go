// Package repl is an interactive console for poking a syncpad server:
// it runs a real synchronization session over HTTP and exposes the
// editing ops as commands.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/sanity-io/litter"

	"github.com/syncpad/syncpad"
	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/editor"
	"github.com/syncpad/syncpad/protocol"
	"github.com/syncpad/syncpad/utils"
)

var ErrNotOpen = errors.New("repl: no session open, use: open <url> <doc>")
var ErrBadCommand = errors.New("repl: bad command")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("begin"),
	readline.PcItem("caret"),
	readline.PcItem("end"),
	readline.PcItem("set"),
	readline.PcItem("del"),
	readline.PcItem("show"),
	readline.PcItem("list"),
	readline.PcItem("rev"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const help = `open <url> <doc>        attach to a document
close                   detach
begin <id> <author>     start a caret session
caret <id> <at> <len>   move a caret
end <id>                end a caret session
set <name> <value>      set a property
del <name>              delete a property
show [key]              dump the document (or one record)
list                    list keys
rev                     current revision
exit                    quit`

type REPL struct {
	log    utils.Logger
	fam    *delta.Family
	model  *editor.Model
	sess   *syncpad.Session
	cancel context.CancelFunc
}

func New(log utils.Logger) *REPL {
	return &REPL{log: log, fam: delta.Document()}
}

// Open attaches a session to a document and waits for the first
// snapshot to land.
func (r *REPL) Open(url, doc string) error {
	if r.sess != nil {
		return syncpad.ErrAlreadyOpen
	}
	client, err := protocol.NewClient(url, doc, r.log)
	if err != nil {
		return err
	}
	model := editor.NewModel()
	sess := syncpad.NewSession(doc, r.fam, client, model, syncpad.SessionConfig{Logger: r.log})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("session stopped", "doc", doc, "err", err)
		}
	}()
	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	if err := sess.WaitFor(wctx, syncpad.Idle); err != nil {
		cancel()
		return err
	}
	r.model, r.sess, r.cancel = model, sess, cancel
	return nil
}

func (r *REPL) Close() error {
	if r.sess == nil {
		return nil
	}
	r.cancel()
	err := r.model.Close()
	r.model, r.sess, r.cancel = nil, nil, nil
	return err
}

func (r *REPL) snap() (*delta.Snapshot, error) {
	if r.model == nil {
		return nil, ErrNotOpen
	}
	snap := r.model.Snapshot()
	if snap == nil {
		return nil, ErrNotOpen
	}
	return snap, nil
}

func parseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func (r *REPL) run(cmd string, args []string) (string, error) {
	if r.model == nil && cmd != "open" && cmd != "help" {
		return "", ErrNotOpen
	}
	switch cmd {
	case "help":
		return help, nil
	case "open":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: open <url> <doc>", ErrBadCommand)
		}
		return "attached", r.Open(args[0], args[1])
	case "close":
		return "detached", r.Close()
	case "begin":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: begin <id> <author>", ErrBadCommand)
		}
		return "", r.model.BeginSession(args[0], 0, 0, "plain", args[1])
	case "caret":
		if len(args) != 3 {
			return "", fmt.Errorf("%w: caret <id> <at> <len>", ErrBadCommand)
		}
		at, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		length, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		return "", r.model.MoveCaret(args[0], at, length)
	case "end":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: end <id>", ErrBadCommand)
		}
		return "", r.model.EndSession(args[0])
	case "set":
		if len(args) < 2 {
			return "", fmt.Errorf("%w: set <name> <value>", ErrBadCommand)
		}
		return "", r.model.SetProperty(args[0], parseValue(strings.Join(args[1:], " ")))
	case "del":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: del <name>", ErrBadCommand)
		}
		return "", r.model.DeleteProperty(args[0])
	case "show":
		snap, err := r.snap()
		if err != nil {
			return "", err
		}
		if len(args) == 1 {
			rec, ok := snap.Record(args[0])
			if !ok {
				return "", fmt.Errorf("no such key: %s", args[0])
			}
			return litter.Sdump(rec), nil
		}
		doc := make(map[string]map[string]any, snap.Len())
		for _, k := range snap.Keys() {
			rec, _ := snap.Record(k)
			doc[k] = rec
		}
		return litter.Sdump(doc), nil
	case "list":
		snap, err := r.snap()
		if err != nil {
			return "", err
		}
		return strings.Join(snap.Keys(), "\n"), nil
	case "rev":
		snap, err := r.snap()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", snap.Rev()), nil
	default:
		return "", fmt.Errorf("%w: %s, try help", ErrBadCommand, cmd)
	}
}

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// Run drives the console until exit or EOF.
func (r *REPL) Run() error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/syncpad_repl.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Split(line, " ")
		cmd := args[0]
		if cmd == "exit" || cmd == "quit" {
			break
		}
		out, err := r.run(cmd, args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
	return r.Close()
}
