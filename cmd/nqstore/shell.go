package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/storage_engine/engine"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/transaction"
)

const shellHelp = `Commands:
  BEGIN [isolation]          start a transaction (read_uncommitted, read_committed,
                             repeatable_read, serializable)
  COMMIT | ABORT             end the current transaction
  SAVEPOINT <name>           mark a savepoint
  ROLLBACK TO <name>         undo work after a savepoint
  RELEASE <name>             forget a savepoint
  PUT <key> <value>          insert a key
  UPSERT <key> <value>       insert or replace a key
  GET <key>                  print a value
  DEL <key>                  delete a key
  SCAN [low] [high] [limit]  print an inclusive range ("-" for an open bound)
  TXNS                       list active transactions
  STATS | CHECKPOINT         engine statistics, take a checkpoint
  HELP | EXIT`

// ShellCmd runs an interactive shell.
type ShellCmd struct {
	History string `help:"History file" default:"~/.nqstore_history"`
}

func (c *ShellCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		completer := readline.NewPrefixCompleter(
			readline.PcItem("BEGIN",
				readline.PcItem("read_uncommitted"),
				readline.PcItem("read_committed"),
				readline.PcItem("repeatable_read"),
				readline.PcItem("serializable"),
			),
			readline.PcItem("COMMIT"),
			readline.PcItem("ABORT"),
			readline.PcItem("SAVEPOINT"),
			readline.PcItem("ROLLBACK", readline.PcItem("TO")),
			readline.PcItem("RELEASE"),
			readline.PcItem("PUT"),
			readline.PcItem("UPSERT"),
			readline.PcItem("GET"),
			readline.PcItem("DEL"),
			readline.PcItem("SCAN"),
			readline.PcItem("TXNS"),
			readline.PcItem("STATS"),
			readline.PcItem("CHECKPOINT"),
			readline.PcItem("HELP"),
			readline.PcItem("EXIT"),
		)
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "nqstore> ",
			HistoryFile:     expandHome(c.History),
			AutoComplete:    completer,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return fmt.Errorf("starting shell: %w", err)
		}
		defer rl.Close()

		sh := newShell(eng, rl.Stdout())
		defer sh.abandon()
		fmt.Fprintln(sh.out, `nqstore shell. Type "HELP" for commands.`)
		for {
			rl.SetPrompt(sh.prompt())
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			quit, err := sh.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(sh.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	})
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// shell executes one line at a time. Without an open transaction every
// command autocommits.
type shell struct {
	eng *engine.Engine
	out io.Writer
	txn *transaction.Transaction
}

func newShell(eng *engine.Engine, out io.Writer) *shell {
	return &shell{eng: eng, out: out}
}

func (s *shell) prompt() string {
	if s.txn == nil {
		return "nqstore> "
	}
	return fmt.Sprintf("nqstore[%s]> ", s.txn.ID.String()[:8])
}

// abandon aborts a transaction left open when the shell exits.
func (s *shell) abandon() {
	if s.txn != nil {
		_ = s.eng.Abort(s.txn)
		s.txn = nil
	}
}

func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToUpper(fields[0]), fields[1:]
	switch cmd {
	case "EXIT", "QUIT":
		return true, nil
	case "HELP":
		fmt.Fprintln(s.out, shellHelp)
	case "BEGIN":
		return false, s.begin(args)
	case "COMMIT":
		if err := s.needTxn(); err != nil {
			return false, err
		}
		txn := s.txn
		s.txn = nil
		if err := s.eng.Commit(txn); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "COMMIT")
	case "ABORT", "ROLLBACK":
		if cmd == "ROLLBACK" && len(args) > 0 {
			if len(args) != 2 || !strings.EqualFold(args[0], "TO") {
				return false, errors.New("usage: ROLLBACK TO <name>")
			}
			if err := s.needTxn(); err != nil {
				return false, err
			}
			if err := s.eng.RollbackToSavepoint(s.txn, args[1]); err != nil {
				return false, err
			}
			fmt.Fprintln(s.out, "ROLLBACK TO", args[1])
			return false, nil
		}
		if err := s.needTxn(); err != nil {
			return false, err
		}
		txn := s.txn
		s.txn = nil
		if err := s.eng.Abort(txn); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "ABORT")
	case "SAVEPOINT", "RELEASE":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: %s <name>", cmd)
		}
		if err := s.needTxn(); err != nil {
			return false, err
		}
		var err error
		if cmd == "SAVEPOINT" {
			err = s.eng.Savepoint(s.txn, args[0])
		} else {
			err = s.eng.ReleaseSavepoint(s.txn, args[0])
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, cmd, args[0])
	case "PUT", "UPSERT":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: %s <key> <value>", cmd)
		}
		if cmd == "PUT" {
			if err := s.eng.Put(ctx, s.txn, []byte(args[0]), []byte(args[1])); err != nil {
				return false, err
			}
			fmt.Fprintln(s.out, "OK")
			return false, nil
		}
		inserted, err := s.eng.Upsert(ctx, s.txn, []byte(args[0]), []byte(args[1]))
		if err != nil {
			return false, err
		}
		if inserted {
			fmt.Fprintln(s.out, "OK (inserted)")
		} else {
			fmt.Fprintln(s.out, "OK (replaced)")
		}
	case "GET":
		if len(args) != 1 {
			return false, errors.New("usage: GET <key>")
		}
		v, found, err := s.eng.Get(ctx, s.txn, []byte(args[0]))
		if err != nil {
			return false, err
		}
		if !found {
			fmt.Fprintln(s.out, "(not found)")
			return false, nil
		}
		fmt.Fprintln(s.out, string(v))
	case "DEL":
		if len(args) != 1 {
			return false, errors.New("usage: DEL <key>")
		}
		if err := s.eng.Remove(ctx, s.txn, []byte(args[0])); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "OK")
	case "SCAN":
		return false, s.scan(ctx, args)
	case "TXNS":
		for _, info := range s.eng.ActiveTransactions() {
			fmt.Fprintf(s.out, "%s  %-10s %-16s undo=%d savepoints=%d started=%s\n",
				info.ID, info.State, info.Isolation, info.PendingUndo, info.Savepoints,
				info.StartedAt.Format("15:04:05"))
		}
	case "STATS":
		stats, err := s.eng.Stats()
		if err != nil {
			return false, err
		}
		printStats(s.out, stats)
	case "CHECKPOINT":
		lsn, err := s.eng.Checkpoint(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "checkpoint at LSN %d\n", lsn)
	default:
		return false, fmt.Errorf("unknown command %q (try HELP)", fields[0])
	}
	return false, nil
}

func (s *shell) needTxn() error {
	if s.txn == nil {
		return errors.New("no transaction in progress")
	}
	return nil
}

func (s *shell) begin(args []string) error {
	if s.txn != nil {
		return errors.New("transaction already in progress")
	}
	iso := s.eng.DefaultIsolation()
	if len(args) > 0 {
		var err error
		if iso, err = transaction.ParseIsolationLevel(strings.Join(args, "_")); err != nil {
			return err
		}
	}
	txn, err := s.eng.BeginTxn(iso)
	if err != nil {
		return err
	}
	s.txn = txn
	fmt.Fprintf(s.out, "BEGIN %s (%s)\n", txn.ID, iso)
	return nil
}

func (s *shell) scan(ctx context.Context, args []string) error {
	if len(args) > 3 {
		return errors.New("usage: SCAN [low] [high] [limit]")
	}
	var low, high []byte
	limit := 0
	if len(args) > 0 && args[0] != "-" {
		low = []byte(args[0])
	}
	if len(args) > 1 && args[1] != "-" {
		high = []byte(args[1])
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit %q", args[2])
		}
		limit = n
	}
	entries, err := s.eng.Scan(ctx, s.txn, low, high, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(s.out, "%s\t%s\n", e.Key, e.Value)
	}
	fmt.Fprintf(s.out, "(%d entries)\n", len(entries))
	return nil
}
