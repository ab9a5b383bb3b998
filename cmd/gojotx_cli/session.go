package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/agent"
	"github.com/sushant-115/gojotx/core/state"
	"github.com/sushant-115/gojotx/core/transaction"
)

var errNoOpenTransaction = errors.New("no open transaction; use 'begin' first")

// resourceSource loads committed resources so actors created by the shell
// start at the manager's current version and can resync from it later.
type resourceSource interface {
	state.Source
}

// session is the state of one shell: the hosted actors and the transaction
// currently open, if any.
type session struct {
	ctx       context.Context
	agent     *agent.Agent
	resources resourceSource
	logger    *zap.Logger
	out       io.Writer

	cells   map[transaction.ResourceRef]*state.TransactionalState[string]
	current *transaction.Info
	last    *transaction.Info
}

func newSession(ctx context.Context, a *agent.Agent, resources resourceSource, logger *zap.Logger, out io.Writer) *session {
	return &session{
		ctx:       ctx,
		agent:     a,
		resources: resources,
		logger:    logger,
		out:       out,
		cells:     make(map[transaction.ResourceRef]*state.TransactionalState[string]),
	}
}

func (s *session) prompt() string {
	if s.current == nil {
		return "gojotx> "
	}
	mode := "rw"
	if s.current.ReadOnly() {
		mode = "ro"
	}
	if s.current.Expired(time.Now()) {
		mode += " expired"
	}
	return fmt.Sprintf("gojotx[%d %s]> ", s.current.ID(), mode)
}

// exec runs one command line and reports whether the shell should exit.
func (s *session) exec(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	var err error
	switch strings.ToLower(args[0]) {
	case "begin":
		err = s.begin(args[1:])
	case "read", "get":
		err = s.read(args[1:])
	case "write", "put":
		err = s.write(args[1:])
	case "commit":
		err = s.resolve(false)
	case "abort":
		err = s.resolve(true)
	case "show":
		err = s.show(args[1:])
	case "status":
		s.status()
	case "help":
		s.help()
	case "exit", "quit":
		return true
	default:
		err = fmt.Errorf("unknown command %q; type 'help'", args[0])
	}
	if err != nil {
		fmt.Fprintf(s.out, "ERROR: %v\n", err)
	}
	return false
}

// begin [ro] [timeout]
func (s *session) begin(args []string) error {
	if s.current != nil {
		return fmt.Errorf("transaction %d is still open; commit or abort it first", s.current.ID())
	}
	readOnly := false
	var timeout time.Duration
	for _, arg := range args {
		if strings.EqualFold(arg, "ro") {
			readOnly = true
			continue
		}
		d, err := time.ParseDuration(arg)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", arg, err)
		}
		timeout = d
	}
	info, err := s.agent.StartTransaction(s.ctx, readOnly, timeout)
	if err != nil {
		return err
	}
	s.current = info
	fmt.Fprintf(s.out, "Started transaction %d (deadline %s)\n", info.ID(), info.Deadline().Format(time.RFC3339))
	return nil
}

func (s *session) read(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: read <ref>")
	}
	if s.current == nil {
		return errNoOpenTransaction
	}
	cell, err := s.cell(transaction.ResourceRef(args[0]))
	if err != nil {
		return err
	}
	v, err := cell.Read(transaction.WithTransaction(s.ctx, s.current))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s = %q\n", args[0], v)
	return nil
}

func (s *session) write(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: write <ref> <value>")
	}
	if s.current == nil {
		return errNoOpenTransaction
	}
	cell, err := s.cell(transaction.ResourceRef(args[0]))
	if err != nil {
		return err
	}
	value := strings.Join(args[1:], " ")
	if err := cell.Write(transaction.WithTransaction(s.ctx, s.current), value); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Buffered %s = %q\n", args[0], value)
	return nil
}

func (s *session) resolve(abort bool) error {
	if s.current == nil {
		return errNoOpenTransaction
	}
	info := s.current
	s.current = nil
	s.last = info
	out, err := s.agent.ResolveTransaction(s.ctx, info, abort)
	if err != nil {
		if info.Status() == transaction.StatusResolving {
			s.resync(info.Participants())
		}
		return fmt.Errorf("transaction %d outcome unknown: %w", info.ID(), err)
	}
	fmt.Fprintln(s.out, out.String())
	return nil
}

// resync reloads the given actors from the manager after a lost outcome.
func (s *session) resync(refs []transaction.ResourceRef) {
	for _, ref := range refs {
		c, ok := s.cells[ref]
		if !ok {
			continue
		}
		if err := c.Resync(s.ctx); err != nil {
			s.logger.Warn("Failed to resync actor", zap.String("resource", string(ref)), zap.Error(err))
		}
	}
}

// status prints the open transaction, or the outcome of the last one.
func (s *session) status() {
	switch {
	case s.current != nil:
		fmt.Fprintf(s.out, "txn %d %s, participants %v\n", s.current.ID(), s.current.Status(), s.current.Participants())
	case s.last != nil:
		if out, ok := s.last.Outcome(); ok {
			fmt.Fprintln(s.out, out.String())
		} else {
			fmt.Fprintf(s.out, "txn %d %s\n", s.last.ID(), s.last.Status())
		}
	default:
		fmt.Fprintln(s.out, "No transaction yet")
	}
}

// show prints committed state without a transaction. With no argument it
// lists every hosted actor.
func (s *session) show(args []string) error {
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tVERSION\tVALUE\tPENDING")
	if len(args) == 0 {
		for ref, cell := range s.cells {
			snap := cell.Snapshot()
			fmt.Fprintf(w, "%s\t%d\t%q\t%d\n", ref, snap.Version, snap.Value, cell.Pending())
		}
		return w.Flush()
	}
	for _, arg := range args {
		cell, err := s.cell(transaction.ResourceRef(arg))
		if err != nil {
			return err
		}
		snap := cell.Snapshot()
		fmt.Fprintf(w, "%s\t%d\t%q\t%d\n", arg, snap.Version, snap.Value, cell.Pending())
	}
	return w.Flush()
}

func (s *session) help() {
	fmt.Fprint(s.out, `Commands:
  begin [ro] [timeout]   start a transaction, e.g. "begin ro 5s"
  read <ref>             read a resource in the open transaction
  write <ref> <value>    buffer a write in the open transaction
  commit                 commit the open transaction
  abort                  abort the open transaction
  show [ref...]          print committed values and versions
  status                 print the open or last transaction
  help                   this text
  exit                   leave the shell
`)
}

// cell returns the actor hosting ref, creating it from the manager's
// committed copy the first time it is used.
func (s *session) cell(ref transaction.ResourceRef) (*state.TransactionalState[string], error) {
	if c, ok := s.cells[ref]; ok {
		return c, nil
	}
	var initial string
	r, found, err := s.resources.Resource(s.ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	if found {
		if initial, err = (state.JSONCodec[string]{}).Decode(r.Value); err != nil {
			// Written by something other than this shell; show the raw bytes.
			initial = string(r.Value)
		}
	}
	c, err := state.New(s.agent, ref, initial,
		state.WithVersion[string](r.Version),
		state.WithLogger[string](s.logger),
		state.WithSource[string](s.resources),
	)
	if err != nil {
		return nil, err
	}
	s.cells[ref] = c
	return c, nil
}

// close aborts a transaction left open when the shell exits.
func (s *session) close() {
	if s.current == nil {
		return
	}
	if _, err := s.agent.ResolveTransaction(s.ctx, s.current, true); err != nil {
		s.logger.Warn("Failed to abort open transaction on exit", zap.Error(err))
	}
	s.current = nil
}
