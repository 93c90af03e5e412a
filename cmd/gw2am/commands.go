package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/gw2am"
	"github.com/loykin/gw2am/internal/config"
	"github.com/loykin/gw2am/pkg/client"
)

// daemon is the part of the API client the commands use.
type daemon interface {
	IsReachable(ctx context.Context) bool
	Status(ctx context.Context) ([]client.AccountStatus, error)
	Accounts(ctx context.Context) ([]client.Account, error)
	AddAccount(ctx context.Context, req client.AddAccountRequest) (client.Account, error)
	RemoveAccount(ctx context.Context, id string) error
	Launch(ctx context.Context, id string, async bool) (client.Result, error)
	Stop(ctx context.Context, id string) (client.Result, error)
	Processes(ctx context.Context) (client.Processes, error)
	Prune(ctx context.Context) ([]string, error)
}

var errAccountRequired = errors.New("account id is required (or use --all)")

type command struct {
	out io.Writer
	in  io.Reader
	// dial returns the daemon client; tests replace it.
	dial func(g GlobalFlags) (daemon, string, error)
}

func newCommand(out io.Writer, in io.Reader) command {
	return command{out: out, in: in, dial: dialDaemon}
}

// apiURL picks the daemon URL: the flag, then [server] from the config, then
// the built-in default.
func apiURL(g GlobalFlags) (string, error) {
	if g.APIUrl != "" {
		return strings.TrimRight(g.APIUrl, "/"), nil
	}
	if g.ConfigPath == "" {
		return client.DefaultConfig().BaseURL, nil
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return "http://" + cfg.Server.Listen + cfg.Server.BasePath, nil
}

func dialDaemon(g GlobalFlags) (daemon, string, error) {
	u, err := apiURL(g)
	if err != nil {
		return nil, "", err
	}
	return client.New(client.Config{BaseURL: u, Timeout: g.APITimeout}), u, nil
}

func (c command) connect(ctx context.Context, g GlobalFlags) (daemon, error) {
	d, u, err := c.dial(g)
	if err != nil {
		return nil, err
	}
	if !d.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'gw2am serve'", u)
	}
	return d, nil
}

func (c command) Launch(ctx context.Context, g GlobalFlags, f LaunchFlags) error {
	ids, d, err := c.targets(ctx, g, f.ID, f.All)
	if err != nil {
		return err
	}
	var failed []string
	for _, id := range ids {
		res, err := d.Launch(ctx, id, f.Async)
		if err != nil {
			return fmt.Errorf("launch %s: %w", id, err)
		}
		c.printResult(id, res)
		if !res.OK {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("launch failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func (c command) Stop(ctx context.Context, g GlobalFlags, f StopFlags) error {
	if !f.All && f.ID == "" {
		return errAccountRequired
	}
	d, err := c.connect(ctx, g)
	if err != nil {
		return err
	}
	ids := []string{f.ID}
	if f.All {
		if ids, err = runningIDs(ctx, d); err != nil {
			return err
		}
	}
	var failed []string
	for _, id := range ids {
		res, err := d.Stop(ctx, id)
		if err != nil {
			return fmt.Errorf("stop %s: %w", id, err)
		}
		c.printResult(id, res)
		if !res.OK {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("stop failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

// targets resolves one id or, with all, every stored account in id order.
func (c command) targets(ctx context.Context, g GlobalFlags, id string, all bool) ([]string, daemon, error) {
	if !all && id == "" {
		return nil, nil, errAccountRequired
	}
	d, err := c.connect(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	if !all {
		return []string{id}, d, nil
	}
	accts, err := d.Accounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(accts))
	for _, a := range accts {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids, d, nil
}

// runningIDs lists accounts with a bound client or a state other than idle
// or stopped.
func runningIDs(ctx context.Context, d daemon) ([]string, error) {
	sts, err := d.Status(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range sts {
		if s.PID > 0 || (s.State.Phase != "" && s.State.Phase != "idle" && s.State.Phase != "stopped") {
			ids = append(ids, s.Account.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c command) printResult(id string, res client.Result) {
	if res.State.Phase == "" {
		_, _ = fmt.Fprintf(c.out, "%s: accepted\n", id)
		return
	}
	line := fmt.Sprintf("%s: %s (%s)", id, res.State.Phase, res.State.Certainty)
	if res.State.Note != "" {
		line += " " + res.State.Note
	}
	_, _ = fmt.Fprintln(c.out, line)
}

func (c command) Status(ctx context.Context, g GlobalFlags, asJSON bool) error {
	d, err := c.connect(ctx, g)
	if err != nil {
		return err
	}
	sts, err := d.Status(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return c.printJSON(sts)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ACCOUNT\tPHASE\tCERTAINTY\tPID\tUPDATED\tNOTE")
	for _, s := range sts {
		phase, pid, updated := s.State.Phase, "-", "-"
		if phase == "" {
			phase = "idle"
		}
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		if !s.State.UpdatedAt.IsZero() {
			updated = s.State.UpdatedAt.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Account.ID, phase, s.State.Certainty, pid, updated, s.State.Note)
	}
	return tw.Flush()
}

func (c command) Processes(ctx context.Context, g GlobalFlags) error {
	d, err := c.connect(ctx, g)
	if err != nil {
		return err
	}
	p, err := d.Processes(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(p)
}

func (c command) Prune(ctx context.Context, g GlobalFlags) error {
	d, err := c.connect(ctx, g)
	if err != nil {
		return err
	}
	removed, err := d.Prune(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "pruned %d account(s)\n", len(removed))
	return nil
}

// Tag works offline: it prints the identity tag for each id.
func (c command) Tag(ids []string) error {
	for _, id := range ids {
		_, _ = fmt.Fprintf(c.out, "%s\t%s\n", id, gw2am.Tag(id))
	}
	return nil
}

func (c command) AccountAdd(ctx context.Context, g GlobalFlags, f AccountAddFlags) error {
	if f.ID == "" {
		return errors.New("account id is required")
	}
	req := client.AddAccountRequest{ID: f.ID, Name: f.Name, Email: f.Email, LaunchArgs: f.LaunchArgs}
	if f.PasswordStdin {
		pw, err := readLine(c.in)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		req.Password = pw
	}
	d, err := c.connect(ctx, g)
	if err != nil {
		return err
	}
	a, err := d.AddAccount(ctx, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "account %s saved\n", a.ID)
	return nil
}

func (c command) AccountList(ctx context.Context, g GlobalFlags) error {
	d, err := c.connect(ctx, g)
	if err != nil {
		return err
	}
	accts, err := d.Accounts(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(accts)
}

func (c command) AccountRemove(ctx context.Context, g GlobalFlags, id string) error {
	d, err := c.connect(ctx, g)
	if err != nil {
		return err
	}
	if err := d.RemoveAccount(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "account %s removed\n", id)
	return nil
}

func (c command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

func readLine(r io.Reader) (string, error) {
	if r == nil {
		return "", errors.New("no input")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
