// ddb provisions a DynamoDB table and the IAM policy granting item access
// to it.
//
// # Installation
//
//	go install github.com/acksell/immaterial/dynamodb/cmd/ddb@latest
//
// # Commands
//
//	ddb render    Print the declared resources without calling AWS
//	ddb plan      Show changes against the recorded state
//	ddb apply     Create or update the table and policy
//	ddb destroy   Delete the recorded table and policy
//	ddb outputs   Print table_name, table_arn and iam_policy_arn
//
// # Quick Start
//
// Create ddb.provision.yaml next to your project:
//
//	tableName: orders
//	tags:
//	  env: prod
//
// Then:
//
//	ddb plan
//	ddb apply
//
// Any value can be given as a flag instead:
//
//	ddb apply --table-name orders --tag env=prod
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/acksell/immaterial/dynamodb/ddbapply"
	"github.com/acksell/immaterial/dynamodb/ddbstate"
	"github.com/acksell/immaterial/dynamodb/internal/logger"
	"github.com/acksell/immaterial/dynamodb/provision"
	"github.com/alecthomas/kong"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// Globals are accepted by every command and override ddb.provision.yaml.
type Globals struct {
	Config    string            `name:"config" type:"path" help:"Path to config file (default: nearest ddb.provision.yaml)"`
	TableName string            `name:"table-name" help:"Name of the DynamoDB table"`
	Tags      map[string]string `name:"tag" help:"Resource tag as key=value (repeatable)"`
	Region    string            `name:"region" help:"AWS region"`
	StateDir  string            `name:"state-dir" type:"path" help:"State directory (default: .ddb/state next to the config file)"`
	Workspace string            `name:"workspace" help:"State workspace (default: default)"`
	LogLevel  string            `name:"log-level" help:"debug, info, warn or error"`
	Pretty    bool              `name:"pretty" help:"Human readable logs"`
}

type CLI struct {
	Globals

	Render  RenderCmd  `cmd:"" help:"Print the declared resources without calling AWS"`
	Plan    PlanCmd    `cmd:"" help:"Show changes against the recorded state"`
	Apply   ApplyCmd   `cmd:"" help:"Create or update the table and policy"`
	Destroy DestroyCmd `cmd:"" help:"Delete the recorded table and policy"`
	Outputs OutputsCmd `cmd:"" help:"Print the recorded outputs as JSON"`
	Version VersionCmd `cmd:"" help:"Print the version"`
}

type RenderCmd struct {
	Format string `name:"format" enum:"json,yaml" default:"json" help:"Output format (json or yaml)"`
}

type PlanCmd struct{}

type ApplyCmd struct {
	AllowReplace bool `name:"allow-replace" help:"Allow deleting the previous table and its items when the plan replaces it"`
}

type DestroyCmd struct{}

type OutputsCmd struct{}

type VersionCmd struct{}

type kongExitCode int

// stateStore is the subset of ddbstate.Store the commands use.
type stateStore interface {
	Get(ctx context.Context, workspace string) (ddbstate.Record, error)
	Put(ctx context.Context, r ddbstate.Record) (ddbstate.Record, error)
	Delete(ctx context.Context, workspace string) error
	Close() error
}

type commandDeps struct {
	newClients   func(ctx context.Context, region string) (ddbapply.Clients, error)
	openState    func(dir string, log zerolog.Logger) (stateStore, error)
	loadConfig   func(path, dir string) (FileConfig, string, error)
	workDir      func() (string, error)
	applyOptions []ddbapply.Option
	out          io.Writer
	errOut       io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], defaultDeps()))
}

func defaultDeps() commandDeps {
	return commandDeps{
		newClients: newAWSClients,
		openState:  openState,
		loadConfig: LoadConfig,
		workDir:    os.Getwd,
		out:        os.Stdout,
		errOut:     os.Stderr,
	}
}

func newAWSClients(ctx context.Context, region string) (ddbapply.Clients, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return ddbapply.Clients{}, fmt.Errorf("load aws config: %w", err)
	}
	return ddbapply.Clients{
		DynamoDB: dynamodb.NewFromConfig(cfg),
		IAM:      iam.NewFromConfig(cfg),
		STS:      sts.NewFromConfig(cfg),
	}, nil
}

func openState(dir string, log zerolog.Logger) (stateStore, error) {
	store, err := ddbstate.Open(ddbstate.Options{Path: dir, Logger: &log})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func run(args []string, deps commandDeps) (exitCode int) {
	if deps.out == nil {
		deps.out = os.Stdout
	}
	if deps.errOut == nil {
		deps.errOut = os.Stderr
	}
	errOut := deps.errOut

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("ddb"),
		kong.Description("Provision a DynamoDB table and its IAM access policy."),
		kong.Writers(deps.out, errOut),
		kong.Exit(func(code int) {
			panic(kongExitCode(code))
		}),
	)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: initialize command parser: %v\n", err)
		return 1
	}
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		code, ok := recovered.(kongExitCode)
		if !ok {
			panic(recovered)
		}
		exitCode = int(code)
	}()
	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		_, _ = fmt.Fprintln(errOut, "Hint: run `ddb --help`.")
		return 1
	}

	if kctx.Command() == "version" {
		_, _ = fmt.Fprintf(deps.out, "ddb version %s\n", version)
		return 0
	}

	s, err := resolveSettings(cli.Globals, deps)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	c := &command{
		deps:     deps,
		settings: s,
		log: logger.New(logger.Config{
			Level:  s.LogLevel,
			Pretty: s.Pretty,
			Output: errOut,
		}),
	}

	ctx := context.Background()
	switch kctx.Command() {
	case "render":
		err = c.render(cli.Render.Format)
	case "plan":
		err = c.plan(ctx)
	case "apply":
		err = c.apply(ctx, cli.Apply.AllowReplace)
	case "destroy":
		err = c.destroy(ctx)
	case "outputs":
		err = c.outputs(ctx)
	default:
		err = fmt.Errorf("unsupported command: %s", kctx.Command())
	}
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		if errors.Is(err, provision.ErrMissingTableName) {
			_, _ = fmt.Fprintf(errOut, "Hint: set tableName in %s or pass --table-name.\n", configFileName)
		}
		if errors.Is(err, ddbapply.ErrReplaceNotAllowed) {
			_, _ = fmt.Fprintln(errOut, "Hint: rerun with --allow-replace to delete the old table and its items.")
		}
		return 1
	}
	return 0
}

func resolveSettings(g Globals, deps commandDeps) (settings, error) {
	wd := ""
	if deps.workDir != nil {
		dir, err := deps.workDir()
		if err != nil {
			return settings{}, fmt.Errorf("working directory: %w", err)
		}
		wd = dir
	}
	load := deps.loadConfig
	if load == nil {
		load = LoadConfig
	}
	dir := wd
	if g.Config != "" {
		dir = ""
	}
	file, path, err := load(g.Config, dir)
	if err != nil {
		return settings{}, err
	}
	s := merge(file, g)
	base := wd
	if path != "" {
		base = filepath.Dir(path)
	}
	s.StateDir = resolveStateDir(s.StateDir, base)
	return s, nil
}

type command struct {
	deps     commandDeps
	settings settings
	log      zerolog.Logger
}

func (c *command) render(format string) error {
	decl, err := provision.Render(c.settings.Inputs)
	if err != nil {
		return err
	}
	var data []byte
	switch format {
	case "yaml":
		data, err = provision.EncodeYAML(decl.Manifest())
	default:
		data, err = provision.EncodeJSON(decl.Manifest())
	}
	if err != nil {
		return err
	}
	_, err = c.deps.out.Write(data)
	return err
}

// withState opens the state store for the duration of fn.
func (c *command) withState(fn func(stateStore) error) (err error) {
	store, err := c.deps.openState(c.settings.StateDir, logger.Component(c.log, "state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close state: %w", cerr)
		}
	}()
	return fn(store)
}

// previous returns the recorded state of the workspace, or nil if nothing
// has been applied.
func (c *command) previous(ctx context.Context, store stateStore) (*ddbstate.Record, error) {
	rec, err := store.Get(ctx, c.settings.Workspace)
	if errors.Is(err, ddbstate.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return &rec, nil
}

func (c *command) applier(ctx context.Context, extra ...ddbapply.Option) (*ddbapply.Applier, error) {
	clients, err := c.deps.newClients(ctx, c.settings.Region)
	if err != nil {
		return nil, err
	}
	opts := append([]ddbapply.Option{ddbapply.WithLogger(logger.Component(c.log, "apply"))}, extra...)
	opts = append(opts, c.deps.applyOptions...)
	return ddbapply.New(clients, opts...), nil
}

func (c *command) plan(ctx context.Context) error {
	decl, err := provision.Render(c.settings.Inputs)
	if err != nil {
		return err
	}
	return c.withState(func(store stateStore) error {
		prev, err := c.previous(ctx, store)
		if err != nil {
			return err
		}
		p := ddbapply.NewPlan(decl, prev)
		_, _ = fmt.Fprint(c.deps.out, p.String())
		if !p.HasChanges() {
			_, _ = fmt.Fprintln(c.deps.out, "No changes. Apply still corrects drift in AWS.")
		}
		if p.Replaces() && prev != nil {
			_, _ = fmt.Fprintln(c.deps.out, "Replacing deletes the old table and its items; apply needs --allow-replace.")
		}
		return nil
	})
}

func (c *command) apply(ctx context.Context, allowReplace bool) error {
	decl, err := provision.Render(c.settings.Inputs)
	if err != nil {
		return err
	}
	return c.withState(func(store stateStore) error {
		prev, err := c.previous(ctx, store)
		if err != nil {
			return err
		}
		p := ddbapply.NewPlan(decl, prev)
		_, _ = fmt.Fprint(c.deps.out, p.String())

		applier, err := c.applier(ctx, ddbapply.WithAllowReplace(allowReplace))
		if err != nil {
			return err
		}
		out, err := applier.Apply(ctx, p)
		if err != nil {
			return err
		}
		rec, err := store.Put(ctx, ddbstate.Record{
			Workspace: c.settings.Workspace,
			Inputs:    decl.Inputs,
			Outputs:   out,
		})
		if err != nil {
			return fmt.Errorf("record state: %w", err)
		}
		c.log.Info().Str("run_id", rec.RunID).Str("workspace", rec.Workspace).Msg("state recorded")
		return writeJSON(c.deps.out, out)
	})
}

func (c *command) destroy(ctx context.Context) error {
	return c.withState(func(store stateStore) error {
		prev, err := c.previous(ctx, store)
		if err != nil {
			return err
		}
		if prev == nil {
			_, _ = fmt.Fprintf(c.deps.out, "Nothing to destroy in workspace %q.\n", c.settings.Workspace)
			return nil
		}
		_, _ = fmt.Fprint(c.deps.out, ddbapply.NewDestroyPlan(*prev).String())

		applier, err := c.applier(ctx)
		if err != nil {
			return err
		}
		if err := applier.Destroy(ctx, prev.Outputs); err != nil {
			return err
		}
		if err := store.Delete(ctx, c.settings.Workspace); err != nil {
			return fmt.Errorf("remove state: %w", err)
		}
		return nil
	})
}

func (c *command) outputs(ctx context.Context) error {
	return c.withState(func(store stateStore) error {
		prev, err := c.previous(ctx, store)
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("no outputs recorded in workspace %q: %w", c.settings.Workspace, ddbstate.ErrNotFound)
		}
		return writeJSON(c.deps.out, prev.Outputs)
	})
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
