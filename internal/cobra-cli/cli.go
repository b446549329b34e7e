// Package cobra is the command line interface of a confidential replica: it
// manages the identity and view files of a replica and runs in-process
// demonstrations of polynomial creation and blinded state recovery.
package cobra

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/cobrabft/cobra/common"
	"github.com/cobrabft/cobra/common/key"
	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/internal/core"
)

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.buildDate=$(date -u +%d/%m/%Y@%H:%M:%S) -X main.gitCommit=$(git rev-parse HEAD)"
var (
	gitCommit = "none"
	buildDate = "unknown"
)

var setVersionPrinter sync.Once

var folderFlag = &cli.StringFlag{
	Name:    "folder",
	Value:   core.DefaultConfigFolder(),
	Usage:   "Folder to keep the identity and view of the replica, with absolute path.",
	EnvVars: []string{"COBRA_FOLDER"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"COBRA_VERBOSE"},
}

var jsonFlag = &cli.BoolFlag{
	Name:    "json",
	Usage:   "Set the output as json format",
	EnvVars: []string{"COBRA_JSON"},
}

var tlsFlag = &cli.BoolFlag{
	Name:  "tls",
	Usage: "Announce that the recovery channel of the replica runs over TLS.",
}

var demoTLSFlag = &cli.BoolFlag{
	Name:  "tls",
	Usage: "Run the recovery channels of the demonstration over TLS with a self signed certificate.",
}

var thresholdFlag = &cli.IntFlag{
	Name:    "f",
	Usage:   "Number of faulty replicas the view tolerates.",
	Value:   1,
	EnvVars: []string{"COBRA_F"},
}

var epochFlag = &cli.UintFlag{
	Name:  "epoch",
	Usage: "Epoch of the view.",
}

var schemeFlag = &cli.StringFlag{
	Name:    "scheme",
	Usage:   "Commitment scheme: linear (Feldman) or constant (Kate).",
	Value:   "linear",
	EnvVars: []string{"COBRA_SCHEME"},
}

var nodesFlag = &cli.IntFlag{
	Name:  "nodes",
	Usage: "Number of replicas of the demonstration.",
	Value: 4,
}

var secretsFlag = &cli.IntFlag{
	Name:  "secrets",
	Usage: "Number of secrets shared in the application state of the demonstration.",
	Value: 2,
}

var sourceFlag = &cli.StringFlag{
	Name:  "source",
	Usage: "Source of randomness polynomials are drawn from, crypto/rand when unset.",
}

var metricsFlag = &cli.StringFlag{
	Name:    "metrics",
	Usage:   "Launch a metrics server at the specified host:port.",
	EnvVars: []string{"COBRA_METRICS"},
}

var appCommands = []*cli.Command{
	{
		Name: "generate-keypair",
		Usage: "Generate the long-term encryption key pair of this replica. " +
			"Proposal points sent to the replica are encrypted to it.\n",
		ArgsUsage: "<address> is the host:port of the recovery channel of the replica",
		Flags:     toArray(folderFlag, tlsFlag, verboseFlag),
		Action: func(c *cli.Context) error {
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("generateKeyPairCmd")
			return keygenCmd(c, l)
		},
	},
	{
		Name:  "view",
		Usage: "Build and inspect the view of the replica group.",
		Subcommands: []*cli.Command{
			{
				Name:      "build",
				Usage:     "Build a view from public identity files, the n-th file getting pid n-1.",
				ArgsUsage: "<public.toml>... the identity files of the members",
				Flags:     toArray(folderFlag, thresholdFlag, epochFlag),
				Action:    viewBuildCmd,
			},
			{
				Name:   "show",
				Usage:  "Print the view of the replica.",
				Flags:  toArray(folderFlag, jsonFlag),
				Action: viewShowCmd,
			},
		},
	},
	{
		Name: "demo",
		Usage: "Run replicas in process: refresh the shares of a random application state, " +
			"create a recovery polynomial and recover the state of the last replica from the blinded state of the others.",
		Flags: toArray(nodesFlag, thresholdFlag, schemeFlag, secretsFlag, sourceFlag,
			demoTLSFlag, metricsFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("demoCmd")
			return demoCmd(c, l)
		},
	},
}

// CLI runs the cobra app
func CLI() *cli.App {
	version := common.GetAppVersion()

	app := cli.NewApp()
	app.Name = "cobra"

	setVersionPrinter.Do(func() {
		cli.VersionPrinter = func(c *cli.Context) {
			fmt.Fprintf(c.App.Writer, "cobra %s (date %v, commit %v)\n", version, buildDate, gitCommit)
		}
	})

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version.String()
	app.Usage = "confidential replicated state with distributed polynomials"
	// we need to copy the underlying commands to avoid races, cli sadly doesn't support concurrent executions well
	appComm := make([]*cli.Command, len(appCommands))
	for i, p := range appCommands {
		v := *p
		appComm[i] = &v
	}
	app.Commands = appComm
	verbFlag := *verboseFlag
	app.Flags = toArray(&verbFlag)
	return app
}

var validAddr = regexp.MustCompile(`:\d+$`)

func keygenCmd(c *cli.Context, l log.Logger) error {
	args := c.Args()
	if !args.Present() {
		return errors.New("missing replica address in argument. Abort")
	}
	if args.Len() > 1 {
		return fmt.Errorf("expecting only one argument, the address, but got:"+
			"\n\t%v\nAborting. Note that the flags need to go before the argument", args.Slice())
	}
	addr := args.First()
	if !validAddr.MatchString(addr) {
		return fmt.Errorf("invalid address %q: a port is required", addr)
	}

	suite := crypto.NewSuite()
	folder := c.String(folderFlag.Name)
	fileStore, err := key.NewFileStore(suite, folder)
	if err != nil {
		return fmt.Errorf("could not open key store: %w", err)
	}
	if _, err := fileStore.LoadKeyPair(); err == nil {
		fmt.Fprintf(c.App.Writer, "Keypair already present in `%s`.\nRemove them before generating new one\n", folder)
		return nil
	}

	priv := key.NewKeyPair(suite, addr)
	priv.Public.TLS = c.Bool(tlsFlag.Name)
	if err := fileStore.SaveKeyPair(priv); err != nil {
		return fmt.Errorf("could not save key: %w", err)
	}
	l.Debugw("key pair saved", "folder", folder, "tls", priv.Public.TLS)

	absPath, err := filepath.Abs(key.PublicKeyFile(folder))
	if err != nil {
		return fmt.Errorf("err getting full path: %w", err)
	}
	var buff bytes.Buffer
	if err := toml.NewEncoder(&buff).Encode(priv.Public.TOML()); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Generated keys at %s\n", absPath)
	fmt.Fprintf(c.App.Writer, "Public identity to share with the other replicas:\n%s", buff.String())
	return nil
}

func viewBuildCmd(c *cli.Context) error {
	args := c.Args()
	if !args.Present() {
		return errors.New("view build needs the identity files of the members")
	}
	suite := crypto.NewSuite()
	nodes := make([]*key.Node, 0, args.Len())
	for i, p := range args.Slice() {
		id, err := key.LoadIdentity(suite, p)
		if err != nil {
			return fmt.Errorf("loading identity %s: %w", p, err)
		}
		nodes = append(nodes, &key.Node{Identity: id, Pid: i})
	}
	view, err := key.NewView(uint32(c.Uint(epochFlag.Name)), c.Int(thresholdFlag.Name), nodes)
	if err != nil {
		return err
	}
	fileStore, err := key.NewFileStore(suite, c.String(folderFlag.Name))
	if err != nil {
		return err
	}
	if err := fileStore.SaveView(view); err != nil {
		return fmt.Errorf("could not save view: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "View of %d members tolerating f=%d saved, hash %x\n",
		view.Len(), view.F, view.Hash(suite))
	return nil
}

type nodeJSON struct {
	Pid     int
	Address string
	TLS     bool
	Key     []byte
}

type viewJSON struct {
	Epoch  uint32
	F      int
	Quorum int
	Suite  string
	Hash   []byte
	Nodes  []*nodeJSON
}

func viewShowCmd(c *cli.Context) error {
	suite := crypto.NewSuite()
	fileStore, err := key.NewFileStore(suite, c.String(folderFlag.Name))
	if err != nil {
		return err
	}
	view, err := fileStore.LoadView()
	if err != nil {
		return fmt.Errorf("could not load view: %w", err)
	}
	if !c.Bool(jsonFlag.Name) {
		fmt.Fprint(c.App.Writer, view.String())
		return nil
	}

	out := &viewJSON{
		Epoch:  view.Epoch,
		F:      view.F,
		Quorum: view.Quorum(),
		Suite:  view.Suite,
		Hash:   view.Hash(suite),
	}
	for _, n := range view.Nodes {
		buff, err := n.Key.MarshalBinary()
		if err != nil {
			return err
		}
		out.Nodes = append(out.Nodes, &nodeJSON{Pid: n.Pid, Address: n.Addr, TLS: n.TLS, Key: buff})
	}
	return printJSON(c, out)
}

func printJSON(c *cli.Context, v interface{}) error {
	buff, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("cannot marshal the response: %w", err)
	}
	fmt.Fprintln(c.App.Writer, string(buff))
	return nil
}

func isVerbose(c *cli.Context) bool {
	return c.IsSet(verboseFlag.Name)
}

func logLevel(c *cli.Context) int {
	if isVerbose(c) {
		return log.DebugLevel
	}

	return log.ErrorLevel
}

func logJSON(c *cli.Context) bool {
	return c.Bool(jsonFlag.Name)
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}
