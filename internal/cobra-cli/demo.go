package cobra

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/hashicorp/go-multierror"
	"github.com/kabukky/httpscerts"
	"github.com/urfave/cli/v2"

	"github.com/cobrabft/cobra/common/key"
	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/core"
	"github.com/cobrabft/cobra/internal/entropy"
	"github.com/cobrabft/cobra/internal/metrics"
	cnet "github.com/cobrabft/cobra/internal/net"
	"github.com/cobrabft/cobra/internal/state"
)

const (
	demoTimeout = 2 * time.Minute
	refreshID   = "demo-refresh"
	recoveryID  = "demo-recovery"
)

// demoReport is what the demo command prints.
type demoReport struct {
	Nodes      int
	F          int
	Scheme     string
	Secrets    int
	Recovered  int
	Designated int
	TLS        bool
	Unchanged  bool
	Took       string
}

func demoCmd(c *cli.Context, l log.Logger) error {
	kind, err := vss.ParseKind(c.String(schemeFlag.Name))
	if err != nil {
		return err
	}
	n, f, secrets := c.Int(nodesFlag.Name), c.Int(thresholdFlag.Name), c.Int(secretsFlag.Name)
	if secrets < 1 {
		return fmt.Errorf("at least one secret is needed, got %d", secrets)
	}
	if addr := c.String(metricsFlag.Name); addr != "" {
		if lis := metrics.Start(l, addr); lis != nil {
			defer lis.Close()
		}
	}

	var opts []core.ConfigOption
	if src := c.String(sourceFlag.Name); src != "" {
		reader, err := entropy.GetReaderFromSource(src, l)
		if err != nil {
			return err
		}
		defer reader.Close()
		opts = append(opts, core.WithRandomness(reader))
	}

	folder, err := os.MkdirTemp("", "cobra-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(folder)

	secure := c.Bool(demoTLSFlag.Name)
	if secure {
		conf, err := selfSignedConfig(l, folder)
		if err != nil {
			return fmt.Errorf("tls setup: %w", err)
		}
		opts = append(opts, core.WithTLSConfig(conf))
	}

	ctx, cancel := context.WithTimeout(c.Context, demoTimeout)
	defer cancel()
	start := time.Now()

	d, err := newDemo(ctx, l, folder, n, f, kind, secure, opts...)
	if err != nil {
		return err
	}
	defer d.close(l)

	if err := d.deal(secrets); err != nil {
		return err
	}
	if err := d.each(func(r *core.Replica) error { return r.Reshare(ctx, refreshID) }); err != nil {
		return fmt.Errorf("refreshing shares: %w", err)
	}
	if err := d.each(func(r *core.Replica) error {
		_, err := r.RecoveryRound(ctx, recoveryID)
		return err
	}); err != nil {
		return fmt.Errorf("creating the recovery polynomial: %w", err)
	}

	lost := d.replicas[len(d.replicas)-1]
	expected := lost.State().Shares()
	lost.SetState(nil)
	sol := &core.DirectSolicitor{Round: recoveryID, To: lost.Pid(), Replicas: make(map[int]*core.Replica)}
	for _, r := range d.replicas[:len(d.replicas)-1] {
		sol.Replicas[r.Pid()] = r
	}
	designated := d.replicas[0].Pid()
	recovered, err := lost.Recover(ctx, recoveryID, designated, sol)
	if err != nil {
		return fmt.Errorf("recovering replica %d: %w", lost.Pid(), err)
	}

	got := recovered.Shares()
	unchanged := len(got) == len(expected)
	for i := 0; unchanged && i < len(got); i++ {
		unchanged = got[i].Share.Share.V.Equal(expected[i].Share.Share.V)
	}
	report := &demoReport{
		Nodes:      n,
		F:          f,
		Scheme:     kind.String(),
		Secrets:    secrets,
		Recovered:  lost.Pid(),
		Designated: designated,
		TLS:        secure,
		Unchanged:  unchanged,
		Took:       time.Since(start).Round(time.Millisecond).String(),
	}
	if !unchanged {
		return fmt.Errorf("replica %d recovered shares that differ from the ones it lost", lost.Pid())
	}
	if c.Bool(jsonFlag.Name) {
		return printJSON(c, report)
	}
	fmt.Fprintf(c.App.Writer, "%d replicas (f=%d, %s commitments): refreshed %d secrets and recovered the state of replica %d in %s\n",
		report.Nodes, report.F, report.Scheme, report.Secrets, report.Recovered, report.Took)
	return nil
}

type demo struct {
	reg      *vss.Registry
	replicas []*core.Replica
}

func newDemo(ctx context.Context, l log.Logger, folder string, n, f int, kind vss.Kind, secure bool, opts ...core.ConfigOption) (*demo, error) {
	suite := crypto.NewSuite()
	pairs := make([]*key.Pair, n)
	nodes := make([]*key.Node, n)
	for i := range pairs {
		addr, err := freeAddress()
		if err != nil {
			return nil, err
		}
		pairs[i] = key.NewKeyPair(suite, addr)
		pairs[i].Public.TLS = secure
		nodes[i] = &key.Node{Identity: pairs[i].Public, Pid: i}
	}
	view, err := key.NewView(0, f, nodes)
	if err != nil {
		return nil, err
	}
	seed := view.Hash(suite)
	scheme, err := vss.NewScheme(kind, suite, f, seed)
	if err != nil {
		return nil, err
	}
	bus := core.NewLocalBus(scheme, l)

	d := &demo{}
	for i, p := range pairs {
		all := append([]core.ConfigOption{
			core.WithConfigFolder(path.Join(folder, fmt.Sprintf("replica-%d", i))),
			core.WithScheme(kind, seed),
			core.WithLogger(l),
			core.WithBus(bus),
		}, opts...)
		r, err := core.NewReplica(ctx, p, view, all...)
		if err != nil {
			d.close(l)
			return nil, err
		}
		d.replicas = append(d.replicas, r)
	}
	d.reg = d.replicas[0].Registry()
	return d, nil
}

// deal draws the given number of random secrets and hands every replica its
// state: one put request per secret in the log, the last secret in the
// snapshot.
func (d *demo) deal(secrets int) error {
	polys := make([]*share.PriPoly, secrets)
	commits := make([]vss.Commitment, secrets)
	for i := range polys {
		polys[i] = d.reg.NewPolynomial(nil, random.New())
		var err error
		if commits[i], err = d.reg.CommitTo(polys[i]); err != nil {
			return err
		}
	}
	for _, r := range d.replicas {
		pid := r.Pid()
		slot := func(i int) []*state.ConfidentialData {
			return []*state.ConfidentialData{{Share: &vss.VerifiableShare{
				Share:      d.reg.Evaluate(polys[i], pid),
				Commitment: commits[i],
				SharedData: []byte(fmt.Sprintf("secret-%d", i)),
			}}}
		}
		batch := &state.CommandsBatch{}
		for i := 0; i < secrets-1; i++ {
			batch.Commands = append(batch.Commands, &state.Request{
				Type:      state.Put,
				PlainData: []byte(fmt.Sprintf("key-%d", i)),
				Shares:    slot(i),
			})
		}
		st := &state.ApplicationState{
			LastCheckpointCID: 0,
			LastCID:           len(batch.Commands),
			Snapshot:          &state.Snapshot{PlainData: []byte("checkpoint"), Shares: slot(secrets - 1)},
		}
		if len(batch.Commands) > 0 {
			st.Batches = []*state.CommandsBatch{batch}
		}
		r.SetState(st)
	}
	return nil
}

// each runs fn on every replica concurrently, as the members of a view do.
func (d *demo) each(fn func(r *core.Replica) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, r := range d.replicas {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(r); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("replica %d: %w", r.Pid(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

func (d *demo) close(l log.Logger) {
	for _, r := range d.replicas {
		if err := r.Close(); err != nil {
			l.Warnw("closing replica", "pid", r.Pid(), "err", err)
		}
	}
}

// selfSignedConfig generates a certificate for the loopback address shared
// by all replicas of the demonstration. The returned configuration presents
// it as a server and trusts it as a client.
func selfSignedConfig(l log.Logger, folder string) (*tls.Config, error) {
	certPath := path.Join(folder, "server.pem")
	keyPath := path.Join(folder, "key.pem")
	if httpscerts.Check(certPath, keyPath) != nil {
		if err := httpscerts.Generate(certPath, keyPath, "127.0.0.1"); err != nil {
			return nil, err
		}
	}
	cm := cnet.NewCertManager(l)
	if err := cm.Add(certPath); err != nil {
		return nil, err
	}
	conf, err := cnet.ServerConfig(certPath, keyPath, nil)
	if err != nil {
		return nil, err
	}
	conf.RootCAs = cnet.ClientConfig(cm).RootCAs
	return conf, nil
}

func freeAddress() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer lis.Close()
	return lis.Addr().String(), nil
}
