package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetctl/internal/core"
	"github.com/3cpo-dev/fleetctl/internal/dispatch"
	"github.com/3cpo-dev/fleetctl/internal/hostid"
	"github.com/3cpo-dev/fleetctl/internal/journal"
	"github.com/3cpo-dev/fleetctl/internal/metrics"
	gssh "github.com/3cpo-dev/fleetctl/internal/ssh"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// app is everything a lifecycle command needs, built from the config.
type app struct {
	cfg      *core.Config
	topo     *topology.Topology
	identity hostid.Identity
	remote   *gssh.Remote
	seq      *core.Sequencer
	cluster  *core.Cluster

	textfile string
	closers  []func() error
}

func loadConfig(cmd *cobra.Command) (*core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

func resolveIdentity(cmd *cobra.Command) hostid.Identity {
	if names, _ := cmd.Flags().GetStringSlice("local-names"); len(names) > 0 {
		return hostid.NewStatic(names...)
	}
	return hostid.NewResolver()
}

// newApp loads the config and the topology. A configuration error aborts
// before anything is dispatched.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	topo, err := topology.Load(cfg.Source())
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, topo: topo, identity: resolveIdentity(cmd)}
	rt.textfile, _ = cmd.Flags().GetString("metrics-textfile")

	rt.remote, err = rt.newRemote()
	if err != nil {
		rt.Close()
		return nil, err
	}
	d := &dispatch.Dispatcher{
		Local:          dispatch.ExecRunner{Script: cfg.Script()},
		Remote:         rt.remote,
		Identity:       rt.identity,
		WorkersPerHost: cfg.WorkersPerHost,
	}
	adm, err := cfg.AdminCommand()
	if err != nil {
		rt.Close()
		return nil, err
	}
	adminGrace, forcedGrace, workerGrace := cfg.Timings()
	rt.seq = &core.Sequencer{
		Topology:    topo,
		Dispatcher:  d,
		Admin:       adm,
		Purger:      adm,
		AdminGrace:  adminGrace,
		ForcedGrace: forcedGrace,
		WorkerGrace: workerGrace,
	}
	rt.cluster = core.NewCluster(rt.seq, func() (*journal.Store, error) {
		return journal.Open(cfg.Journal.Path)
	})
	d.Observe = rt.cluster.RecordDispatch
	return rt, nil
}

func (rt *app) newRemote() (*gssh.Remote, error) {
	c := rt.cfg
	r := &gssh.Remote{
		User:    c.SSH.User,
		Port:    c.SSH.Port,
		Timeout: time.Duration(c.SSH.ConnectTimeoutSeconds) * time.Second,
		Script:  c.Script(),

		CommandTimeout: time.Duration(c.SSH.CommandTimeoutSeconds) * time.Second,
	}
	if c.SSH.KeyPath != "" {
		signer, err := gssh.LoadPrivateKeySigner(c.SSH.KeyPath)
		if err != nil {
			return nil, err
		}
		r.Signer = signer
	} else if auth, closeAgent, err := gssh.AgentAuth(); err == nil {
		r.Auth = append(r.Auth, auth)
		rt.closers = append(rt.closers, closeAgent)
	} else {
		// Only remote dispatches fail; a single-host fleet still works.
		log.Debug().Err(err).Msg("no ssh key configured and no agent available")
	}
	policy := gssh.HostKeyPolicy{KnownHosts: c.SSH.KnownHosts, Insecure: c.SSH.InsecureIgnoreHostKey}
	kh, err := policy.Callback()
	if err != nil {
		return nil, err
	}
	r.KnownHosts = kh
	return r, nil
}

// report logs the outcome of a best-effort operation.
func (rt *app) report(op string, failed int) {
	if failed > 0 {
		log.Warn().Str("op", op).Int("failed", failed).Msg("some control commands failed; see the log above or `fleetctl history --failed`")
		return
	}
	log.Info().Str("op", op).Msg("done")
}

func (rt *app) Close() {
	if rt.cluster != nil {
		if err := rt.cluster.Close(); err != nil {
			log.Warn().Err(err).Msg("close journal")
		}
	}
	for _, c := range rt.closers {
		_ = c()
	}
	if rt.textfile != "" {
		if err := metrics.WriteTextfile(rt.textfile); err != nil {
			log.Warn().Err(err).Str("path", rt.textfile).Msg("metrics textfile")
		}
	}
}

// withApp runs fn against a freshly built app and releases it afterwards.
func withApp(op string, fn func(cmd *cobra.Command, rt *app) (int, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		failed, err := fn(cmd, rt)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rt.report(op, failed)
		return nil
	}
}
