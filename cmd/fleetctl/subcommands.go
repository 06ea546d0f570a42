package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetctl/internal/core"
	"github.com/3cpo-dev/fleetctl/internal/hostid"
	"github.com/3cpo-dev/fleetctl/internal/journal"
	gssh "github.com/3cpo-dev/fleetctl/internal/ssh"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// Start every role
func newStartAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start workers, coordinators, garbage collectors, the monitor and tracers",
		RunE: withApp("start-all", func(cmd *cobra.Command, a *app) (int, error) {
			return a.cluster.Start(cmd.Context())
		}),
	}
}

// Stop every role with escalation
func newStopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop the cluster gracefully, then force any server that is still running",
		RunE: withApp("stop-all", func(cmd *cobra.Command, a *app) (int, error) {
			return a.cluster.Stop(cmd.Context())
		}),
	}
}

// Kill every role
func newKillAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "Kill every server without a grace period",
		RunE: withApp("kill-all", func(cmd *cobra.Command, a *app) (int, error) {
			return a.seq.KillAll(cmd.Context()), nil
		}),
	}
}

func newStartWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-workers",
		Short: "Start every worker, launching in batches",
		RunE: withApp("start-workers", func(cmd *cobra.Command, a *app) (int, error) {
			return a.seq.StartWorkers(cmd.Context()), nil
		}),
	}
}

func newStopWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-workers",
		Short: "Stop every worker, then kill the ones still running",
		RunE: withApp("stop-workers", func(cmd *cobra.Command, a *app) (int, error) {
			return a.seq.StopWorkers(cmd.Context()), nil
		}),
	}
}

func newStartHereCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-here",
		Short: "Start the servers this machine is listed for",
		RunE: withApp("start-here", func(cmd *cobra.Command, a *app) (int, error) {
			return a.seq.StartHere(cmd.Context()), nil
		}),
	}
}

func newStopHereCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-here",
		Short: "Stop the servers this machine is listed for",
		RunE: withApp("stop-here", func(cmd *cobra.Command, a *app) (int, error) {
			return a.seq.StopHere(cmd.Context()), nil
		}),
	}
}

// Validate the topology without dispatching anything
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Resolve the host lists and show which entries name this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			res, err := topology.Resolve(cfg.Source())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			for _, wb := range res.WriteBacks {
				fmt.Fprintf(out, "would write %s: %s\n", wb.File, strings.Join(wb.Hosts, " "))
			}
			id := resolveIdentity(cmd)
			if r, ok := id.(*hostid.Resolver); ok {
				fmt.Fprintf(out, "this machine: %s\n", strings.Join(r.Names(), " "))
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tHOST\tLOCAL")
			for _, r := range topology.Roles {
				for _, h := range res.Topology.Hosts(r) {
					fmt.Fprintf(tw, "%s\t%s\t%t\n", r, h, id.IsLocal(h))
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "workers per host: %d\n", cfg.WorkersPerHost)
			return nil
		},
	}
}

// Push the host lists to every host
func newSyncConfCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-conf",
		Short: "Copy the host list files to every host in the fleet over SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			parallel, _ := cmd.Flags().GetInt("parallel")
			files, err := core.MembershipFiles(a.cfg.ConfDir)
			if err != nil {
				return err
			}
			s := &core.ConfSync{Remote: a.remote, Identity: a.identity, Parallelism: parallel}
			failures, err := s.Push(cmd.Context(), a.topo.All(), files)
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				hosts := make([]string, 0, len(failures))
				for h := range failures {
					hosts = append(hosts, h)
				}
				sort.Strings(hosts)
				return fmt.Errorf("sync-conf failed on %d hosts: %s", len(hosts), strings.Join(hosts, ", "))
			}
			log.Info().Int("files", len(files)).Msg("host lists synced")
			return nil
		},
	}
	cmd.Flags().Int("parallel", 16, "hosts to copy to concurrently")
	return cmd
}

// Show recent transitions and dispatches
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded lifecycle transitions and control command outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			failedOnly, _ := cmd.Flags().GetBool("failed")
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if !failedOnly {
				trs, err := j.RecentTransitions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "TIME\tOP\tFROM\tTO\tERROR")
				for _, t := range trs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.At.Local().Format(time.RFC3339), t.Op, t.From, t.To, t.Error)
				}
				fmt.Fprintln(tw)
			}
			ds, err := j.RecentDispatches(cmd.Context(), limit, failedOnly)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "TIME\tCOMMAND\tROLE\tHOST\tINSTANCE\tTARGET\tDURATION\tERROR")
			for _, d := range ds {
				inst := "-"
				if d.Instance > 0 {
					inst = fmt.Sprint(d.Instance)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					d.At.Local().Format(time.RFC3339), d.Command, d.Role, d.Host, inst, d.Target, d.Duration, d.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "rows to show")
	cmd.Flags().Bool("failed", false, "only show failed dispatches")
	return cmd
}

// Initialize the ssh key and known_hosts file
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the ssh key and known_hosts file fleetctl uses. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			keyPath := cfg.SSH.KeyPath
			if keyPath == "" {
				home, _ := os.UserHomeDir()
				keyPath = filepath.Join(home, ".ssh", "fleetctl_ed25519")
			}
			if _, err := os.Stat(keyPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "key %s already exists\n", keyPath)
				return nil
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
				return fmt.Errorf("mkdir key dir: %w", err)
			}
			pub, err := gssh.GenerateEd25519Keypair(keyPath)
			if err != nil {
				return err
			}
			if err := os.WriteFile(keyPath+".pub", []byte(pub), 0644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nadd this line to authorized_keys on every host and set ssh.key_path:\n%s", keyPath, pub)
			return nil
		},
	}
}
