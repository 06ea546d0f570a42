package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetctl/internal/hostid"
	gssh "github.com/3cpo-dev/fleetctl/internal/ssh"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// ConfSync pushes the membership files to every fleet host so that start-here
// and stop-here resolve the same topology everywhere.
type ConfSync struct {
	Remote      *gssh.Remote
	Identity    hostid.Identity
	Parallelism int

	// push is swapped in tests.
	push func(ctx context.Context, host string, files map[string]string, sums map[string]string) error
}

// MembershipFiles returns the membership files present in dir, mapped to the
// same path on the remote side.
func MembershipFiles(dir string) (map[string]string, error) {
	files := map[string]string{}
	for _, r := range topology.Roles {
		for _, name := range []string{r.File(), r.LegacyFile()} {
			if name == "" {
				continue
			}
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				files[p] = p
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("stat %s: %w", p, err)
			}
		}
	}
	return files, nil
}

// Push copies files to every non-local host concurrently and verifies each copy
// by checksum. It returns the per-host failures; the error is reserved for
// problems with the local files.
func (s *ConfSync) Push(ctx context.Context, hosts []string, files map[string]string) (map[string]error, error) {
	sums := map[string]string{}
	for local := range files {
		sum, err := checksum(local)
		if err != nil {
			return nil, fmt.Errorf("calculate local checksum: %w", err)
		}
		sums[local] = sum
	}
	push := s.push
	if push == nil {
		push = s.pushHost
	}
	limit := s.Parallelism
	if limit <= 0 {
		limit = 16
	}

	var (
		mu       sync.Mutex
		failures = map[string]error{}
		wg       sync.WaitGroup
		sem      = make(chan struct{}, limit)
	)
	for _, h := range dedupe(hosts) {
		if s.Identity != nil && s.Identity.IsLocal(h) {
			log.Debug().Str("host", h).Msg("skip local host")
			continue
		}
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := push(ctx, host, files, sums); err != nil {
				log.Warn().Err(err).Str("host", host).Msg("sync membership files failed")
				mu.Lock()
				failures[host] = err
				mu.Unlock()
				return
			}
			log.Debug().Str("host", host).Int("files", len(files)).Msg("membership files synced")
		}(h)
	}
	wg.Wait()
	return failures, nil
}

func (s *ConfSync) pushHost(ctx context.Context, host string, files map[string]string, sums map[string]string) error {
	cli, err := gssh.Dial(ctx, s.Remote.Client(host))
	if err != nil {
		return err
	}
	defer cli.Close()
	if err := gssh.PushFiles(ctx, cli, files); err != nil {
		return err
	}
	for local, remote := range files {
		if err := verifyRemote(cli.NewSession, remote, sums[local]); err != nil {
			return fmt.Errorf("verify %s: %w", remote, err)
		}
	}
	return nil
}

type session interface {
	Output(cmd string) ([]byte, error)
	Close() error
}

func verifyRemote[S session](newSession func() (S, error), remotePath, want string) error {
	sess, err := newSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer sess.Close()
	out, err := sess.Output("sha256sum " + quotePath(remotePath))
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 || fields[0] != want {
		got := ""
		if len(fields) > 0 {
			got = fields[0]
		}
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func quotePath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

func dedupe(hosts []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range hosts {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
