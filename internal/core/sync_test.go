package core

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetctl/internal/hostid"
)

func TestMembershipFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tservers"), "w1\n")
	writeFile(t, filepath.Join(dir, "managers"), "m1\n")
	writeFile(t, filepath.Join(dir, "masters"), "m1\n")
	writeFile(t, filepath.Join(dir, "unrelated"), "x\n")

	files, err := MembershipFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "tservers"), files[filepath.Join(dir, "tservers")])
}

func TestConfSyncPush(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "tservers")
	writeFile(t, local, "w1\nw2\n")

	var mu sync.Mutex
	var pushed []string
	s := &ConfSync{
		Identity:    hostid.NewStatic("w1"),
		Parallelism: 2,
		push: func(ctx context.Context, host string, files, sums map[string]string) error {
			mu.Lock()
			pushed = append(pushed, host)
			mu.Unlock()
			assert.Len(t, sums[local], 64)
			if host == "w3" {
				return errors.New("permission denied")
			}
			return nil
		},
	}
	failures, err := s.Push(context.Background(), []string{"w1", "w2", "w2", "w3", "m1"}, map[string]string{local: local})
	require.NoError(t, err)
	sort.Strings(pushed)
	assert.Equal(t, []string{"m1", "w2", "w3"}, pushed)
	require.Len(t, failures, 1)
	assert.ErrorContains(t, failures["w3"], "permission denied")
}

func TestConfSyncMissingLocalFile(t *testing.T) {
	s := &ConfSync{push: func(context.Context, string, map[string]string, map[string]string) error { return nil }}
	_, err := s.Push(context.Background(), []string{"h1"}, map[string]string{"/does/not/exist": "/x"})
	assert.Error(t, err)
}

type fakeSession struct {
	out    string
	err    error
	closed bool
}

func (f *fakeSession) Output(cmd string) ([]byte, error) { return []byte(f.out), f.err }
func (f *fakeSession) Close() error                      { f.closed = true; return nil }

func TestVerifyRemote(t *testing.T) {
	sess := &fakeSession{out: "abc123  /opt/fleet/conf/tservers\n"}
	open := func() (*fakeSession, error) { return sess, nil }
	require.NoError(t, verifyRemote(open, "/opt/fleet/conf/tservers", "abc123"))
	assert.True(t, sess.closed)

	sess.out = "ffff  /opt/fleet/conf/tservers\n"
	assert.ErrorContains(t, verifyRemote(open, "/opt/fleet/conf/tservers", "abc123"), "checksum mismatch")

	sess.err = errors.New("sha256sum: not found")
	assert.Error(t, verifyRemote(open, "/opt/fleet/conf/tservers", "abc123"))
}

func TestQuotePath(t *testing.T) {
	assert.Equal(t, `'/a b/it'\''s'`, quotePath("/a b/it's"))
}
