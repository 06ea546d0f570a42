package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFiles uploads several local files over one SFTP session. files maps local to remote paths.
func PushFiles(ctx context.Context, client *xssh.Client, files map[string]string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	for localPath, remotePath := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := push(sf, localPath, remotePath); err != nil {
			return err
		}
	}
	return nil
}

func push(sf *sftp.Client, localPath, remotePath string) error {
	// Ensure remote directory exists
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", localPath, err)
	}
	return nil
}
