package contextroot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// RemoteSpec names a build context on another host, reachable over SSH.
type RemoteSpec struct {
	Host       string
	Port       int
	User       string
	PrivateKey string
	Password   string
	// Path is the context root directory on the remote host.
	Path string
}

// FetchRemote copies the remote context tree into destDir over SFTP. The
// copy happens before the build starts, so build steps only ever see a
// local context.
func FetchRemote(ctx context.Context, spec RemoteSpec, destDir string) error {
	if spec.Host == "" || spec.Path == "" {
		return fmt.Errorf("remote context requires host and path")
	}
	port := spec.Port
	if port == 0 {
		port = 22
	}

	authMethods, err := buildAuthMethods(spec)
	if err != nil {
		return err
	}
	config := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", spec.Host, port), config)
	if err != nil {
		return fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	root := strings.TrimSuffix(spec.Path, "/")
	walker := sftpClient.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := walker.Err(); err != nil {
			return fmt.Errorf("walk remote context: %w", err)
		}
		remotePath := walker.Path()
		rel := strings.TrimPrefix(strings.TrimPrefix(remotePath, root), "/")
		local := filepath.Join(destDir, filepath.FromSlash(rel))

		info := walker.Stat()
		if info.IsDir() {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", local, err)
			}
			continue
		}
		if err := fetchFile(sftpClient, remotePath, local, info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func fetchFile(client *sftp.Client, remotePath, localPath string, perm os.FileMode) error {
	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy remote %s: %w", remotePath, err)
	}
	return nil
}

func buildAuthMethods(spec RemoteSpec) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(spec.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(spec.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("remote context requires a private key or password")
	}
	return methods, nil
}
