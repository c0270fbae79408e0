package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"cloudimages/internal/logging"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 30 * time.Second

// SSH is a persistent remote shell plus an SFTP channel over one connection.
type SSH struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	session      *ssh.Session
	stdin        io.WriteCloser
	stdout       *bufio.Reader
	host         string
	user         string
	instanceName string
	marker       string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Debug("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH connects to the host and starts a bash process that lives as long
// as the connection.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	client, err := dial(ctx, config)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		safeClose("SSH client", client.Close)
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	s := &SSH{
		client:       client,
		sftpClient:   sftpClient,
		host:         config.Host,
		user:         config.Credentials.User,
		instanceName: config.InstanceName,
		marker:       "__cloudimages_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	if err := s.startShell(); err != nil {
		s.Close()
		return nil, err
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", s.user),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	return s, nil
}

func (s *SSH) startShell() error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		safeClose("SSH session", session.Close)
		return fmt.Errorf("failed to open shell stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		safeClose("SSH session", session.Close)
		return fmt.Errorf("failed to open shell stdout: %w", err)
	}
	if err := session.Start("/bin/bash --noprofile --norc"); err != nil {
		safeClose("SSH session", session.Close)
		return fmt.Errorf("failed to start remote shell: %w", err)
	}

	s.session = session
	return s.attach(stdin, stdout)
}

// attach makes the shell behind stdin and stdout the target of Exec.
func (s *SSH) attach(stdin io.WriteCloser, stdout io.Reader) error {
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)

	// stderr is interleaved into the single output stream
	if _, err := io.WriteString(s.stdin, "exec 2>&1\n"); err != nil {
		return fmt.Errorf("failed to configure remote shell: %w", err)
	}
	return nil
}

// commandScript wraps command for the persistent shell. The command runs
// with stdin closed so it cannot read the script that follows it. The
// wrapper must not touch /dev/null: provisioning recreates it.
func commandScript(command, marker string) string {
	return fmt.Sprintf("{ %s\n} 0<&-\nprintf '\\n%%s %%d\\n' '%s' \"$?\"\n", command, marker)
}

// Close closes the shell, SFTP and SSH connections
func (s *SSH) Close() error {
	if s.stdin != nil {
		safeClose("shell stdin", s.stdin.Close)
	}
	if s.session != nil {
		safeClose("SSH session", s.session.Close)
	}
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Exec runs command in the persistent shell and blocks until it reports an
// exit status.
func (s *SSH) Exec(command string, output io.Writer) (int, error) {
	if s.stdin == nil {
		return -1, fmt.Errorf("remote shell is not started")
	}
	if output == nil {
		output = io.Discard
	}

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	if _, err := io.WriteString(s.stdin, commandScript(command, s.marker)); err != nil {
		return -1, fmt.Errorf("failed to send command: %w", err)
	}

	var captured strings.Builder
	status, err := readUntilMarker(s.stdout, s.marker, io.MultiWriter(output, &captured))

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.String("output", escapeNewlines(logging.Tail(captured.String(), logging.MaxLogFieldLength))),
		zap.Int("exit_status", status),
		zap.Bool("success", err == nil && status == 0))

	return status, err
}

// readUntilMarker copies shell output to out until the marker line written
// after the command. The status printf starts with a newline so the marker is
// always on its own line; the line just before the marker is held back and
// dropped when it is that empty separator.
func readUntilMarker(r *bufio.Reader, marker string, out io.Writer) (int, error) {
	prefix := marker + " "
	var held string
	var holding bool

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if holding {
				io.WriteString(out, held)
			}
			io.WriteString(out, line)
			return -1, fmt.Errorf("remote shell closed before command finished: %w", err)
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, prefix) {
			if holding && held != "\n" {
				io.WriteString(out, held)
			}
			status, convErr := strconv.Atoi(strings.TrimSpace(trimmed[len(prefix):]))
			if convErr != nil {
				return -1, fmt.Errorf("failed to parse exit status %q: %w", trimmed, convErr)
			}
			return status, nil
		}

		if holding {
			io.WriteString(out, held)
		}
		held, holding = line, true
	}
}

// Upload writes content to remotePath over SFTP.
func (s *SSH) Upload(remotePath string, content []byte, mode os.FileMode) error {
	if err := s.sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", path.Dir(remotePath), err)
	}

	file, err := s.sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", file.Close)

	n, err := file.Write(content)
	if err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := file.Chmod(mode); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)
	}

	logging.Logger().Debug("Uploaded file using SFTP",
		zap.String("remote_path", remotePath),
		zap.String("host", s.host),
		zap.Int("size_bytes", n))
	return nil
}

// Probe verifies that the host accepts the credentials and can run a command.
func Probe(ctx context.Context, config Config) error {
	client, err := dial(ctx, config)
	if err != nil {
		return err
	}
	defer safeClose("SSH client", client.Close)

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	if err := session.Run("true"); err != nil {
		return fmt.Errorf("failed to run probe command: %w", err)
	}
	return nil
}

func dial(ctx context.Context, config Config) (*ssh.Client, error) {
	auth, err := authMethods(config.Credentials)
	if err != nil {
		return nil, err
	}

	timeout := config.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	port := config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(config.Host, strconv.Itoa(port))

	clientConfig := &ssh.ClientConfig{
		User: config.Credentials.User,
		Auth: auth,
		// Hosts are freshly booted with unknown host keys
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		safeClose("TCP connection", conn.Close)
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %s@%s: %v", ErrAuthentication, config.Credentials.User, addr, err)
		}
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if creds.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if creds.Password != "" {
		password := creds.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("either a private key or a password must be provided")
	}
	return methods, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
