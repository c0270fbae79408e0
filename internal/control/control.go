package control

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// ErrAuthentication is returned when the remote host rejects the credentials.
var ErrAuthentication = errors.New("remote shell authentication failed")

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Exec runs a command in the persistent remote shell, streams its combined
	// output to output and returns the exit status. Shell state such as the
	// working directory and exported variables carries over between calls.
	Exec(command string, output io.Writer) (int, error)

	// Upload writes content to a file on the remote host, creating parent
	// directories as needed.
	Upload(remotePath string, content []byte, mode os.FileMode) error
}

// Credentials identify the login user on a provisioned host.
type Credentials struct {
	User       string
	Password   string
	PrivateKey string // PEM-encoded
	PublicKey  string // authorized_keys format
}

// Config defines configuration for creating controllers
type Config struct {
	Host         string
	Port         int // 22 when zero
	Credentials  Credentials
	DialTimeout  time.Duration
	InstanceName string
}

// NewController creates a new controller based on the config
func NewController(ctx context.Context, config Config) (Controller, error) {
	// For now, only SSH is supported
	return NewSSH(ctx, config)
}
