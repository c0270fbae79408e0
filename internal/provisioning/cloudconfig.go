package provisioning

import (
	"fmt"

	"cloudimages/internal/control"

	"gopkg.in/yaml.v3"
)

// CloudConfig is the subset of cloud-config user-data used to prepare the
// login user of a provisioning VM.
type CloudConfig struct {
	Hostname  string            `yaml:"hostname,omitempty"`
	SSHPwAuth bool              `yaml:"ssh_pwauth"`
	Chpasswd  *Chpasswd         `yaml:"chpasswd,omitempty"`
	Users     []CloudConfigUser `yaml:"users"`
}

// Chpasswd sets plain text passwords; list entries are "user:password".
type Chpasswd struct {
	Expire bool   `yaml:"expire"`
	List   string `yaml:"list"`
}

type CloudConfigUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// GenerateCloudConfig renders user-data that creates the login user with
// passwordless sudo, the one-time password and the authorized key.
func GenerateCloudConfig(creds control.Credentials, hostname string) (string, error) {
	if creds.User == "" {
		return "", fmt.Errorf("cloud-config requires a user name")
	}

	user := CloudConfigUser{
		Name:  creds.User,
		Sudo:  "ALL=(ALL) NOPASSWD:ALL",
		Shell: "/bin/bash",
	}
	if creds.PublicKey != "" {
		user.SSHAuthorizedKeys = []string{creds.PublicKey}
	}

	cc := CloudConfig{
		Hostname: hostname,
		Users:    []CloudConfigUser{user},
	}
	if creds.Password != "" {
		cc.SSHPwAuth = true
		cc.Chpasswd = &Chpasswd{
			Expire: false,
			List:   creds.User + ":" + creds.Password,
		}
	}

	out, err := yaml.Marshal(&cc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cloud-config: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}
