package control

import (
	"os/exec"
	"strings"
	"testing"
)

// startLocalShell attaches an SSH value to a local bash process, optionally
// behind a wrapper command such as unshare.
func startLocalShell(t *testing.T, wrapper ...string) *SSH {
	t.Helper()

	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	args := append(append([]string{}, wrapper...), bash, "--noprofile", "--norc")
	cmd := exec.Command(args[0], args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("StdinPipe() error = %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe() error = %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start shell: %v", err)
	}

	s := &SSH{host: "localhost", instanceName: "local", marker: testMarker}
	if err := s.attach(stdin, stdout); err != nil {
		t.Fatalf("attach() error = %v", err)
	}
	t.Cleanup(func() {
		_ = stdin.Close()
		_ = cmd.Wait()
	})
	return s
}

func execLocal(t *testing.T, s *SSH, command string) (int, string) {
	t.Helper()
	var out strings.Builder
	status, err := s.Exec(command, &out)
	if err != nil {
		t.Fatalf("Exec(%q) error = %v", command, err)
	}
	return status, out.String()
}

func TestSSH_ExecLocalShell(t *testing.T) {
	s := startLocalShell(t)

	tests := []struct {
		command    string
		wantStatus int
		wantOutput string
	}{
		{command: "echo hello", wantStatus: 0, wantOutput: "hello\n"},
		{command: "echo oops >&2; false", wantStatus: 1, wantOutput: "oops\n"},
		{command: "cd /tmp", wantStatus: 0, wantOutput: ""},
		{command: "pwd", wantStatus: 0, wantOutput: "/tmp\n"},
		{command: "export GREETING=hi", wantStatus: 0, wantOutput: ""},
		{command: "echo $GREETING", wantStatus: 0, wantOutput: "hi\n"},
	}

	for _, tt := range tests {
		status, output := execLocal(t, s, tt.command)
		if status != tt.wantStatus {
			t.Errorf("Exec(%q) status = %d, want %d", tt.command, status, tt.wantStatus)
		}
		if output != tt.wantOutput {
			t.Errorf("Exec(%q) output = %q, want %q", tt.command, output, tt.wantOutput)
		}
	}
}

func TestSSH_ExecCommandCannotReadScript(t *testing.T) {
	s := startLocalShell(t)

	status, _ := execLocal(t, s, `read -r line && echo "read=$line"`)
	if status == 0 {
		t.Errorf("read from closed stdin succeeded")
	}

	status, output := execLocal(t, s, "echo next")
	if status != 0 || output != "next\n" {
		t.Errorf("Exec after stdin reader = %d %q, want 0 %q", status, output, "next\n")
	}
}

func TestSSH_CommandScriptAvoidsDevNull(t *testing.T) {
	script := commandScript("sudo mknod -m 0666 /tmp/null c 1 3", testMarker)
	if strings.Contains(script, "/dev/null") {
		t.Errorf("command wrapper references /dev/null: %q", script)
	}
}

// Recreating /dev/null is part of environment setup; the shell must keep
// working while it is missing.
func TestSSH_ExecWithoutDevNull(t *testing.T) {
	if err := exec.Command("unshare", "-rm", "true").Run(); err != nil {
		t.Skip("user and mount namespaces not available")
	}
	s := startLocalShell(t, "unshare", "-rm")

	if status, output := execLocal(t, s, "mount -t tmpfs tmpfs /dev"); status != 0 {
		t.Skipf("cannot mount over /dev: %q", output)
	}
	if status, output := execLocal(t, s, "test ! -e /dev/null"); status != 0 {
		t.Fatalf("/dev/null still present: %q", output)
	}

	status, output := execLocal(t, s, "echo still working")
	if status != 0 || output != "still working\n" {
		t.Errorf("Exec without /dev/null = %d %q, want 0 %q", status, output, "still working\n")
	}
}
