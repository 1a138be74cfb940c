package cli

import (
	"bytes"
	"strings"
	"testing"
)

func runAria(dir string, args ...string) (string, string, int) {
	var out, errOut bytes.Buffer

	fullArgs := append([]string{"aria", "--cwd", dir}, args...)
	code := Run(nil, &out, &errOut, fullArgs, nil, nil)

	return out.String(), errOut.String(), code
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	dir := t.TempDir()

	stdout, stderr, code := runAria(dir)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0, stderr: %s", code, stderr)
	}

	if !contains(stdout, "Commands:") {
		t.Fatalf("stdout should list commands, got: %s", stdout)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	dir := t.TempDir()

	stdout, stderr, code := runAria(dir, "not-a-command")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if stdout != "" {
		t.Fatalf("stdout should be empty, got: %q", stdout)
	}

	if !contains(stderr, "unknown command") || !contains(stderr, "not-a-command") {
		t.Fatalf("stderr should name the unknown command, got: %q", stderr)
	}
}

func TestRunPrintConfigDefaults(t *testing.T) {
	dir := t.TempDir()

	stdout, stderr, code := runAria(dir, "print-config")

	if code != 0 {
		t.Fatalf("exit code = %d, want 0, stderr: %s", code, stderr)
	}

	if !contains(stdout, `"library_dir": ".aria"`) {
		t.Fatalf("stdout should contain default library_dir, got: %s", stdout)
	}
}

func TestRunCwdFlagChangesWorkDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/"+ConfigFileName, `{"library_dir": "from-file"}`)

	stdout, stderr, code := runAria(dir, "print-config")

	if code != 0 {
		t.Fatalf("exit code = %d, want 0, stderr: %s", code, stderr)
	}

	if !contains(stdout, `"library_dir": "from-file"`) {
		t.Fatalf("stdout should reflect project config, got: %s", stdout)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	dir := t.TempDir()

	var out, errOut bytes.Buffer

	code := Run(nil, &out, &errOut, []string{"aria", "--not-a-flag", "print-config"}, nil, nil)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !contains(errOut.String(), "unknown flag") {
		t.Fatalf("stderr should report unknown flag, got: %q", errOut.String())
	}
}

func TestFollowGenerateDecodeRoundTrip(t *testing.T) {
	dir := t.TempDir()

	stdout, stderr, code := runAria(dir, "follow", "generate", "--url", "https://example.com/bucket", "--key", "aabbccdd")
	if code != 0 {
		t.Fatalf("generate exit code = %d, stderr: %s", code, stderr)
	}

	code2String := stdout

	stdout2, stderr2, code2 := runAria(dir, "follow", "decode", trimTrailingNewline(code2String))
	if code2 != 0 {
		t.Fatalf("decode exit code = %d, stderr: %s", code2, stderr2)
	}

	if !contains(stdout2, "url: https://example.com/bucket") {
		t.Fatalf("decoded output missing url, got: %s", stdout2)
	}
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func trimTrailingNewline(s string) string {
	return strings.TrimRight(s, "\r\n")
}
