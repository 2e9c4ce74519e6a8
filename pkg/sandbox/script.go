package sandbox

import (
	"fmt"
	"strings"
)

// MountPath is where the workspace is bind-mounted inside the container.
const MountPath = "/work"

// buildScriptEnv carries the unprivileged build script into the container.
const buildScriptEnv = "RUNNER_BUILD_SCRIPT"

// rootScript runs as root: it hands the mounted tree to the build user,
// arranges for ownership to return to the host identity on exit, and then
// drops privileges to run the build script.
func rootScript(user string) string {
	return fmt.Sprintf(`set -e
cd %[1]s
host_owner=$(stat -c '%%u:%%g' %[1]s)
trap 'chown -R "$host_owner" %[1]s' EXIT
chown -R %[2]s:%[2]s %[1]s

echo "=== Building Soroban Contract ==="
echo "Running as: $(whoami)"
echo ""

su %[2]s -c "$%[3]s"
`, MountPath, user, buildScriptEnv)
}

// userScript is executed by the unprivileged build identity.
func userScript(command, outputDir, extension string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "set -e\ncd %s\n", MountPath)
	b.WriteString("echo \"Switched to user: $(whoami)\"\n")
	fmt.Fprintf(&b, "echo \"Files in %[1]s:\"\nls -la %[1]s\necho \"\"\n", MountPath)
	b.WriteString("echo \"Building...\"\n")
	fmt.Fprintf(&b, "%s 2>&1\n", command)
	b.WriteString("echo \"\"\necho \"Build complete. Checking output...\"\n")
	if outputDir != "" {
		fmt.Fprintf(&b, "if [ -d %[1]q ]; then\n  ls -la %[1]q | grep %[2]q || echo \"No %[2]s files found\"\nelse\n  echo \"Target directory not created\"\nfi\n", outputDir, extension)
	}
	return b.String()
}
