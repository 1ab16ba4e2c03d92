// Package setup implements wssocksd's interactive first-run wizard: it
// mints a reverse token, collects the WebSocket/SOCKS5/health listen
// addresses, and writes a ready-to-run config.yaml.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cortexuvula/wssocksd/internal/config"
	"github.com/cortexuvula/wssocksd/internal/registry"
)

const (
	defaultConfigPath = "/etc/wssocksd/config.yaml"
	defaultWSAddr     = "8765"
	defaultSocksStart = "9000"
	defaultSocksEnd   = "9100"
	defaultHealthPort = "8766"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath  string        // Override default config path
	GenToken    func() string // Override token generation (for testing)
}

// RunWizard runs the interactive setup wizard, reading prompts from in and
// writing progress/output to out.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo wssocksd setup\n\n")
	}

	fmt.Fprintln(out, "wssocksd Setup")
	fmt.Fprintln(out, "==============")
	fmt.Fprintln(out)

	// Step 1: WebSocket listen port
	wsHost := prompt(scanner, out, "WebSocket listen host [0.0.0.0]: ", "0.0.0.0")
	wsPort := promptPort(scanner, out, fmt.Sprintf("WebSocket listen port [%s]: ", defaultWSAddr), defaultWSAddr)
	if reason := checkPortAvailable(wsHost, wsPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", wsPort, wsHost, reason)
	}

	// Step 2: SOCKS5 port range
	socksStart := promptPort(scanner, out, fmt.Sprintf("SOCKS5 port range start [%s]: ", defaultSocksStart), defaultSocksStart)
	socksEnd := promptPort(scanner, out, fmt.Sprintf("SOCKS5 port range end [%s]: ", defaultSocksEnd), defaultSocksEnd)

	// Step 3: Health/admin listen address
	healthPort := promptPort(scanner, out, fmt.Sprintf("Health/admin port [%s]: ", defaultHealthPort), defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 4: mint a reverse token
	genToken := registry.GenerateToken
	if opts.GenToken != nil {
		genToken = opts.GenToken
	}
	token := genToken()
	fmt.Fprintf(out, "Generated reverse token: %s\n\n", token)

	// Step 5: admin API auth token (optional)
	adminToken := prompt(scanner, out, "Admin API auth token (leave empty for none): ", "")

	// Step 6: check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out, fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 7: write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(wsHost, wsPort, socksStart, socksEnd, healthAddress, token, adminToken)
	if err := writeConfig(configPath, configContent); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 8: validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 9: offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out, "Start wssocksd service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start wssocksd")
			}
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Reverse token: %s\n", token)
	fmt.Fprintf(out, "  WebSocket:    ws://%s:%s/socket\n", wsHost, wsPort)
	fmt.Fprintf(out, "  Health:       http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u wssocksd -f")
	fmt.Fprintln(out, "  Validate:       wssocksd validate --config "+configPath)
	fmt.Fprintln(out, "  Manage tokens:  wssocksd token list --config "+configPath)

	return nil
}

func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := exec.Command("systemctl", "restart", "wssocksd").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "wssocksd").Run(); err != nil {
			return err
		}
	}
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "wssocksd").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string matching
// internal/config.Config's shape.
func generateConfig(wsHost, wsPort, socksStart, socksEnd, healthAddress, token, adminToken string) string {
	adminTokenLine := `  auth_token: ""`
	if adminToken != "" {
		adminTokenLine = fmt.Sprintf(`  auth_token: "%s"`, yamlEscapeString(adminToken))
	}

	return fmt.Sprintf(`# wssocksd Configuration
# Generated by: wssocksd setup

server:
  ws_host: "%s"
  ws_port: %s
  drain_timeout: "30s"

socks:
  host: "127.0.0.1"
  port_range_start: %s
  port_range_end: %s
  wait_client: true
  socket_grace: "30s"
  dial_timeout: "10s"

tokens:
  pending:
    - token: "%s"
      kind: "reverse"

security:
  rate_limit:
    enabled: true
    connections_per_minute: 120
  max_connections: 1000
  max_connections_per_ip: 50

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  listen_address: "%s"

monitoring:
  metrics_enabled: true
  metrics_endpoint: "/metrics"

admin:
  enabled: true
%s
`, yamlEscapeString(wsHost), wsPort, socksStart, socksEnd, yamlEscapeString(token), yamlEscapeString(healthAddress), adminTokenLine)
}

func writeConfig(path, content string) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	return os.WriteFile(path, []byte(content), 0640)
}
