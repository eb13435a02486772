package portforward

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const configHeader = "# Port Forwarding Configuration\n# Format: listen_port target_host target_port description\n\n"

// LoadConfig reads rules from a flat-text config file, one rule per line
// as "listen_port target_host target_port [description...]". Lines
// starting with # and blank lines are skipped. Returns the number of
// rules loaded.
func (m *Manager) LoadConfig(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("portforward: open config %s: %w", path, err)
	}
	defer f.Close()

	loaded := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		listenPort, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		targetHost := fields[1]
		targetPort, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		description := descriptionField(line)

		if _, err := m.AddRule(listenPort, targetHost, targetPort, description); err != nil {
			continue
		}
		loaded++
	}

	if err := scanner.Err(); err != nil {
		return loaded, fmt.Errorf("portforward: read config %s: %w", path, err)
	}
	return loaded, nil
}

// descriptionField returns whatever trails the first three whitespace-
// separated fields of line, verbatim (spaces and all), mirroring how the
// flat-text format is parsed field-by-field rather than split on a single
// delimiter.
func descriptionField(line string) string {
	rest := line
	for i := 0; i < 3; i++ {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}

// SaveConfig writes the current rule table to path in the same flat-text
// format LoadConfig reads.
func (m *Manager) SaveConfig(path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("portforward: create config %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(configHeader); err != nil {
		return 0, fmt.Errorf("portforward: write config %s: %w", path, err)
	}

	rules := m.List()
	for _, r := range rules {
		if _, err := fmt.Fprintf(f, "%d %s %d %s\n", r.ListenPort, r.TargetHost, r.TargetPort, r.Description); err != nil {
			return 0, fmt.Errorf("portforward: write config %s: %w", path, err)
		}
	}

	return len(rules), nil
}
