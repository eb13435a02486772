package portforward

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const helpText = `
=== Port Forwarding Commands ===
  add <listen_port> <target_host> <target_port> [description]
      - Add a new forwarding rule
  remove <rule_id>
      - Remove a forwarding rule
  enable <rule_id>
      - Enable a forwarding rule
  disable <rule_id>
      - Disable a forwarding rule
  list
      - List all forwarding rules
  start
      - Start forwarding service
  stop
      - Stop forwarding service
  save [filename]
      - Save rules to config file
  load [filename]
      - Load rules from config file
  help
      - Show this help message
  quit/exit
      - Exit the program
`

const defaultConfigFile = "forward.conf"

// ProcessCommand parses and executes one REPL command line against m,
// writing its response to out. It returns true if the command requests
// the REPL to exit (quit/exit). Invalid argument counts print usage and
// leave the rule table unchanged.
func ProcessCommand(m *Manager, input string, out io.Writer) (exit bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}

	command := strings.ToLower(fields[0])
	args := fields[1:]

	switch command {
	case "add":
		if len(args) < 3 {
			fmt.Fprintln(out, "Usage: add <listen_port> <target_host> <target_port> [description]")
			return false
		}
		listenPort, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(out, "Invalid listen_port: %s\n", args[0])
			return false
		}
		targetPort, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Fprintf(out, "Invalid target_port: %s\n", args[2])
			return false
		}
		description := ""
		if len(args) >= 4 {
			description = strings.Join(args[3:], " ")
		}
		id, err := m.AddRule(listenPort, args[1], targetPort, description)
		if err != nil {
			fmt.Fprintln(out, "Failed to add rule:", err)
			return false
		}
		fmt.Fprintf(out, "Added rule with ID: %d\n", id)

	case "remove":
		if len(args) < 1 {
			fmt.Fprintln(out, "Usage: remove <rule_id>")
			return false
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(out, "Invalid rule_id: %s\n", args[0])
			return false
		}
		if err := m.RemoveRule(id); err != nil {
			fmt.Fprintf(out, "Failed to remove rule %d: %v\n", id, err)
			return false
		}
		fmt.Fprintf(out, "Removed rule %d\n", id)

	case "enable":
		toggleRule(m, args, out, m.EnableRule, "enable", "Enabled")
	case "disable":
		toggleRule(m, args, out, m.DisableRule, "disable", "Disabled")

	case "list":
		printRules(m, out)

	case "start":
		if err := m.Start(); err != nil {
			fmt.Fprintln(out, "Failed to start service (already running?)")
			return false
		}
		fmt.Fprintln(out, "Port forwarding service started")

	case "stop":
		m.Stop()
		fmt.Fprintln(out, "Port forwarding service stopped")

	case "save":
		filename := defaultConfigFile
		if len(args) >= 1 {
			filename = args[0]
		}
		n, err := m.SaveConfig(filename)
		if err != nil {
			fmt.Fprintln(out, "Failed to save configuration:", err)
			return false
		}
		fmt.Fprintf(out, "Saved %d rules to %s\n", n, filename)

	case "load":
		filename := defaultConfigFile
		if len(args) >= 1 {
			filename = args[0]
		}
		n, err := m.LoadConfig(filename)
		if err != nil {
			fmt.Fprintln(out, "Failed to load configuration:", err)
			return false
		}
		fmt.Fprintf(out, "Loaded %d rules from %s\n", n, filename)

	case "help":
		fmt.Fprintln(out, helpText)

	case "quit", "exit":
		return true

	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", command)
	}

	return false
}

func toggleRule(m *Manager, args []string, out io.Writer, fn func(int) error, usage, verb string) {
	if len(args) < 1 {
		fmt.Fprintf(out, "Usage: %s <rule_id>\n", usage)
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(out, "Invalid rule_id: %s\n", args[0])
		return
	}
	if err := fn(id); err != nil {
		fmt.Fprintf(out, "Failed to %s rule %d\n", usage, id)
		return
	}
	fmt.Fprintf(out, "%s rule %d\n", verb, id)
}

func printRules(m *Manager, out io.Writer) {
	rules := m.List()
	fmt.Fprintln(out, "\n=== Port Forwarding Rules ===")
	fmt.Fprintln(out, "ID | Status  | Listen Port | Target              | Description")
	fmt.Fprintln(out, "---|---------|-------------|---------------------|-------------")
	for _, r := range rules {
		fmt.Fprintln(out, r.String())
	}
	if len(rules) == 0 {
		fmt.Fprintln(out, "No forwarding rules configured.")
	}
	fmt.Fprintln(out)
}
