package portforward

import (
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/otun-project/otun/internal/proxy"
)

// Manager owns the rule table and the acceptor goroutines for active
// rules. All table mutation goes through rulesMu; acceptor goroutines
// re-check a rule's Active flag after every accept rather than holding
// the lock across a blocking Accept call.
type Manager struct {
	rulesMu sync.Mutex
	rules   []Rule
	nextID  int

	running   bool
	listeners map[int]net.Listener // keyed by ListenPort, stable across ID renumbering
}

// NewManager creates an empty, stopped rule table.
func NewManager() *Manager {
	return &Manager{listeners: make(map[int]net.Listener)}
}

// AddRule appends a new rule, auto-synthesizing a description when none is
// given, and returns its assigned ID. Returns an error if the table is at
// MaxRules capacity.
func (m *Manager) AddRule(listenPort int, targetHost string, targetPort int, description string) (int, error) {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	if len(m.rules) >= MaxRules {
		return 0, fmt.Errorf("portforward: rule table full (max %d)", MaxRules)
	}

	if description == "" {
		description = defaultDescription(listenPort, targetHost, targetPort)
	}

	m.nextID++
	rule := Rule{
		ID:          len(m.rules) + 1,
		ListenPort:  listenPort,
		TargetHost:  targetHost,
		TargetPort:  targetPort,
		Active:      true,
		Description: description,
	}
	m.rules = append(m.rules, rule)

	log.Info("forwarding rule added", "id", rule.ID, "description", rule.Description)

	if m.running {
		m.startAcceptorLocked(&m.rules[len(m.rules)-1])
	}

	return rule.ID, nil
}

// RemoveRule deletes the rule with the given ID, compacting the table and
// renumbering the remaining rules' IDs to stay contiguous.
func (m *Manager) RemoveRule(id int) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	idx := m.indexOfLocked(id)
	if idx < 0 {
		return fmt.Errorf("portforward: no rule with id %d", id)
	}

	m.stopAcceptorLocked(m.rules[idx].ListenPort)

	m.rules = append(m.rules[:idx], m.rules[idx+1:]...)
	for i := range m.rules {
		m.rules[i].ID = i + 1
	}

	log.Info("forwarding rule removed", "id", id)
	return nil
}

// EnableRule and DisableRule toggle a rule's Active flag, starting or
// stopping its acceptor if the service is running.
func (m *Manager) EnableRule(id int) error  { return m.setActive(id, true) }
func (m *Manager) DisableRule(id int) error { return m.setActive(id, false) }

func (m *Manager) setActive(id int, active bool) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	idx := m.indexOfLocked(id)
	if idx < 0 {
		return fmt.Errorf("portforward: no rule with id %d", id)
	}

	m.rules[idx].Active = active
	if !m.running {
		return nil
	}
	if active {
		m.startAcceptorLocked(&m.rules[idx])
	} else {
		m.stopAcceptorLocked(m.rules[idx].ListenPort)
	}
	return nil
}

// List returns a snapshot of the current rule table.
func (m *Manager) List() []Rule {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

func (m *Manager) indexOfLocked(id int) int {
	for i, r := range m.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Start begins accepting connections for every currently active rule.
func (m *Manager) Start() error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	if m.running {
		return fmt.Errorf("portforward: service already running")
	}
	m.running = true

	for i := range m.rules {
		if m.rules[i].Active {
			m.startAcceptorLocked(&m.rules[i])
		}
	}

	log.Info("port forwarding service started", "rules", len(m.rules))
	return nil
}

// Stop halts every acceptor and marks all rules inactive.
func (m *Manager) Stop() {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	for i := range m.rules {
		m.rules[i].Active = false
	}
	for port, ln := range m.listeners {
		ln.Close()
		delete(m.listeners, port)
	}

	log.Info("port forwarding service stopped")
}

// startAcceptorLocked binds rule's listen port and spawns its accept loop.
// Caller must hold rulesMu.
func (m *Manager) startAcceptorLocked(rule *Rule) {
	if _, exists := m.listeners[rule.ListenPort]; exists {
		return
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rule.ListenPort))
	if err != nil {
		log.Error("failed to bind forwarding rule", "id", rule.ID, "port", rule.ListenPort, "error", err)
		rule.Active = false
		return
	}
	m.listeners[rule.ListenPort] = ln

	ruleCopy := *rule
	go m.acceptLoop(ln, ruleCopy)
}

func (m *Manager) stopAcceptorLocked(listenPort int) {
	if ln, ok := m.listeners[listenPort]; ok {
		ln.Close()
		delete(m.listeners, listenPort)
	}
}

// acceptLoop accepts connections for one rule until its listener is
// closed (by Stop, DisableRule, or RemoveRule), or until an accepted
// connection finds no active rule left on its listen port.
func (m *Manager) acceptLoop(ln net.Listener, rule Rule) {
	log.Info("listening for forwarding rule", "port", rule.ListenPort, "description", rule.Description)
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Debug("forwarding listener stopped", "port", rule.ListenPort)
			return
		}
		m.rulesMu.Lock()
		active := false
		for _, r := range m.rules {
			if r.ListenPort == rule.ListenPort && r.Active {
				active = true
				break
			}
		}
		m.rulesMu.Unlock()
		if !active {
			conn.Close()
			return
		}
		log.Info("accepted forwarding connection", "port", rule.ListenPort, "remote", conn.RemoteAddr())
		go handleForwardConn(conn, rule)
	}
}

// handleForwardConn dials the rule's target and splices the two
// connections until either side closes.
func handleForwardConn(client net.Conn, rule Rule) {
	defer client.Close()

	target, err := net.Dial("tcp", fmt.Sprintf("%s:%d", rule.TargetHost, rule.TargetPort))
	if err != nil {
		log.Error("failed to connect to forwarding target", "rule", rule.Description, "error", err)
		return
	}
	defer target.Close()

	log.Info("forward connection established", "rule", rule.Description)
	if err := proxy.Bidirectional(client, target); err != nil {
		log.Debug("forward connection ended", "rule", rule.Description, "error", err)
	} else {
		log.Debug("forward connection closed", "rule", rule.Description)
	}
}
