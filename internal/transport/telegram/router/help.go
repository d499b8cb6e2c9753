package router

import (
	"strings"
)

// helpText renders the command list, or the usage of one command when args
// names it. Admin-only commands are hidden from non-admins.
func (m *CommandManager) helpText(args []string, admin bool) string {
	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := m.lookup(word)
		if !ok || (c.Access == AccessAdminOnly && !admin) {
			return "Unknown command: " + args[0]
		}
		var b strings.Builder
		b.WriteString("/" + c.Name)
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		if c.Usage != "" {
			b.WriteString("\nUsage: " + c.Usage)
		}
		if len(c.Aliases) > 0 {
			b.WriteString("\nAliases: /" + strings.Join(c.Aliases, ", /"))
		}
		return b.String()
	}

	m.mu.RLock()
	cmds := m.commands
	m.mu.RUnlock()

	lines := []string{"Available commands:"}
	for _, c := range cmds {
		if c.Access == AccessAdminOnly && !admin {
			continue
		}
		line := "/" + c.Name
		if c.Description != "" {
			line += " - " + c.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
