package commands

import (
	"strings"
)

// Command represents a parsed console line.
type Command struct {
	Name string   // Command name (lowercase)
	Args []string // Arguments after the command name
}

// Known command names
const (
	// Operator commands
	CmdStatus    = "status"
	CmdAdvance   = "advance"
	CmdCheckout  = "checkout"
	CmdPay       = "pay"
	CmdResume    = "resume"
	CmdDamage    = "damage"
	CmdAbandon   = "abandon"
	CmdIncidents = "incidents"
	CmdHelp      = "help"

	// Admin commands
	CmdRefund = "refund"
	CmdAck    = "ack"
)

// Parse extracts a command from a console line.
// Returns nil if the line is empty or contains only whitespace.
func Parse(content string) *Command {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	parts := strings.Fields(content)
	if len(parts) == 0 {
		return nil
	}

	return &Command{
		Name: strings.ToLower(parts[0]),
		Args: parts[1:],
	}
}

// IsOperatorCommand returns true if any operator may run the command.
func (c *Command) IsOperatorCommand() bool {
	switch c.Name {
	case CmdStatus, CmdAdvance, CmdCheckout, CmdPay, CmdResume, CmdDamage, CmdAbandon, CmdIncidents, CmdHelp:
		return true
	default:
		return false
	}
}

// IsAdminCommand returns true if the command moves money back out or clears a halt.
func (c *Command) IsAdminCommand() bool {
	switch c.Name {
	case CmdRefund, CmdAck:
		return true
	default:
		return false
	}
}

// IsValid returns true if the command name is recognized.
func (c *Command) IsValid() bool {
	return c.IsOperatorCommand() || c.IsAdminCommand()
}
