package commands

import (
	"errors"
)

var (
	// ErrNoOperator is returned when a command arrives without an operator id.
	ErrNoOperator = errors.New("operator id is required")
	// ErrAdminRequired is returned when a non-admin runs an admin command.
	ErrAdminRequired = errors.New("admin command requires admin privileges")
)

// IsAdmin checks if the operator is in the admin list.
func IsAdmin(operator string, admins []string) bool {
	for _, admin := range admins {
		if admin == operator {
			return true
		}
	}
	return false
}

// CanExecute returns an error if the operator lacks permission to run the command.
// Admins can execute any command; other operators only operator commands.
func CanExecute(cmd *Command, operator string, admins []string) error {
	if operator == "" {
		return ErrNoOperator
	}
	if IsAdmin(operator, admins) {
		return nil
	}
	if cmd.IsAdminCommand() {
		return ErrAdminRequired
	}
	return nil
}
