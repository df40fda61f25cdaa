package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildtall-systems/rentdesk/internal/commands"
	"github.com/buildtall-systems/rentdesk/internal/notify"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive operator console",
	Long: `Read operator commands from stdin and print lifecycle events as they happen.
Type "help" for the command list. Pending checkouts are watched while the console runs.`,
	Args: cobra.NoArgs,
	RunE: runConsoleCmd,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

func runConsoleCmd(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context(), a)
	defer cancel()

	if n, err := watchPending(ctx, a); err != nil {
		a.logger.WithError(err).Warn("could not watch pending checkouts")
	} else if n > 0 {
		a.logger.WithField("count", n).Info("watching pending checkouts")
	}

	events, unsubscribe := a.bus.Subscribe(32)
	defer unsubscribe()

	return runConsole(ctx, console{
		in:       os.Stdin,
		out:      cmd.OutOrStdout(),
		env:      a.commandEnv(),
		operator: operatorID(),
		events:   events,
		logger:   a.logger,
	})
}

// console is one interactive session.
type console struct {
	in       io.Reader
	out      io.Writer
	env      commands.Env
	operator string
	events   <-chan notify.Event
	logger   logrus.FieldLogger
}

// runConsole executes commands read from c.in until the input ends or ctx is cancelled.
func runConsole(ctx context.Context, c console) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	fmt.Fprintf(c.out, "rentdesk console (operator %q). Type help for commands.\n", c.operator)

	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			fmt.Fprintln(c.out, formatEvent(e))

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			c.handle(ctx, line)
		}
	}
}

func (c console) handle(ctx context.Context, line string) {
	cmd := commands.Parse(line)
	if cmd == nil {
		return
	}
	if cmd.Name == "quit" || cmd.Name == "exit" {
		fmt.Fprintln(c.out, "Use Ctrl-D to leave the console.")
		return
	}
	if !cmd.IsValid() {
		fmt.Fprintf(c.out, "Unknown command %q. Type help for commands.\n", cmd.Name)
		return
	}
	if err := commands.CanExecute(cmd, c.operator, c.env.Admins); err != nil {
		fmt.Fprintf(c.out, "Not allowed: %v\n", err)
		return
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{"command": cmd.Name, "args": cmd.Args}).Debug("executing command")
	}
	res := commands.Execute(ctx, c.env, cmd, c.operator)
	if res.Error != nil {
		fmt.Fprintf(c.out, "Error: %v\n", res.Error)
		return
	}
	fmt.Fprintln(c.out, res.Message)
}

func formatEvent(e notify.Event) string {
	s := fmt.Sprintf("* %s %s", e.Type, e.BookingID)
	if e.Status != "" {
		s += " -> " + string(e.Status)
	}
	if e.Gate != "" {
		s += fmt.Sprintf(" [%s %s]", e.Gate, e.Amount)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}
