package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
)

// desk is the part of the protocol client the console drives.
type desk interface {
	SendCommand(ctx context.Context, command string) (string, error)
	Send(ctx context.Context, command string) error
	ListWidgets(ctx context.Context) ([]qlc.Widget, error)
	WidgetStatus(ctx context.Context, id string) (string, error)
	SetWidgetValue(ctx context.Context, id string, value int) error
	SetMasterValue(ctx context.Context, value int) error
	ResetDesk(ctx context.Context) error
	StopAllFunctions(ctx context.Context) error
}

const consoleHelp = `Commands:
  widgets              list widgets with their status
  status <id>          show one widget's status
  set <id> <0-255>     set a widget level
  master <0-255>       set the grand master level
  reset                reset the simple desk universe
  stop                 stop all running functions
  send <frame>         write a raw frame without waiting for a reply
  <frame>              any frame containing '|' is sent and its reply printed
  help                 show this help
  quit                 leave the console
`

var errQuit = errors.New("quit")

type console struct {
	desk desk
	out  io.Writer
}

// run reads commands until end of input or quit.
func (c *console) run(ctx context.Context, in lineReader, prompt string) error {
	for {
		line, err := in.GetLine(prompt)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.execute(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// execute runs one console line.
func (c *console) execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return errQuit
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return nil
	case "widgets":
		return c.listWidgets(ctx)
	case "status":
		if len(fields) != 2 {
			return errors.New("usage: status <id>")
		}
		status, err := c.desk.WidgetStatus(ctx, fields[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %s\n", fields[1], status)
		return nil
	case "set":
		if len(fields) != 3 {
			return errors.New("usage: set <id> <0-255>")
		}
		value, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("invalid level %q", fields[2])
		}
		return c.desk.SetWidgetValue(ctx, fields[1], value)
	case "master":
		if len(fields) != 2 {
			return errors.New("usage: master <0-255>")
		}
		value, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid level %q", fields[1])
		}
		return c.desk.SetMasterValue(ctx, value)
	case "reset":
		return c.desk.ResetDesk(ctx)
	case "stop":
		return c.desk.StopAllFunctions(ctx)
	case "send":
		frame := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if frame == "" {
			return errors.New("usage: send <frame>")
		}
		return c.desk.Send(ctx, frame)
	}

	if !strings.Contains(line, "|") {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	reply, err := c.desk.SendCommand(ctx, line)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, reply)
	return nil
}

func (c *console) listWidgets(ctx context.Context) error {
	widgets, err := c.desk.ListWidgets(ctx)
	if err != nil {
		return err
	}
	for _, w := range widgets {
		status, err := c.desk.WidgetStatus(ctx, w.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-4s %-24s %s\n", w.ID, w.Name, status)
	}
	return nil
}
