package qlc

import (
	"context"
	"fmt"
	"strings"

	"github.com/lawnchairsociety/qlcbridge/internal/logger"
)

// Widget is a virtual console control exposed by QLC+.
type Widget struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ListWidgets returns the widgets of the virtual console in the order QLC+
// lists them. Status is left empty; use WidgetStatus for each widget.
func (c *Client) ListWidgets(ctx context.Context) ([]Widget, error) {
	reply, err := c.SendCommand(ctx, ListWidgetsCommand())
	if err != nil {
		return nil, err
	}
	return parseWidgetList(reply), nil
}

// parseWidgetList reads id/name pairs starting at token 2. A trailing id
// without a name is skipped and logged; the rest of the list is kept.
func parseWidgetList(reply string) []Widget {
	parts := strings.Split(reply, separator)
	if len(parts) <= 2 {
		return []Widget{}
	}

	widgets := make([]Widget, 0, (len(parts)-1)/2)
	index := make(map[string]int, cap(widgets))
	for i := 2; i < len(parts); i += 2 {
		if i+1 >= len(parts) {
			logger.Warning("Failed to parse widget information from response",
				"reply", reply,
				"widget_id", parts[i])
			continue
		}
		id, name := parts[i], parts[i+1]
		if pos, seen := index[id]; seen {
			widgets[pos].Name = name
			continue
		}
		index[id] = len(widgets)
		widgets = append(widgets, Widget{ID: id, Name: name})
	}
	return widgets
}

// WidgetStatus returns the status token of a widget verbatim, e.g. "255".
func (c *Client) WidgetStatus(ctx context.Context, id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	reply, err := c.SendCommand(ctx, WidgetStatusCommand(id))
	if err != nil {
		return "", err
	}

	parts := strings.Split(reply, separator)
	if len(parts) < 3 {
		return "", newError(KindMalformedReply, "widget status",
			fmt.Sprintf("reply %q has no status for widget %s", reply, id), nil)
	}
	return parts[2], nil
}

// SetWidgetValue sets a widget level without waiting for an answer.
func (c *Client) SetWidgetValue(ctx context.Context, id string, value int) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := validateLevel(value); err != nil {
		return err
	}
	return c.Send(ctx, SetValueCommand(id, value))
}

// SetMasterValue sets the grand master level (0-255).
func (c *Client) SetMasterValue(ctx context.Context, value int) error {
	if err := validateLevel(value); err != nil {
		return err
	}
	return c.Send(ctx, MasterValueCommand(value))
}

// ResetDesk resets the simple desk universe.
func (c *Client) ResetDesk(ctx context.Context) error {
	return c.Send(ctx, ResetDeskCommand)
}

// StopAllFunctions halts running playback.
func (c *Client) StopAllFunctions(ctx context.Context) error {
	return c.Send(ctx, StopAllFunctionsCommand)
}

func validateID(id string) error {
	if id == "" || strings.Contains(id, separator) {
		return fmt.Errorf("%w: widget id %q", ErrInvalidArgument, id)
	}
	return nil
}

func validateLevel(value int) error {
	if value < 0 || value > 255 {
		return fmt.Errorf("%w: level %d outside 0-255", ErrInvalidArgument, value)
	}
	return nil
}
