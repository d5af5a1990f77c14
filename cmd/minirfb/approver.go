package main

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/ooni/minirfb/pkg/rfbserver"
)

// The options of the approval prompt, in display order.
var promptOptions = []string{"Yes", "No", "Always", "Never"}

// parseChoice maps a prompt option to a choice. Anything unknown denies.
func parseChoice(option string) rfbserver.Choice {
	switch option {
	case "Yes":
		return rfbserver.ChoiceYes
	case "Always":
		return rfbserver.ChoiceAlways
	case "Never":
		return rfbserver.ChoiceNever
	default:
		return rfbserver.ChoiceNo
	}
}

// promptApprover asks the operator on the terminal. The server runs a
// single prompt at a time.
type promptApprover struct {
	// show displays the prompt and returns the selected option. When
	// nil we use an interactive pterm select.
	show func(text string) (string, error)
}

var _ rfbserver.Approver = &promptApprover{}

func promptText(req rfbserver.ApprovalRequest) string {
	user := req.Username
	if user == "" {
		user = "an anonymous user"
	}
	return fmt.Sprintf("Allow %s connecting from %s?", user, req.HostAddress)
}

// Approve implements rfbserver.Approver.
func (pa *promptApprover) Approve(ctx context.Context, req rfbserver.ApprovalRequest) (rfbserver.Choice, error) {
	show := pa.show
	if show == nil {
		show = func(text string) (string, error) {
			return pterm.DefaultInteractiveSelect.
				WithOptions(promptOptions).
				WithDefaultOption("No").
				Show(text)
		}
	}

	type result struct {
		option string
		err    error
	}
	resultc := make(chan result, 1)
	go func() {
		option, err := show(promptText(req))
		resultc <- result{option, err}
	}()

	// POSSIBLY BLOCK until the operator answers or we time out
	select {
	case res := <-resultc:
		if res.err != nil {
			return rfbserver.ChoiceNo, res.err
		}
		choice := parseChoice(res.option)
		pterm.Info.Printf("%s: %s\n", promptText(req), choice)
		return choice, nil
	case <-ctx.Done():
		pterm.Warning.Printf("%s: no answer\n", promptText(req))
		return rfbserver.ChoiceNo, ctx.Err()
	}
}
