// Package approval asks the operator at the terminal whether a pending
// consent should be granted.
package approval

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type Result struct {
	Approved   bool
	UserAction string
}

type Prompt struct {
	Principal   string
	Action      string
	ActionClass string
	Signatures  []string
	Reasons     []string
}

func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Ask prompts on stderr and reads the answer from stdin. Without a TTY the
// answer is always a denial.
func Ask(p Prompt) Result {
	if !IsInteractive() {
		return Result{
			Approved:   false,
			UserAction: "auto_deny_non_interactive",
		}
	}
	return AskFrom(os.Stdin, os.Stderr, p)
}

// AskFrom runs the prompt over arbitrary streams.
func AskFrom(in io.Reader, out io.Writer, p Prompt) Result {
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║              ⚠️  CONSENT REQUIRED                             ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "Principal: %s\n", p.Principal)
	fmt.Fprintf(out, "Action:    %s\n", p.Action)
	fmt.Fprintf(out, "Class:     %s\n", p.ActionClass)
	fmt.Fprintln(out, "")

	if len(p.Signatures) > 0 {
		fmt.Fprintf(out, "Matched signatures: %s\n", strings.Join(p.Signatures, ", "))
	}

	if len(p.Reasons) > 0 {
		fmt.Fprintln(out, "Reasons:")
		for _, reason := range p.Reasons {
			fmt.Fprintf(out, "  • %s\n", reason)
		}
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	fmt.Fprintf(out, "  [g] Grant %s consent to %s and resubmit\n", p.ActionClass, p.Principal)
	fmt.Fprintln(out, "  [d] Deny - leave consent pending")
	fmt.Fprintln(out, "")

	reader := bufio.NewReader(in)

	for {
		fmt.Fprint(out, "Your choice [g/d]: ")
		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			return Result{
				Approved:   false,
				UserAction: "error_reading_input",
			}
		}

		input = strings.TrimSpace(strings.ToLower(input))

		switch input {
		case "g", "grant", "yes", "y":
			return Result{
				Approved:   true,
				UserAction: "grant_consent",
			}
		case "d", "deny", "no", "n":
			return Result{
				Approved:   false,
				UserAction: "deny",
			}
		default:
			fmt.Fprintln(out, "Invalid input. Please enter 'g' to grant or 'd' to deny.")
			if err != nil {
				return Result{
					Approved:   false,
					UserAction: "error_reading_input",
				}
			}
		}
	}
}
