package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// confirm prompts prompt + " [y/N]" and reads a single keypress in raw
// mode, so the user does not have to press Enter. Anything but 'y'/'Y'
// is treated as a decline.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		// Not a terminal (piped input, CI): fall back to declining rather
		// than blocking on a read that will never see a keypress.
		fmt.Println()
		return false
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	buf := make([]byte, 1)
	if _, err := os.Stdin.Read(buf); err != nil {
		fmt.Printf("\r\n")
		return false
	}
	fmt.Printf("\r\n")

	return buf[0] == 'y' || buf[0] == 'Y'
}
