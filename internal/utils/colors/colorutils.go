package colors

import "github.com/fatih/color"

var (
	SuccessC   = color.New(color.FgGreen)
	WarningC   = color.New(color.FgYellow)
	FailureC   = color.New(color.FgRed)
	UserInputC = color.New(color.FgCyan)
	FaintC     = color.New(color.Faint)
)

var (
	Success   = SuccessC.Sprint
	Warning   = WarningC.Sprint
	Failure   = FailureC.Sprint
	UserInput = UserInputC.Sprint
	Faint     = FaintC.Sprint
)
