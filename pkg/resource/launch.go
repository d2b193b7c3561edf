package resource

import (
	"strconv"
)

// Concrete launch parameters derived from a resource request, used when a
// worker runs as a parallel rank group under an external launcher.
type LaunchParams struct {
	// Number of ranks to start.
	Ranks int

	// Pass the oversubscription flag to the launcher.
	Oversubscribe bool

	// Additional launcher arguments from the request.
	ExtraArgs []string
}

// Compute the launch parameters for a request.
func Launch(request Request) LaunchParams {
	return LaunchParams{
		Ranks:         request.Cores * request.ThreadsPerCore,
		Oversubscribe: request.Oversubscribe,
		ExtraArgs:     request.SchedulerArgs,
	}
}

// Render the parameters as launcher command line arguments,
// e.g. ["-n", "4", "--oversubscribe"].
func (p LaunchParams) Args() []string {
	args := []string{"-n", strconv.Itoa(p.Ranks)}
	if p.Oversubscribe {
		args = append(args, "--oversubscribe")
	}
	args = append(args, p.ExtraArgs...)
	return args
}
