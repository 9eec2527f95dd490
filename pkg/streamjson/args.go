package streamjson

// ArgsOptions shapes the provider CLI argument list.
type ArgsOptions struct {
	// Headless selects print mode with stream-json on both pipes.
	Headless bool
	// ResumeSessionID resumes a previous provider session when set.
	ResumeSessionID string
	// Model overrides the provider's default model when set.
	Model string
	// Prompt is an initial prompt passed on the command line. Headless
	// sessions without one read prompts from stdin.
	Prompt string
}

// BuildArgs returns the provider CLI arguments for the given options.
func BuildArgs(opts ArgsOptions) []string {
	var args []string

	if opts.Headless {
		args = append(args,
			"--print",
			"--verbose",
			"--output-format", "stream-json",
			"--input-format", "stream-json",
			"--dangerously-skip-permissions",
		)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.Prompt != "" {
		args = append(args, opts.Prompt)
	}
	return args
}
