package tools

import "context"

// SCDL fetches a single track with artwork into a directory.
type SCDL struct {
	Binary string
	Runner Runner
}

func NewSCDL(binary string, runner Runner) *SCDL {
	return &SCDL{Binary: binary, Runner: runner}
}

// Fetch downloads url into dir. Success means exit 0; the caller checks the
// directory for the produced files.
func (s *SCDL) Fetch(ctx context.Context, url, dir string) error {
	_, _, err := s.Runner.Run(ctx, s.Binary,
		"-l", url,
		"-c",
		"--path", dir,
		"--overwrite",
		"--hide-progress",
	)
	return err
}
