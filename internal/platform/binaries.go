package platform

import (
	"fmt"
	"os/exec"
)

// RequiredPostingBinaries lists external system binaries the posting
// pipeline needs to function.
var RequiredPostingBinaries = []string{
	"rar",
	"par2",
}

func ValidatePostingDependencies() error {
	for _, bin := range RequiredPostingBinaries {
		_, err := exec.LookPath(bin)
		if err != nil {
			return fmt.Errorf("required dependency: '%s' not found in PATH", bin)
		}
	}
	return nil
}
