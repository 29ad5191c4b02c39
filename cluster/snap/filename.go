package snap

import (
	"errors"
	"fmt"
	"strings"
)

var badSnapName = errors.New("snap: bad snapshot name")

func snapName(term, position uint64) string {
	return fmt.Sprintf("%016x-%016x.snap", term, position)
}

func parseSnapName(str string) (term, position uint64, err error) {
	if !strings.HasSuffix(str, ".snap") {
		return 0, 0, badSnapName
	}
	_, err = fmt.Sscanf(str, "%016x-%016x.snap", &term, &position)
	return term, position, err
}
