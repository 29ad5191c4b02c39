package wal

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

var badSegmentName = errors.New("wal: bad segment name")

func parseSegmentName(str string) (seq, position uint64, err error) {
	if !strings.HasSuffix(str, ".wal") {
		return 0, 0, badSegmentName
	}
	_, err = fmt.Sscanf(str, "%016x-%016x.wal", &seq, &position)
	return seq, position, err
}

func segmentName(seq, position uint64) string {
	return fmt.Sprintf("%016x-%016x.wal", seq, position)
}

func filterTempFiles(names []string) []string {
	result := make([]string, 0)
	for i := 0; i < len(names); i++ {
		if _, _, err := parseSegmentName(names[i]); err != nil {
			continue
		}
		result = append(result, names[i])
	}
	return result
}

func readAllSegmentNames(dir string) ([]string, error) {
	names, err := readDir(dir)
	if err != nil {
		return nil, err
	}

	names = filterTempFiles(names)
	if len(names) == 0 {
		return nil, ErrFileNotFound
	}
	return names, nil
}

func isValidSequences(names []string) bool {
	var lastSeq uint64
	for i, name := range names {
		curSeq, _, err := parseSegmentName(name)
		if err != nil {
			log.Panicf("parse correct name should never fail: %v", err)
		}
		if i > 0 && lastSeq != curSeq-1 {
			return false
		}
		lastSeq = curSeq
	}
	return true
}

// searchPosition find the newest segment whose first position is at or
// below the wanted position.
func searchPosition(names []string, position uint64) (int, bool) {
	for i := len(names) - 1; i >= 0; i-- {
		_, curPosition, err := parseSegmentName(names[i])
		if err != nil {
			log.Panicf("parse correct name should never fail: %v", err)
		}
		if position >= curPosition {
			return i, true
		}
	}
	return -1, false
}
